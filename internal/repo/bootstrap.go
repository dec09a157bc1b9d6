package repo

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
)

// SeedFile is the YAML document loaded at boot to provision businesses and
// their reward templates.
type SeedFile struct {
	Businesses []SeedBusiness `yaml:"businesses"`
}

// SeedBusiness describes one business in the seed file.
type SeedBusiness struct {
	Slug             string         `yaml:"slug"`
	Name             string         `yaml:"name"`
	DefaultThreshold int            `yaml:"default_threshold"`
	Cooldown         string         `yaml:"cooldown"`
	MinimumAge       int            `yaml:"minimum_age"`
	RewardExpiryDays int            `yaml:"reward_expiry_days"`
	Templates        []SeedTemplate `yaml:"templates"`
}

// SeedTemplate describes one reward template. ExpiryDays falls back to the
// business's RewardExpiryDays.
type SeedTemplate struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Threshold     int    `yaml:"threshold"`
	DiscountType  string `yaml:"discount_type"`
	DiscountValue string `yaml:"discount_value"`
	Priority      int    `yaml:"priority"`
	ExpiryDays    int    `yaml:"expiry_days"`
	Active        *bool  `yaml:"active"`
}

// LoadSeedFile parses the YAML seed at path.
func LoadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSeed(f)
}

// ParseSeed decodes a seed document and validates it.
func ParseSeed(r io.Reader) (*SeedFile, error) {
	var sf SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	for i, b := range sf.Businesses {
		if strings.TrimSpace(b.Slug) == "" {
			return nil, fmt.Errorf("seed business #%d: slug is required", i+1)
		}
		for j, t := range b.Templates {
			if t.Threshold <= 0 {
				return nil, fmt.Errorf("seed business %q template #%d: threshold must be > 0", b.Slug, j+1)
			}
			switch domain.DiscountType(strings.ToLower(t.DiscountType)) {
			case "", domain.DiscountNone, domain.DiscountFixed, domain.DiscountPercentage:
			default:
				return nil, fmt.Errorf("seed business %q template #%d: unknown discount_type %q", b.Slug, j+1, t.DiscountType)
			}
		}
	}
	return &sf, nil
}

// Bootstrap upserts every business and template of sf in one transaction.
// Template IDs are derived from business slug and template name when absent
// so re-running the same file updates rows instead of duplicating them.
func Bootstrap(ctx context.Context, db *gorm.DB, sf *SeedFile) error {
	if sf == nil {
		return nil
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sb := range sf.Businesses {
			cooldown, err := parseCooldown(sb.Cooldown)
			if err != nil {
				return fmt.Errorf("business %q: %w", sb.Slug, err)
			}
			b := &domain.Business{
				Slug:             sb.Slug,
				Name:             firstNonBlank(sb.Name, sb.Slug),
				DefaultThreshold: sb.DefaultThreshold,
				CooldownSeconds:  int64(cooldown / time.Second),
				MinimumAge:       sb.MinimumAge,
				RewardExpiryDays: sb.RewardExpiryDays,
			}
			if b.DefaultThreshold <= 0 {
				b.DefaultThreshold = 10
			}
			if b.RewardExpiryDays <= 0 {
				b.RewardExpiryDays = 90
			}
			if err := UpsertBusiness(ctx, tx, b); err != nil {
				return fmt.Errorf("business %q: %w", sb.Slug, err)
			}

			for _, st := range sb.Templates {
				val := decimal.Zero
				if strings.TrimSpace(st.DiscountValue) != "" {
					if val, err = decimal.NewFromString(st.DiscountValue); err != nil {
						return fmt.Errorf("business %q template %q: %w", sb.Slug, st.Name, err)
					}
				}
				kind := domain.DiscountType(strings.ToLower(st.DiscountType))
				if kind == "" {
					kind = domain.DiscountNone
				}
				id := st.ID
				if id == "" {
					id = uuid.NewSHA1(uuid.NameSpaceURL, []byte("reward-template:"+sb.Slug+"/"+st.Name)).String()
				}
				expiry := st.ExpiryDays
				if expiry <= 0 {
					expiry = b.RewardExpiryDays
				}
				active := true
				if st.Active != nil {
					active = *st.Active
				}
				t := &domain.RewardTemplate{
					ID:            id,
					BusinessID:    b.ID,
					Name:          st.Name,
					Threshold:     st.Threshold,
					DiscountType:  kind,
					DiscountValue: val,
					Priority:      st.Priority,
					ExpiryDays:    expiry,
					IsActive:      active,
				}
				if err := UpsertRewardTemplate(ctx, tx, t); err != nil {
					return fmt.Errorf("business %q template %q: %w", sb.Slug, st.Name, err)
				}
			}
		}
		return nil
	})
}

func parseCooldown(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("cooldown: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("cooldown must be >= 0")
	}
	return d, nil
}

func firstNonBlank(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
