// Package services – RewardService
//
// RewardService mints reward instances from templates, redeems them, and
// expires the ones whose validity window has passed. Minting is also invoked
// by the check-in engine inside its own transaction, so the core helpers take
// an explicit *gorm.DB.

package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/observability"
	"github.com/tbourn/go-loyalty-backend/internal/phone"
	"github.com/tbourn/go-loyalty-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RewardValidity is how long a minted reward stays redeemable. Template and
// business expiry settings do not change it.
const RewardValidity = 30 * 24 * time.Hour

const (
	codePrefix   = "RWD"
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeAttempts = 5
)

// RewardService issues and redeems rewards.
type RewardService struct {
	DB  *gorm.DB
	Now func() time.Time
}

func (s *RewardService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// MintFromTemplate issues one reward from tpl to the customer identified by
// (businessID, phone).
func (s *RewardService) MintFromTemplate(ctx context.Context, tpl *domain.RewardTemplate, rawPhone, businessID string) (*domain.RewardInstance, error) {
	tr := otel.Tracer("services/RewardService")
	ctx, span := tr.Start(ctx, "MintFromTemplate",
		trace.WithAttributes(
			attribute.String("business.id", businessID),
			attribute.String("template.id", tpl.ID),
		),
	)
	defer span.End()

	ph, err := phone.Normalize(rawPhone)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	var out *domain.RewardInstance
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.GetCustomerByPhone(ctx, tx, businessID, ph)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrCustomerNotFound
		}
		if err != nil {
			return err
		}
		out, err = s.mint(ctx, tx, tpl, c, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// mint inserts a reward for c inside tx. Each insert attempt runs in its own
// savepoint so a code collision can be retried without aborting tx.
func (s *RewardService) mint(ctx context.Context, tx *gorm.DB, tpl *domain.RewardTemplate, c *domain.Customer, now time.Time) (*domain.RewardInstance, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := newRewardCode()
		if err != nil {
			return nil, err
		}
		r := &domain.RewardInstance{
			ID:            uuid.NewString(),
			BusinessID:    c.BusinessID,
			CustomerID:    c.ID,
			TemplateID:    tpl.ID,
			Code:          code,
			Title:         tpl.Name,
			DiscountType:  tpl.DiscountType,
			DiscountValue: tpl.DiscountValue,
			Threshold:     tpl.Threshold,
			IssuedAt:      now,
			ExpiresAt:     now.Add(RewardValidity),
		}
		err = tx.Transaction(func(sp *gorm.DB) error {
			return repo.CreateRewardInstance(ctx, sp, r)
		})
		if errors.Is(err, repo.ErrDuplicate) {
			log.Debug().Str("code", code).Msg("reward code collision; retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := repo.IncrementRewardsIssued(ctx, tx, c.ID); err != nil {
			return nil, err
		}
		observability.RewardsIssued.Inc()
		return r, nil
	}
	return nil, fmt.Errorf("mint reward: %d code collisions", codeAttempts)
}

// Redeem marks the reward identified by id or code as redeemed and resets the
// owner's counter to zero. Both changes commit together.
func (s *RewardService) Redeem(ctx context.Context, idOrCode string) (*domain.RewardInstance, error) {
	tr := otel.Tracer("services/RewardService")
	ctx, span := tr.Start(ctx, "Redeem",
		trace.WithAttributes(attribute.String("reward.ref", idOrCode)),
	)
	defer span.End()

	ref := strings.TrimSpace(idOrCode)
	if ref == "" {
		return nil, ErrRewardNotFound
	}
	now := s.now()

	var out *domain.RewardInstance
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.GetRewardInstance(ctx, tx, strings.ToUpper(ref))
		if errors.Is(err, repo.ErrNotFound) && ref != strings.ToUpper(ref) {
			r, err = repo.GetRewardInstance(ctx, tx, ref)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return ErrRewardNotFound
		}
		if err != nil {
			return err
		}
		if r.Redeemed {
			return ErrAlreadyRedeemed
		}
		if r.Expired || !now.Before(r.ExpiresAt) {
			return ErrRewardExpired
		}

		n, err := repo.MarkRewardRedeemed(ctx, tx, r.ID, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAlreadyRedeemed
		}
		if err := repo.SetCheckinCount(ctx, tx, r.CustomerID, 0); err != nil {
			return err
		}
		r.Redeemed = true
		r.RedeemedAt = &now
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.RewardsRedeemed.Inc()
	return out, nil
}

// ExpireStale flags every unredeemed reward whose window has closed and
// returns how many were flagged.
func (s *RewardService) ExpireStale(ctx context.Context) (int64, error) {
	tr := otel.Tracer("services/RewardService")
	ctx, span := tr.Start(ctx, "ExpireStale")
	defer span.End()

	n, err := repo.ExpireStaleRewards(ctx, s.DB, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.RewardsExpired.Add(float64(n))
	}
	span.SetAttributes(attribute.Int64("rewards.expired", n))
	return n, nil
}

// newRewardCode returns a code like RWD-7KQ2-M9XD drawn from an alphabet
// without look-alike characters.
func newRewardCode() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(codePrefix) + 10)
	b.WriteString(codePrefix)
	for i, v := range buf {
		if i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(codeAlphabet[int(v)%len(codeAlphabet)])
	}
	return b.String(), nil
}
