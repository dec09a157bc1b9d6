package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/notify"
	"github.com/tbourn/go-loyalty-backend/internal/phone"
	"github.com/tbourn/go-loyalty-backend/internal/repo"
)

// ---------- test helpers ----------

// newSvcDB opens an isolated in-memory database with the full schema. A
// single connection serializes writers the way a file database would.
func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedBiz(t *testing.T, db *gorm.DB, slug string, threshold int) *domain.Business {
	t.Helper()
	now := time.Now().UTC()
	b := &domain.Business{
		ID:               uuid.NewString(),
		Slug:             slug,
		Name:             "Cafe " + slug,
		DefaultThreshold: threshold,
		RewardExpiryDays: 90,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.Create(b).Error; err != nil {
		t.Fatalf("seed business: %v", err)
	}
	return b
}

func seedTemplate(t *testing.T, db *gorm.DB, businessID string, threshold, priority int) *domain.RewardTemplate {
	t.Helper()
	tpl := &domain.RewardTemplate{
		ID:            uuid.NewString(),
		BusinessID:    businessID,
		Name:          "Free coffee",
		Threshold:     threshold,
		DiscountType:  domain.DiscountNone,
		DiscountValue: decimal.Zero,
		Priority:      priority,
		IsActive:      true,
	}
	if err := repo.UpsertRewardTemplate(context.Background(), db, tpl); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	return tpl
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingEmitter keeps every intent.
type recordingEmitter struct {
	mu      sync.Mutex
	intents []notify.Intent
}

func (r *recordingEmitter) Emit(_ context.Context, in notify.Intent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, in)
	return true
}

func (r *recordingEmitter) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, len(r.intents))
	for i, in := range r.intents {
		out[i] = in.Kind
	}
	return out
}

// scriptedSender answers with a fixed outcome per recipient.
type scriptedSender struct {
	mu       sync.Mutex
	outcomes map[string]notify.Outcome
	sent     []string
	bodies   []string
}

func (s *scriptedSender) Send(_ context.Context, to, body string) (notify.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, to)
	s.bodies = append(s.bodies, body)
	if out, ok := s.outcomes[to]; ok {
		if out != notify.Delivered {
			return out, fmt.Errorf("provider rejected %s", to)
		}
		return out, nil
	}
	return notify.Delivered, nil
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newCheckinService(db *gorm.DB, clk *clock, em Emitter) *CheckinService {
	return &CheckinService{
		DB:               db,
		Rewards:          &RewardService{DB: db, Now: clk.Now},
		Emitter:          em,
		Phone:            phone.New("1"),
		Cooldown:         24 * time.Hour,
		DefaultThreshold: 10,
		Now:              clk.Now,
	}
}

func newImportService(db *gorm.DB, clk *clock, sender notify.Sender) *ImportService {
	return &ImportService{
		DB:                  db,
		Phone:               phone.New("1"),
		Sender:              sender,
		MaxRows:             100,
		BatchSize:           3,
		Concurrency:         2,
		RowIncrement:        1,
		WelcomeBatchSize:    2,
		AllowedCountryCodes: []string{"1"},
		Now:                 clk.Now,
	}
}

func mustCustomer(t *testing.T, db *gorm.DB, businessID, ph string) *domain.Customer {
	t.Helper()
	c, err := repo.GetCustomerByPhone(context.Background(), db, businessID, ph)
	if err != nil {
		t.Fatalf("get customer %s: %v", ph, err)
	}
	return c
}
