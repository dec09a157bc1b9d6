package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/notify"
	"github.com/tbourn/go-loyalty-backend/internal/phone"
)

type fakeCustomerRepo struct {
	biz       *domain.Business
	customers map[string]*domain.Customer
	template  *domain.RewardTemplate
	rewards   []domain.RewardInstance
	idle      []domain.Customer

	gotCutoff time.Time
	gotOffset int
	gotLimit  int
}

func (r *fakeCustomerRepo) GetBusinessBySlug(_ context.Context, _ *gorm.DB, slug string) (*domain.Business, error) {
	if r.biz == nil || r.biz.Slug != slug {
		return nil, gorm.ErrRecordNotFound
	}
	return r.biz, nil
}

func (r *fakeCustomerRepo) GetCustomerByPhone(_ context.Context, _ *gorm.DB, _, ph string) (*domain.Customer, error) {
	if c, ok := r.customers[ph]; ok {
		return c, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeCustomerRepo) ActiveTemplateFor(context.Context, *gorm.DB, string) (*domain.RewardTemplate, error) {
	if r.template == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return r.template, nil
}

func (r *fakeCustomerRepo) ListCustomerRewards(context.Context, *gorm.DB, string) ([]domain.RewardInstance, error) {
	return r.rewards, nil
}

func (r *fakeCustomerRepo) CountWinbackCandidates(_ context.Context, _ *gorm.DB, _ string, cutoff time.Time) (int64, error) {
	r.gotCutoff = cutoff
	return int64(len(r.idle)), nil
}

func (r *fakeCustomerRepo) ListWinbackCandidates(_ context.Context, _ *gorm.DB, _ string, _ time.Time, offset, limit int) ([]domain.Customer, error) {
	r.gotOffset, r.gotLimit = offset, limit
	if offset >= len(r.idle) {
		return []domain.Customer{}, nil
	}
	return r.idle[offset:min(offset+limit, len(r.idle))], nil
}

func TestCustomerService_Standing(t *testing.T) {
	fr := &fakeCustomerRepo{
		biz:       &domain.Business{ID: "b1", Slug: "cafe", DefaultThreshold: 10},
		customers: map[string]*domain.Customer{"+15551234567": {ID: "c1", CheckinCount: 7}},
		rewards:   []domain.RewardInstance{{ID: "r1"}},
	}
	s := NewCustomerService(nil, fr, phone.New("1"))
	ctx := context.Background()

	st, err := s.Standing(ctx, "cafe", "555.123.4567")
	if err != nil {
		t.Fatalf("Standing: %v", err)
	}
	if st.Threshold != 10 || st.CheckinsUntilReward != 3 || len(st.Rewards) != 1 {
		t.Fatalf("standing = %+v", st)
	}

	fr.template = &domain.RewardTemplate{Threshold: 5}
	st, _ = s.Standing(ctx, "cafe", "5551234567")
	if st.Threshold != 5 || st.CheckinsUntilReward != 3 {
		t.Fatalf("template threshold ignored: %+v", st)
	}

	if _, err := s.Standing(ctx, "cafe", "5559999999"); !errors.Is(err, ErrCustomerNotFound) {
		t.Fatalf("expected ErrCustomerNotFound, got %v", err)
	}
	if _, err := s.Standing(ctx, "nope", "5551234567"); !errors.Is(err, ErrBusinessNotFound) {
		t.Fatalf("expected ErrBusinessNotFound, got %v", err)
	}
	if _, err := s.Standing(ctx, "cafe", "abc"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestCustomerService_WinbackPage(t *testing.T) {
	fr := &fakeCustomerRepo{
		biz:  &domain.Business{ID: "b1", Slug: "cafe"},
		idle: []domain.Customer{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	}
	now := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC)
	s := NewCustomerService(nil, fr, phone.New("1"))
	s.Now = func() time.Time { return now }

	items, total, err := s.WinbackPage(context.Background(), "cafe", 0, 2, 2)
	if err != nil {
		t.Fatalf("WinbackPage: %v", err)
	}
	if total != 3 || len(items) != 1 || items[0].ID != "c" {
		t.Fatalf("page = %+v total=%d", items, total)
	}
	if fr.gotOffset != 2 || fr.gotLimit != 2 {
		t.Fatalf("offset=%d limit=%d", fr.gotOffset, fr.gotLimit)
	}
	if want := now.AddDate(0, 0, -30); !fr.gotCutoff.Equal(want) {
		t.Fatalf("cutoff = %v; want %v", fr.gotCutoff, want)
	}

	fr.idle = nil
	items, total, err = s.WinbackPage(context.Background(), "cafe", 14, 0, 0)
	if err != nil || total != 0 || items == nil || len(items) != 0 {
		t.Fatalf("empty page = %v %d %v", items, total, err)
	}
}

func TestSubscriptionService_ApplyOutcome(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "cafe", 10)
	svc := newCheckinService(db, newClock(), nil)
	ctx := context.Background()
	if _, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "cafe"}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	subs := &SubscriptionService{DB: db}

	if err := subs.ApplyOutcome(ctx, b.ID, "+15551234567", notify.Delivered); err != nil {
		t.Fatalf("delivered: %v", err)
	}
	if c := mustCustomer(t, db, b.ID, "+15551234567"); c.SubscriptionState != domain.SubscriptionActive {
		t.Fatalf("delivered changed state to %s", c.SubscriptionState)
	}

	if err := subs.ApplyOutcome(ctx, b.ID, "+15551234567", notify.InvalidNumber); err != nil {
		t.Fatalf("invalid: %v", err)
	}
	if c := mustCustomer(t, db, b.ID, "+15551234567"); c.SubscriptionState != domain.SubscriptionInvalid {
		t.Fatalf("state = %s", c.SubscriptionState)
	}
	if err := subs.ApplyOutcome(ctx, b.ID, "+15550000000", notify.Unsubscribed); !errors.Is(err, ErrCustomerNotFound) {
		t.Fatalf("expected ErrCustomerNotFound, got %v", err)
	}
}
