package repo

import (
	"context"
	"testing"
	"time"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
)

func TestCustomerStats_ZeroRows(t *testing.T) {
	db := newTestDB(t)
	b := seedBusiness(t, db, "cafe")
	count, maxAt, err := CustomerStats(context.Background(), db, b.ID)
	if err != nil {
		t.Fatalf("CustomerStats error: %v", err)
	}
	if count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxAt)
	}
}

func TestWinbackCandidates_FiltersAndOrders(t *testing.T) {
	db := newTestDB(t)
	b := seedBusiness(t, db, "cafe")
	ctx := context.Background()

	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	mk := func(phone string, last time.Time, consent bool, state domain.SubscriptionState) {
		c, _, err := FindOrCreateCustomer(ctx, db, b.ID, phone, domain.Customer{CreatedVia: domain.SourceImport, MarketingConsent: consent})
		if err != nil {
			t.Fatalf("seed %s: %v", phone, err)
		}
		if _, err := IncrementCheckins(ctx, db, c.ID, Increment{Delta: 1, At: last}); err != nil {
			t.Fatalf("increment %s: %v", phone, err)
		}
		if state != domain.SubscriptionActive {
			if err := SetSubscriptionState(ctx, db, b.ID, phone, state); err != nil {
				t.Fatalf("state %s: %v", phone, err)
			}
		}
	}
	mk("+15550000001", now.AddDate(0, 0, -90), true, domain.SubscriptionActive)       // candidate, oldest
	mk("+15550000002", now.AddDate(0, 0, -45), true, domain.SubscriptionActive)       // candidate
	mk("+15550000003", now.AddDate(0, 0, -5), true, domain.SubscriptionActive)        // too recent
	mk("+15550000004", now.AddDate(0, 0, -90), false, domain.SubscriptionActive)      // no consent
	mk("+15550000005", now.AddDate(0, 0, -90), true, domain.SubscriptionUnsubscribed) // unsubscribed

	cutoff := now.AddDate(0, 0, -30)
	n, err := CountWinbackCandidates(ctx, db, b.ID, cutoff)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 candidates, got %d", n)
	}
	list, err := ListWinbackCandidates(ctx, db, b.ID, cutoff, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Phone != "+15550000001" || list[1].Phone != "+15550000002" {
		t.Fatalf("unexpected candidates: %+v", list)
	}

	count, maxAt, err := CustomerStats(ctx, db, b.ID)
	if err != nil || count != 5 || maxAt == nil {
		t.Fatalf("CustomerStats = (%d, %v, %v)", count, maxAt, err)
	}
}
