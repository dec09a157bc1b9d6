package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/notify"
	"github.com/tbourn/go-loyalty-backend/internal/repo"
)

var rewardCodeRE = regexp.MustCompile(`^RWD-[A-HJ-NP-Z2-9]{4}-[A-HJ-NP-Z2-9]{4}$`)

func TestCheckin_FirstVisitCreatesRecord(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "cafe", 10)
	clk := newClock()
	em := &recordingEmitter{}
	svc := newCheckinService(db, clk, em)

	res, err := svc.Process(context.Background(), CheckinRequest{Phone: "555-123-4567", BusinessSlug: "cafe"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Phone != "+15551234567" || !res.IsNewCustomer || !res.Counted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.CheckinCount != 1 || res.Threshold != 10 || res.CheckinsUntilReward != 9 || res.Reward != nil {
		t.Fatalf("unexpected progress: %+v", res)
	}
	if res.NextEligibleAt == nil || !res.NextEligibleAt.Equal(clk.Now().Add(24*time.Hour)) {
		t.Fatalf("next eligible = %v", res.NextEligibleAt)
	}

	c := mustCustomer(t, db, b.ID, "+15551234567")
	if c.CheckinCount != 1 || c.LastLiveCheckinAt == nil || c.CreatedVia != domain.SourceKiosk {
		t.Fatalf("unexpected record: %+v", c)
	}
	if c.MarketingConsent || c.AgeVerified {
		t.Fatalf("live customers must start without consent or verification: %+v", c)
	}

	kinds := em.kinds()
	if len(kinds) != 2 || kinds[0] != notify.KindWelcome || kinds[1] != notify.KindProgress {
		t.Fatalf("intents = %v", kinds)
	}
	if !strings.Contains(em.intents[0].Body, "9 check-ins") {
		t.Fatalf("welcome body = %q", em.intents[0].Body)
	}
}

func TestCheckin_ThresholdCrossingMintsReward(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "cafe", 10)
	seedTemplate(t, db, b.ID, 10, 0)
	clk := newClock()
	em := &recordingEmitter{}
	svc := newCheckinService(db, clk, em)
	ctx := context.Background()

	c, _, err := repo.FindOrCreateCustomer(ctx, db, b.ID, "+15551234567", domain.Customer{CreatedVia: domain.SourceKiosk})
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if err := repo.SetCheckinCount(ctx, db, c.ID, 9); err != nil {
		t.Fatalf("set count: %v", err)
	}

	res, err := svc.Process(ctx, CheckinRequest{Phone: "+1 555 123 4567", BusinessSlug: "cafe"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.CheckinCount != 10 || res.CheckinsUntilReward != 10 {
		t.Fatalf("count=%d until=%d", res.CheckinCount, res.CheckinsUntilReward)
	}
	if res.Reward == nil {
		t.Fatalf("expected a reward")
	}
	if !rewardCodeRE.MatchString(res.Reward.Code) {
		t.Fatalf("bad code %q", res.Reward.Code)
	}
	if want := clk.Now().Add(30 * 24 * time.Hour); !res.Reward.ExpiresAt.Equal(want) {
		t.Fatalf("expires %v; want %v", res.Reward.ExpiresAt, want)
	}
	if n, _ := repo.CountCustomerRewards(ctx, db, c.ID); n != 1 {
		t.Fatalf("rewards = %d; want 1", n)
	}
	if got := mustCustomer(t, db, b.ID, "+15551234567"); got.RewardsIssued != 1 {
		t.Fatalf("rewards_issued = %d", got.RewardsIssued)
	}
	kinds := em.kinds()
	if len(kinds) != 1 || kinds[0] != notify.KindReward {
		t.Fatalf("intents = %v", kinds)
	}
	if !strings.Contains(em.intents[0].Body, res.Reward.Code) {
		t.Fatalf("reward body missing code: %q", em.intents[0].Body)
	}
}

func TestCheckin_CooldownRejectsAndRecordsAttempt(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "cafe", 10)
	clk := newClock()
	em := &recordingEmitter{}
	svc := newCheckinService(db, clk, em)
	ctx := context.Background()
	req := CheckinRequest{Phone: "5551234567", BusinessSlug: "cafe"}

	if _, err := svc.Process(ctx, req); err != nil {
		t.Fatalf("first: %v", err)
	}
	clk.Advance(time.Hour)

	res, err := svc.Process(ctx, req)
	if !errors.Is(err, ErrInCooldown) {
		t.Fatalf("expected ErrInCooldown, got %v", err)
	}
	if res == nil || res.Counted || res.CheckinCount != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.RetryAfterSeconds != int64((23 * time.Hour).Seconds()) {
		t.Fatalf("retry after = %d", res.RetryAfterSeconds)
	}
	if res.WaitMessage != "Please wait 23h before checking in again." {
		t.Fatalf("wait message = %q", res.WaitMessage)
	}

	c := mustCustomer(t, db, b.ID, "+15551234567")
	blocked, err := repo.CountCheckinEvents(ctx, db, c.ID, domain.SourceCooldownBlock)
	if err != nil || blocked != 1 {
		t.Fatalf("cooldown events = %d (%v)", blocked, err)
	}
	if len(em.kinds()) != 2 {
		t.Fatalf("cooldown must not emit: %v", em.kinds())
	}

	clk.Advance(23 * time.Hour)
	res, err = svc.Process(ctx, req)
	if err != nil || res.CheckinCount != 2 {
		t.Fatalf("after cooldown: %+v %v", res, err)
	}
}

func TestCheckin_BusinessCooldownOverride(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "bar", 10)
	if err := db.Model(b).Update("cooldown_seconds", 60).Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	clk := newClock()
	svc := newCheckinService(db, clk, nil)
	ctx := context.Background()
	req := CheckinRequest{Phone: "5551234567", BusinessSlug: "bar"}

	if _, err := svc.Process(ctx, req); err != nil {
		t.Fatalf("first: %v", err)
	}
	clk.Advance(61 * time.Second)
	if res, err := svc.Process(ctx, req); err != nil || res.CheckinCount != 2 {
		t.Fatalf("second: %+v %v", res, err)
	}
}

func TestCheckin_SubscriptionGates(t *testing.T) {
	cases := []struct {
		state domain.SubscriptionState
		want  error
	}{
		{domain.SubscriptionBlocked, ErrSubscriptionBlocked},
		{domain.SubscriptionUnsubscribed, ErrSubscriptionUnsubscribed},
	}
	for _, tc := range cases {
		t.Run(string(tc.state), func(t *testing.T) {
			db := newSvcDB(t)
			b := seedBiz(t, db, "cafe", 10)
			clk := newClock()
			em := &recordingEmitter{}
			svc := newCheckinService(db, clk, em)
			ctx := context.Background()

			c, _, err := repo.FindOrCreateCustomer(ctx, db, b.ID, "+15551234567", domain.Customer{
				CreatedVia:        domain.SourceKiosk,
				SubscriptionState: tc.state,
			})
			if err != nil {
				t.Fatalf("seed: %v", err)
			}
			_ = repo.SetCheckinCount(ctx, db, c.ID, 4)

			res, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "cafe"})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if res == nil || res.CheckinCount != 4 || res.Threshold != 10 || res.SubscriptionState != tc.state {
				t.Fatalf("unexpected result: %+v", res)
			}
			if got := mustCustomer(t, db, b.ID, "+15551234567"); got.CheckinCount != 4 {
				t.Fatalf("count changed to %d", got.CheckinCount)
			}
			if len(em.kinds()) != 0 {
				t.Fatalf("no intents expected, got %v", em.kinds())
			}
		})
	}
}

func TestCheckin_InvalidCustomerGetsNoMessages(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "cafe", 10)
	em := &recordingEmitter{}
	svc := newCheckinService(db, newClock(), em)
	ctx := context.Background()

	if _, _, err := repo.FindOrCreateCustomer(ctx, db, b.ID, "+15551234567", domain.Customer{
		CreatedVia:        domain.SourceImport,
		SubscriptionState: domain.SubscriptionInvalid,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	res, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "cafe"})
	if err != nil || !res.Counted {
		t.Fatalf("Process: %+v %v", res, err)
	}
	if len(em.kinds()) != 0 {
		t.Fatalf("intents = %v", em.kinds())
	}
}

func TestCheckin_RewardsMatchCrossings(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "cafe", 10)
	seedTemplate(t, db, b.ID, 3, 0)
	clk := newClock()
	svc := newCheckinService(db, clk, nil)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		if _, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "cafe"}); err != nil {
			t.Fatalf("visit %d: %v", i+1, err)
		}
		clk.Advance(25 * time.Hour)
	}
	c := mustCustomer(t, db, b.ID, "+15551234567")
	if c.CheckinCount != 7 {
		t.Fatalf("count = %d", c.CheckinCount)
	}
	n, err := repo.CountCustomerRewards(ctx, db, c.ID)
	if err != nil || n != 2 {
		t.Fatalf("rewards = %d (%v); want 2", n, err)
	}
}

func TestCheckin_LowestPriorityTemplateWins(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "cafe", 10)
	seedTemplate(t, db, b.ID, 8, 5)
	seedTemplate(t, db, b.ID, 4, 1)
	svc := newCheckinService(db, newClock(), nil)

	res, err := svc.Process(context.Background(), CheckinRequest{Phone: "5551234567", BusinessSlug: "cafe"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Threshold != 4 {
		t.Fatalf("threshold = %d; want 4", res.Threshold)
	}
}

func TestCheckin_CrossingWithoutTemplateMintsNothing(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "cafe", 2)
	clk := newClock()
	svc := newCheckinService(db, clk, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "cafe"}); err != nil {
			t.Fatalf("visit: %v", err)
		}
		clk.Advance(25 * time.Hour)
	}
	c := mustCustomer(t, db, b.ID, "+15551234567")
	if c.CheckinCount != 2 {
		t.Fatalf("count = %d", c.CheckinCount)
	}
	if n, _ := repo.CountCustomerRewards(ctx, db, c.ID); n != 0 {
		t.Fatalf("rewards = %d; want 0", n)
	}
}

func TestCheckin_AgeGate(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "bar", 10)
	if err := db.Model(b).Update("minimum_age", 21).Error; err != nil {
		t.Fatalf("update: %v", err)
	}
	clk := newClock()
	svc := newCheckinService(db, clk, nil)
	ctx := context.Background()

	_, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "bar"})
	if !errors.Is(err, ErrAgeVerificationRequired) {
		t.Fatalf("expected ErrAgeVerificationRequired, got %v", err)
	}
	if _, err := repo.GetCustomerByPhone(ctx, db, b.ID, "+15551234567"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rejected visit must not create a record: %v", err)
	}

	young := clk.Now().AddDate(-20, 0, 0)
	_, err = svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "bar", DateOfBirth: &young})
	if !errors.Is(err, ErrUnderage) {
		t.Fatalf("expected ErrUnderage, got %v", err)
	}

	adult := clk.Now().AddDate(-30, 0, 0)
	res, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "bar", DateOfBirth: &adult})
	if err != nil || !res.Counted {
		t.Fatalf("adult: %+v %v", res, err)
	}
	if c := mustCustomer(t, db, b.ID, "+15551234567"); !c.AgeVerified || c.DateOfBirth == nil {
		t.Fatalf("verification not stored: %+v", c)
	}

	clk.Advance(25 * time.Hour)
	if _, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "bar"}); err != nil {
		t.Fatalf("verified customer re-prompted: %v", err)
	}
}

func TestCheckin_InputErrors(t *testing.T) {
	db := newSvcDB(t)
	seedBiz(t, db, "cafe", 10)
	svc := newCheckinService(db, newClock(), nil)
	ctx := context.Background()

	if _, err := svc.Process(ctx, CheckinRequest{Phone: "12345", BusinessSlug: "cafe"}); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	if _, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "nope"}); !errors.Is(err, ErrBusinessNotFound) {
		t.Fatalf("expected ErrBusinessNotFound, got %v", err)
	}
}

func TestCheckin_ConcurrentFirstVisitsCountOnce(t *testing.T) {
	db := newSvcDB(t)
	b := seedBiz(t, db, "cafe", 10)
	em := &recordingEmitter{}
	svc := newCheckinService(db, newClock(), em)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var counted, cooled, created int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Process(ctx, CheckinRequest{Phone: "5551234567", BusinessSlug: "cafe"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				counted++
				if res.IsNewCustomer {
					created++
				}
			case errors.Is(err, ErrInCooldown):
				cooled++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if counted != 1 || cooled != n-1 || created != 1 {
		t.Fatalf("counted=%d cooled=%d created=%d", counted, cooled, created)
	}
	var rows int64
	db.Model(&domain.Customer{}).Where("business_id = ?", b.ID).Count(&rows)
	if rows != 1 {
		t.Fatalf("customer rows = %d", rows)
	}
	if c := mustCustomer(t, db, b.ID, "+15551234567"); c.CheckinCount != 1 {
		t.Fatalf("count = %d", c.CheckinCount)
	}
}

func TestWaitMessage(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "Please wait 1s before checking in again."},
		{42 * time.Second, "Please wait 42s before checking in again."},
		{5 * time.Minute, "Please wait 5m before checking in again."},
		{90 * time.Minute, "Please wait 1h 30m before checking in again."},
		{23*time.Hour + 59*time.Minute + 5*time.Second, "Please wait 23h 59m before checking in again."},
	}
	for _, tc := range cases {
		if got := WaitMessage(tc.d); got != tc.want {
			t.Fatalf("WaitMessage(%v) = %q; want %q", tc.d, got, tc.want)
		}
	}
}

func TestAgeAt(t *testing.T) {
	dob := time.Date(2000, 6, 15, 0, 0, 0, 0, time.UTC)
	if got := AgeAt(dob, time.Date(2021, 6, 14, 0, 0, 0, 0, time.UTC)); got != 20 {
		t.Fatalf("day before birthday: %d", got)
	}
	if got := AgeAt(dob, time.Date(2021, 6, 15, 0, 0, 0, 0, time.UTC)); got != 21 {
		t.Fatalf("on birthday: %d", got)
	}
}
