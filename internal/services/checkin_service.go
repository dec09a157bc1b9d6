// Package services – CheckinService
//
// CheckinService is the live check-in engine. One call resolves or creates
// the customer's engagement record, applies the subscription, age and cooldown
// gates, advances the counter with a compare-and-swap, mints a reward on each
// threshold crossing and records an audit event. All writes of one check-in
// commit together; notifications are emitted only after the commit.
//
// Observability: Process is OpenTelemetry-instrumented and every terminal
// outcome is counted in observability.Checkins.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/notify"
	"github.com/tbourn/go-loyalty-backend/internal/observability"
	"github.com/tbourn/go-loyalty-backend/internal/phone"
	"github.com/tbourn/go-loyalty-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCooldown applies when neither the service nor the business
// configures one.
const DefaultCooldown = 24 * time.Hour

// Emitter accepts notification intents without blocking.
type Emitter interface {
	Emit(ctx context.Context, in notify.Intent) bool
}

// CheckinRequest is one kiosk visit.
type CheckinRequest struct {
	Phone        string
	BusinessSlug string
	// DateOfBirth satisfies the age gate on a customer's first verified visit.
	DateOfBirth *time.Time
}

// CheckinResult is what the kiosk shows after a visit. It is populated for
// gate rejections too, so the caller can render the current standing.
type CheckinResult struct {
	CustomerID          string                   `json:"customer_id,omitempty"`
	Phone               string                   `json:"phone"`
	BusinessID          string                   `json:"business_id"`
	CheckinCount        int                      `json:"checkin_count"`
	Threshold           int                      `json:"threshold"`
	CheckinsUntilReward int                      `json:"checkins_until_reward"`
	IsNewCustomer       bool                     `json:"is_new_customer"`
	Counted             bool                     `json:"counted"`
	SubscriptionState   domain.SubscriptionState `json:"subscription_state"`
	Reward              *domain.RewardInstance   `json:"reward,omitempty"`
	NextEligibleAt      *time.Time               `json:"next_eligible_at,omitempty"`
	RetryAfterSeconds   int64                    `json:"retry_after_seconds,omitempty"`
	WaitMessage         string                   `json:"wait_message,omitempty"`
}

// CheckinService processes live check-ins.
type CheckinService struct {
	DB      *gorm.DB
	Rewards *RewardService
	Emitter Emitter
	Phone   phone.Normalizer

	// Cooldown is the minimum spacing between counted live check-ins of one
	// customer. Businesses may override it.
	Cooldown time.Duration
	// DefaultThreshold is the last fallback when the business has neither an
	// active template nor its own default.
	DefaultThreshold int
	// MinimumAge is the service-wide age gate; a business value wins when set.
	MinimumAge int
	// MaxAttempts bounds the retries after a lost compare-and-swap.
	MaxAttempts int

	Now func() time.Time
}

func (s *CheckinService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// errGateRollback aborts the transaction of an attempt rejected by a gate
// that must not leave a trace (age checks).
var errGateRollback = errors.New("checkin gate rollback")

type checkinAttempt struct {
	result   CheckinResult
	customer *domain.Customer
	created  bool
	gate     error
}

// Process handles one live check-in. Gate rejections return a populated
// result together with the matching error.
func (s *CheckinService) Process(ctx context.Context, req CheckinRequest) (*CheckinResult, error) {
	tr := otel.Tracer("services/CheckinService")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(attribute.String("business.slug", req.BusinessSlug)),
	)
	defer span.End()

	ph, err := s.Phone.Normalize(req.Phone)
	if err != nil {
		observability.Checkins.WithLabelValues("invalid_phone").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}

	biz, err := repo.GetBusinessBySlug(ctx, s.DB, strings.TrimSpace(req.BusinessSlug))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrBusinessNotFound
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	tries := s.MaxAttempts
	if tries <= 0 {
		tries = 5
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 100 * time.Millisecond

	att, err := backoff.Retry(ctx, func() (*checkinAttempt, error) {
		a, err := s.attempt(ctx, biz, ph, req, now)
		if errors.Is(err, repo.ErrVersionConflict) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return a, nil
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(tries)))
	if err != nil {
		observability.Checkins.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	res := att.result
	span.SetAttributes(
		attribute.Int("checkin.count", res.CheckinCount),
		attribute.Bool("checkin.counted", res.Counted),
	)
	if att.gate != nil {
		observability.Checkins.WithLabelValues(gateLabel(att.gate)).Inc()
		return &res, att.gate
	}
	observability.Checkins.WithLabelValues("counted").Inc()
	s.emitIntents(ctx, biz, att)
	return &res, nil
}

// attempt runs one transactional pass of the check-in.
func (s *CheckinService) attempt(ctx context.Context, biz *domain.Business, ph string, req CheckinRequest, now time.Time) (*checkinAttempt, error) {
	a := &checkinAttempt{}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cust, created, err := repo.FindOrCreateCustomer(ctx, tx, biz.ID, ph, domain.Customer{
			CreatedVia:    domain.SourceKiosk,
			ConsentSource: string(domain.SourceKiosk),
		})
		if err != nil {
			return err
		}
		a.customer, a.created = cust, created

		tpl, err := repo.ActiveTemplateFor(ctx, tx, biz.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		threshold := s.threshold(biz, tpl)
		a.result = CheckinResult{
			CustomerID:        cust.ID,
			Phone:             ph,
			BusinessID:        biz.ID,
			CheckinCount:      cust.CheckinCount,
			Threshold:         threshold,
			IsNewCustomer:     created,
			SubscriptionState: cust.SubscriptionState,
		}
		a.result.CheckinsUntilReward = untilReward(cust.CheckinCount, threshold)

		switch cust.SubscriptionState {
		case domain.SubscriptionBlocked:
			a.gate = ErrSubscriptionBlocked
			return nil
		case domain.SubscriptionUnsubscribed:
			a.gate = ErrSubscriptionUnsubscribed
			return nil
		}

		if err := s.checkAge(ctx, tx, biz, cust, req.DateOfBirth, now); err != nil {
			a.gate = err
			return errGateRollback
		}

		cooldown := s.cooldownFor(biz)
		if anchor := cust.LastLiveCheckinAt; anchor != nil {
			next := anchor.UTC().Add(cooldown)
			if now.Before(next) {
				wait := next.Sub(now)
				a.gate = ErrInCooldown
				a.result.NextEligibleAt = &next
				a.result.RetryAfterSeconds = int64((wait + time.Second - 1) / time.Second)
				a.result.WaitMessage = WaitMessage(wait)
				return repo.AppendCheckinEvent(ctx, tx, &domain.CheckinEvent{
					BusinessID: biz.ID,
					CustomerID: &cust.ID,
					Phone:      ph,
					Source:     domain.SourceCooldownBlock,
					CountAfter: cust.CheckinCount,
					CreatedAt:  now,
				})
			}
		}

		v := cust.Version
		updated, err := repo.IncrementCheckins(ctx, tx, cust.ID, repo.Increment{
			Delta:         1,
			At:            now,
			Live:          true,
			ExpectVersion: &v,
		})
		if err != nil {
			return err
		}
		a.customer = updated
		a.result.Counted = true
		a.result.CheckinCount = updated.CheckinCount
		a.result.CheckinsUntilReward = untilReward(updated.CheckinCount, threshold)
		next := now.Add(cooldown)
		a.result.NextEligibleAt = &next

		if updated.CheckinCount > 0 && updated.CheckinCount%threshold == 0 {
			if tpl == nil {
				observability.MissingTemplate.Inc()
				log.Warn().
					Str("business_id", biz.ID).
					Str("customer_id", updated.ID).
					Int("count", updated.CheckinCount).
					Msg("threshold crossed without an active reward template; nothing minted")
			} else {
				r, err := s.Rewards.mint(ctx, tx, tpl, updated, now)
				if err != nil {
					return err
				}
				a.result.Reward = r
			}
		}

		return repo.AppendCheckinEvent(ctx, tx, &domain.CheckinEvent{
			BusinessID:             biz.ID,
			CustomerID:             &updated.ID,
			Phone:                  ph,
			Source:                 domain.SourceKiosk,
			CountedTowardThreshold: true,
			CountAfter:             updated.CheckinCount,
			CreatedAt:              now,
		})
	})
	if errors.Is(err, errGateRollback) {
		a.result.IsNewCustomer = false
		a.result.CustomerID = ""
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// checkAge enforces the minimum age. A verified date of birth is stored so
// later visits skip the check.
func (s *CheckinService) checkAge(ctx context.Context, tx *gorm.DB, biz *domain.Business, c *domain.Customer, dob *time.Time, now time.Time) error {
	minAge := biz.MinimumAge
	if minAge <= 0 {
		minAge = s.MinimumAge
	}
	if minAge <= 0 || c.AgeVerified {
		return nil
	}
	if dob == nil {
		return ErrAgeVerificationRequired
	}
	if AgeAt(*dob, now) < minAge {
		return ErrUnderage
	}
	d := dob.UTC()
	c.AgeVerified = true
	c.DateOfBirth = &d
	return repo.UpdateCustomerFields(ctx, tx, c.ID, map[string]any{
		"age_verified":  true,
		"date_of_birth": d,
	})
}

func (s *CheckinService) threshold(biz *domain.Business, tpl *domain.RewardTemplate) int {
	return resolveThreshold(biz, tpl, s.DefaultThreshold)
}

// resolveThreshold picks the check-ins needed for a reward: the active
// template first, then the business, then the configured fallback, then 10.
// tpl may be nil.
func resolveThreshold(biz *domain.Business, tpl *domain.RewardTemplate, fallback int) int {
	switch {
	case tpl != nil && tpl.Threshold > 0:
		return tpl.Threshold
	case biz.DefaultThreshold > 0:
		return biz.DefaultThreshold
	case fallback > 0:
		return fallback
	}
	return 10
}

func (s *CheckinService) cooldownFor(biz *domain.Business) time.Duration {
	if biz.CooldownSeconds > 0 {
		return time.Duration(biz.CooldownSeconds) * time.Second
	}
	if s.Cooldown > 0 {
		return s.Cooldown
	}
	return DefaultCooldown
}

// emitIntents queues the welcome, reward and progress messages of a counted
// check-in. Customers with an invalid number get nothing.
func (s *CheckinService) emitIntents(ctx context.Context, biz *domain.Business, a *checkinAttempt) {
	if s.Emitter == nil || a.customer == nil || a.customer.SubscriptionState != domain.SubscriptionActive {
		return
	}
	base := notify.Intent{BusinessID: biz.ID, CustomerID: a.customer.ID, Phone: a.customer.Phone}
	res := a.result

	if a.created {
		in := base
		in.Kind = notify.KindWelcome
		in.Body = WelcomeBody(biz.Name, res.CheckinsUntilReward)
		s.Emitter.Emit(ctx, in)
	}
	in := base
	if res.Reward != nil {
		in.Kind = notify.KindReward
		in.Body = fmt.Sprintf("You earned %s at %s! Show code %s before %s.",
			res.Reward.Terms(), biz.Name, res.Reward.Code, res.Reward.ExpiresAt.Format("Jan 2, 2006"))
	} else {
		in.Kind = notify.KindProgress
		in.Body = fmt.Sprintf("Thanks for visiting %s! %s until your next reward.",
			biz.Name, plural(res.CheckinsUntilReward, "more check-in", "more check-ins"))
	}
	s.Emitter.Emit(ctx, in)
}

// WelcomeBody is the first message a new customer receives.
func WelcomeBody(businessName string, until int) string {
	return fmt.Sprintf("Welcome to %s rewards! You are %s away from your first reward. Reply STOP to opt out.",
		businessName, plural(until, "check-in", "check-ins"))
}

// WaitMessage renders a cooldown wait like "Please wait 3h 5m before checking in again."
func WaitMessage(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	sec := int((d % time.Minute) / time.Second)

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if h == 0 && (sec > 0 || m == 0) {
		parts = append(parts, fmt.Sprintf("%ds", sec))
	}
	return "Please wait " + strings.Join(parts, " ") + " before checking in again."
}

// AgeAt returns the age in whole years on the date of now.
func AgeAt(dob, now time.Time) int {
	dob, now = dob.UTC(), now.UTC()
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	return age
}

// untilReward is the number of counted check-ins left before the next
// crossing. Right after a crossing it is the full threshold again.
func untilReward(count, threshold int) int {
	if threshold <= 0 {
		return 0
	}
	return threshold - count%threshold
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}

func gateLabel(err error) string {
	switch {
	case errors.Is(err, ErrInCooldown):
		return "cooldown"
	case errors.Is(err, ErrSubscriptionBlocked):
		return "blocked"
	case errors.Is(err, ErrSubscriptionUnsubscribed):
		return "unsubscribed"
	default:
		return "age_gate"
	}
}
