package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-loyalty-backend/internal/observability"
)

// errProviderFailed marks a Failed outcome for the breaker's accounting.
var errProviderFailed = errors.New("provider failed")

type sendResult struct {
	outcome Outcome
	err     error
}

// BreakerSender guards a Sender with a rate limit and a circuit breaker.
// Customer-specific outcomes (unsubscribed, invalid number) count as
// successes for the breaker: the provider answered.
type BreakerSender struct {
	next    Sender
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[sendResult]
}

// NewBreakerSender wraps next. ratePerSec <= 0 disables the limiter.
func NewBreakerSender(name string, next Sender, ratePerSec float64) *BreakerSender {
	var lim *rate.Limiter
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	cb := gobreaker.NewCircuitBreaker[sendResult](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("sms circuit breaker state change")
			observability.SMSBreakerState.Set(stateValue(to))
		},
	})
	return &BreakerSender{next: next, limiter: lim, cb: cb}
}

// Send waits for the limiter, then delivers through the breaker.
func (b *BreakerSender) Send(ctx context.Context, to, body string) (Outcome, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return Failed, err
		}
	}
	res, err := b.cb.Execute(func() (sendResult, error) {
		out, err := b.next.Send(ctx, to, body)
		r := sendResult{outcome: out, err: err}
		if out == Failed {
			if err == nil {
				err = errProviderFailed
			}
			return r, err
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Failed, err
		}
		if res.err != nil {
			return Failed, res.err
		}
		return Failed, err
	}
	return res.outcome, res.err
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
