package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-loyalty-backend/internal/observability"
)

// OutcomeHook observes every finished delivery.
type OutcomeHook func(ctx context.Context, in Intent, out Outcome)

// Dispatcher is a bounded, asynchronous intent queue drained by a fixed pool
// of workers. Emit never blocks: when the queue is full the intent is dropped
// and counted.
type Dispatcher struct {
	sender    Sender
	queue     chan Intent
	workers   int
	timeout   time.Duration
	onOutcome OutcomeHook

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithOutcomeHook registers a callback for delivery outcomes.
func WithOutcomeHook(h OutcomeHook) DispatcherOption {
	return func(d *Dispatcher) { d.onOutcome = h }
}

// WithSendTimeout bounds each delivery attempt.
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher builds a dispatcher; call Start before emitting.
func NewDispatcher(sender Sender, queueSize, workers int, opts ...DispatcherOption) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	d := &Dispatcher{
		sender:  sender,
		queue:   make(chan Intent, queueSize),
		workers: workers,
		timeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetOutcomeHook replaces the outcome callback. It must be called before Start.
func (d *Dispatcher) SetOutcomeHook(h OutcomeHook) { d.onOutcome = h }

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.run()
		}
	})
}

// Emit enqueues in without blocking. It reports false when the intent was
// dropped.
func (d *Dispatcher) Emit(_ context.Context, in Intent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		observability.Notifications.WithLabelValues(string(in.Kind), "dropped").Inc()
		return false
	}
	select {
	case d.queue <- in:
		return true
	default:
		observability.Notifications.WithLabelValues(string(in.Kind), "dropped").Inc()
		log.Warn().Str("kind", string(in.Kind)).Str("customer_id", in.CustomerID).Msg("notification queue full; intent dropped")
		return false
	}
}

// Stop stops accepting intents, drains what is queued and waits for the
// workers, or returns when ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for in := range d.queue {
		d.deliver(in)
	}
}

func (d *Dispatcher) deliver(in Intent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	out, err := d.sender.Send(ctx, in.Phone, in.Body)
	observability.Notifications.WithLabelValues(string(in.Kind), string(out)).Inc()
	if err != nil {
		log.Warn().Err(err).
			Str("kind", string(in.Kind)).
			Str("business_id", in.BusinessID).
			Str("customer_id", in.CustomerID).
			Str("outcome", string(out)).
			Msg("notification not delivered")
	}
	if d.onOutcome != nil {
		d.onOutcome(ctx, in, out)
	}
}
