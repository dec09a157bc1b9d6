// Package queue runs bulk imports in the background. Submitted run IDs are
// published on an in-process watermill channel and consumed one at a time, so
// a large import never competes with another for the database.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// TopicImports carries import run IDs.
const TopicImports = "imports.run"

// ErrNotStarted is returned by Enqueue before Start.
var ErrNotStarted = errors.New("queue: not started")

// Handler processes one run. Retries are the handler's concern; the message
// is acknowledged whatever it returns.
type Handler func(ctx context.Context, runID string) error

// ImportQueue is a single-consumer job queue for import runs.
type ImportQueue struct {
	pubsub  *gochannel.GoChannel
	handler Handler
	logger  watermill.LoggerAdapter

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a queue with room for buffer pending runs.
func New(buffer int, handler Handler, logger watermill.LoggerAdapter) *ImportQueue {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &ImportQueue{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(buffer),
			Persistent:          false,
		}, logger),
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start subscribes the consumer. Runs enqueued before Start are lost, so it
// must be called before the first Enqueue.
func (q *ImportQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	msgs, err := q.pubsub.Subscribe(ctx, TopicImports)
	if err != nil {
		cancel()
		return err
	}
	q.cancel = cancel
	q.started = true
	go q.consume(ctx, msgs)
	return nil
}

func (q *ImportQueue) consume(ctx context.Context, msgs <-chan *message.Message) {
	defer close(q.done)
	for msg := range msgs {
		runID := string(msg.Payload)
		fields := watermill.LogFields{"import_id": runID, "message_uuid": msg.UUID}
		q.logger.Debug("import job received", fields)
		if err := q.handler(ctx, runID); err != nil {
			q.logger.Error("import job failed", err, fields)
		} else {
			q.logger.Info("import job finished", fields)
		}
		msg.Ack()
	}
}

// Enqueue publishes runID for the consumer. The request context is not
// propagated: the job outlives the request that submitted it.
func (q *ImportQueue) Enqueue(_ context.Context, runID string) error {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	return q.pubsub.Publish(TopicImports, message.NewMessage(watermill.NewUUID(), []byte(runID)))
}

// Stop closes the channel and waits for the job in flight, or for ctx.
func (q *ImportQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return q.pubsub.Close()
	}
	err := q.pubsub.Close()
	select {
	case <-q.done:
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
	q.cancel()
	return err
}
