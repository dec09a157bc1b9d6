// Package notify delivers outbound customer messages. Engines emit Intent
// values; a Dispatcher hands them to a Sender on background workers so the
// outcome of a delivery never influences the request that produced it.
package notify

import (
	"context"
	"errors"
)

// Kind classifies an intent.
type Kind string

const (
	KindWelcome  Kind = "welcome"
	KindReward   Kind = "reward"
	KindProgress Kind = "progress"
)

// Outcome is the normalized result of one delivery attempt.
type Outcome string

const (
	Delivered     Outcome = "delivered"
	Unsubscribed  Outcome = "unsubscribed"
	InvalidNumber Outcome = "invalidNumber"
	Failed        Outcome = "failed"
)

// ErrEmptyRecipient is a local validation failure: nothing was sent.
var ErrEmptyRecipient = errors.New("notify: empty recipient")

// Intent is a request to message one customer.
type Intent struct {
	Kind       Kind   `json:"kind"`
	BusinessID string `json:"business_id"`
	CustomerID string `json:"customer_id"`
	Phone      string `json:"phone"`
	Body       string `json:"body"`
}

// Sender performs a single delivery. Implementations map provider failures
// to an Outcome; the error carries detail for logs.
type Sender interface {
	Send(ctx context.Context, to, body string) (Outcome, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to, body string) (Outcome, error)

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, to, body string) (Outcome, error) {
	return f(ctx, to, body)
}
