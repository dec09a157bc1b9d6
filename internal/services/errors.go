// Package services defines the business logic for live check-ins, reward
// issuance and redemption, and bulk imports. This file centralizes the
// service-level error values and their classification so that callers can
// decide between reporting, retrying and logging without string matching.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-loyalty-backend/internal/repo"
)

// Validation errors: malformed input, never retried.
var (
	// ErrInvalidPhone is returned when the phone cannot be reduced to
	// canonical form.
	ErrInvalidPhone = errors.New("invalid phone number")

	// ErrAgeVerificationRequired is returned when the business enforces a
	// minimum age and the customer has neither been verified nor supplied a
	// date of birth.
	ErrAgeVerificationRequired = errors.New("age verification required")

	// ErrUnderage is returned when the supplied date of birth is below the
	// business's minimum age.
	ErrUnderage = errors.New("customer is under the minimum age")

	// ErrEmptyFile is returned when an import carries no data rows.
	ErrEmptyFile = errors.New("import file has no data rows")

	// ErrTooManyRows is returned when an import exceeds the row ceiling.
	ErrTooManyRows = errors.New("import exceeds the maximum row count")
)

// State conflicts: reported to the caller, not retried.
var (
	ErrSubscriptionBlocked      = errors.New("customer is blocked")
	ErrSubscriptionUnsubscribed = errors.New("customer is unsubscribed")

	// ErrInCooldown is returned with a populated CheckinResult carrying the
	// remaining wait.
	ErrInCooldown = errors.New("check-in is in cooldown")

	ErrAlreadyRedeemed = errors.New("reward already redeemed")
	ErrRewardExpired   = errors.New("reward expired")
)

// Not found.
var (
	ErrBusinessNotFound = errors.New("business not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrRewardNotFound   = errors.New("reward not found")
	ErrImportNotFound   = errors.New("import run not found")
)

// Kind is the coarse error taxonomy used for retry and reporting decisions.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindTransient
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "state_conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindNotification:
		return "notification"
	}
	return "unknown"
}

// KindOf classifies err. Errors the service layer does not recognize are
// treated as transient store failures.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidPhone),
		errors.Is(err, ErrAgeVerificationRequired),
		errors.Is(err, ErrUnderage),
		errors.Is(err, ErrEmptyFile),
		errors.Is(err, ErrTooManyRows):
		return KindValidation
	case errors.Is(err, ErrSubscriptionBlocked),
		errors.Is(err, ErrSubscriptionUnsubscribed),
		errors.Is(err, ErrInCooldown),
		errors.Is(err, ErrAlreadyRedeemed),
		errors.Is(err, ErrRewardExpired):
		return KindConflict
	case errors.Is(err, ErrBusinessNotFound),
		errors.Is(err, ErrCustomerNotFound),
		errors.Is(err, ErrRewardNotFound),
		errors.Is(err, ErrImportNotFound),
		errors.Is(err, repo.ErrNotFound):
		return KindNotFound
	}
	return KindTransient
}

// Retryable reports whether a job-level retry may succeed.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient && !errors.Is(err, errRunApplied)
}
