// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package) and the translation of
// service errors into status/code pairs. Codes give kiosk and admin clients a
// stable, machine-readable taxonomy next to the human-readable message.
//
// Conventions:
//   - Codes are lowercase, snake_case.
//   - Generic codes (bad_request, not_found, conflict) mirror HTTP semantics.
//   - Domain codes name the rule that rejected the request (in_cooldown,
//     subscription_blocked, too_many_rows) so clients can branch on them.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "in_cooldown",
//	  "message": "Please wait 23h before checking in again."
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-loyalty-backend/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeInvalidPhone             = "invalid_phone"
	ErrCodeAgeVerification          = "age_verification_required"
	ErrCodeUnderage                 = "underage"
	ErrCodeSubscriptionBlocked      = "subscription_blocked"
	ErrCodeSubscriptionUnsubscribed = "subscription_unsubscribed"
	ErrCodeInCooldown               = "in_cooldown"
	ErrCodeBusinessNotFound         = "business_not_found"
	ErrCodeCustomerNotFound         = "customer_not_found"
	ErrCodeRewardNotFound           = "reward_not_found"
	ErrCodeImportNotFound           = "import_not_found"
	ErrCodeAlreadyRedeemed          = "already_redeemed"
	ErrCodeRewardExpired            = "reward_expired"
	ErrCodeEmptyFile                = "empty_file"
	ErrCodeTooManyRows              = "too_many_rows"
	ErrCodeCheckinFailed            = "checkin_failed"
	ErrCodeImportFailed             = "import_failed"
	ErrCodeRedeemFailed             = "redeem_failed"
	ErrCodeListFailed               = "list_failed"
	ErrCodeNotificationFailed       = "notification_failed"
	ErrCodeIdempotencyKeyReused     = "idempotency_key_reused"
)

// errorMapping ties a service sentinel to its HTTP status and code.
type errorMapping struct {
	err    error
	status int
	code   string
}

var sentinelMappings = []errorMapping{
	{services.ErrInvalidPhone, http.StatusBadRequest, ErrCodeInvalidPhone},
	{services.ErrAgeVerificationRequired, http.StatusBadRequest, ErrCodeAgeVerification},
	{services.ErrUnderage, http.StatusBadRequest, ErrCodeUnderage},
	{services.ErrEmptyFile, http.StatusBadRequest, ErrCodeEmptyFile},
	{services.ErrTooManyRows, http.StatusRequestEntityTooLarge, ErrCodeTooManyRows},
	{services.ErrSubscriptionBlocked, http.StatusForbidden, ErrCodeSubscriptionBlocked},
	{services.ErrSubscriptionUnsubscribed, http.StatusForbidden, ErrCodeSubscriptionUnsubscribed},
	{services.ErrInCooldown, http.StatusConflict, ErrCodeInCooldown},
	{services.ErrAlreadyRedeemed, http.StatusConflict, ErrCodeAlreadyRedeemed},
	{services.ErrRewardExpired, http.StatusGone, ErrCodeRewardExpired},
	{services.ErrBusinessNotFound, http.StatusNotFound, ErrCodeBusinessNotFound},
	{services.ErrCustomerNotFound, http.StatusNotFound, ErrCodeCustomerNotFound},
	{services.ErrRewardNotFound, http.StatusNotFound, ErrCodeRewardNotFound},
	{services.ErrImportNotFound, http.StatusNotFound, ErrCodeImportNotFound},
}

// statusFor maps a service error to (status, code). Specific sentinels win;
// anything else falls back on its Kind, with fallbackCode used for 5xx.
func statusFor(err error, fallbackCode string) (int, string) {
	for _, m := range sentinelMappings {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	switch services.KindOf(err) {
	case services.KindValidation:
		return http.StatusBadRequest, ErrCodeBadRequest
	case services.KindConflict:
		return http.StatusConflict, ErrCodeConflict
	case services.KindNotFound:
		return http.StatusNotFound, ErrCodeNotFound
	case services.KindNotification:
		return http.StatusBadGateway, ErrCodeNotificationFailed
	default:
		return http.StatusInternalServerError, fallbackCode
	}
}

// failErr writes the envelope for a service error.
func failErr(c *gin.Context, err error, fallbackCode string) {
	status, code := statusFor(err, fallbackCode)
	fail(c, status, code, err.Error())
}
