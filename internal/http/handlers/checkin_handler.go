// Check-in HTTP handler.
//
// This file exposes the kiosk endpoint:
//   - POST /checkins   (record a visit, possibly issuing a reward)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a successful response
// was stored for (business, key), the handler returns that stored body and
// sets `Idempotency-Replayed: true` without touching the counter again. A key
// reused with a different phone or date of birth is refused with 422.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/tbourn/go-loyalty-backend/internal/http/middleware"
	"github.com/tbourn/go-loyalty-backend/internal/repo"
	"github.com/tbourn/go-loyalty-backend/internal/services"
)

//
// DTOs
//

// CheckinRequest is the JSON payload sent by the kiosk.
type CheckinRequest struct {
	// Phone is the raw number as typed; it is normalized server-side.
	Phone string `json:"phone" binding:"required" example:"(555) 123-4567"`
	// BusinessSlug selects the business whose program is credited.
	BusinessSlug string `json:"business_slug" binding:"required" example:"corner-cafe"`
	// DateOfBirth (YYYY-MM-DD) satisfies the age gate on a first visit.
	DateOfBirth string `json:"date_of_birth,omitempty" example:"1990-04-12"`
}

// CheckinRejection is returned when a gate refuses the visit. It carries the
// error envelope plus the customer's current standing so the kiosk can still
// show progress (and the wait time for cooldowns).
type CheckinRejection struct {
	ErrorResponse
	*services.CheckinResult
}

const dateOfBirthLayout = "2006-01-02"

// fingerprint identifies the visit a key was first used for. The business is
// already the record's scope.
func (r CheckinRequest) fingerprint() string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(r.Phone) + "\x00" + strings.TrimSpace(r.DateOfBirth)))
	return hex.EncodeToString(sum[:])
}

//
// Handlers
//

// Checkin godoc
// @ID          checkin
// @Summary     Record a kiosk check-in
// @Description Counts one visit for the phone at the business, subject to the
// @Description subscription, age and cooldown gates. Supports Idempotency-Key.
// @Tags        Checkins
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.CheckinRequest  true  "Check-in payload"
//
// @Success     200  {object}  services.CheckinResult
// @Failure     400  {object}  handlers.ErrorResponse     "Invalid phone or age data"
// @Failure     403  {object}  handlers.CheckinRejection  "Subscription blocked or unsubscribed"
// @Failure     404  {object}  handlers.ErrorResponse     "Business not found"
// @Failure     409  {object}  handlers.CheckinRejection  "In cooldown"
// @Failure     422  {object}  handlers.ErrorResponse     "Idempotency-Key reused for another check-in"
// @Failure     500  {object}  handlers.ErrorResponse     "Internal error"
// @Router      /checkins [post]
func (h *Handlers) Checkin(c *gin.Context) {
	ctx := c.Request.Context()

	var req CheckinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "phone and business_slug required")
		return
	}
	slug := strings.ToLower(strings.TrimSpace(req.BusinessSlug))

	var dob *time.Time
	if s := strings.TrimSpace(req.DateOfBirth); s != "" {
		t, err := time.Parse(dateOfBirthLayout, s)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "date_of_birth must be YYYY-MM-DD")
			return
		}
		dob = &t
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" && h.DB != nil {
		if rec, err := repo.GetIdempotency(ctx, h.DB, slug, idemKey, time.Now().UTC()); err == nil {
			if !rec.Matches(req.fingerprint()) {
				fail(c, http.StatusUnprocessableEntity, ErrCodeIdempotencyKeyReused, "Idempotency-Key was used for a different check-in")
				return
			}
			replay(c, rec.Status, rec.Body)
			return
		}
	}

	res, err := h.checkinSvc.Process(ctx, services.CheckinRequest{
		Phone:        req.Phone,
		BusinessSlug: slug,
		DateOfBirth:  dob,
	})
	if err != nil {
		if res == nil {
			failErr(c, err, ErrCodeCheckinFailed)
			return
		}
		status, code := statusFor(err, ErrCodeCheckinFailed)
		if errors.Is(err, services.ErrInCooldown) && res.RetryAfterSeconds > 0 {
			c.Header("Retry-After", strconv.FormatInt(res.RetryAfterSeconds, 10))
		}
		msg := err.Error()
		if res.WaitMessage != "" {
			msg = res.WaitMessage
		}
		abortWith(c, status, code, msg, CheckinRejection{
			ErrorResponse: envelope(c, code, msg),
			CheckinResult: res,
		})
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.DB != nil {
		if body, err := json.Marshal(res); err == nil {
			if _, err := repo.CreateIdempotency(ctx, h.DB, slug, idemKey, req.fingerprint(), http.StatusOK, body, h.IdempotencyTTL); err != nil && !errors.Is(err, repo.ErrDuplicate) {
				lg := middleware.LoggerFrom(c)
				lg.Warn().Err(err).Msg("store idempotent check-in response")
			}
		}
	}

	ok(c, http.StatusOK, res)
}
