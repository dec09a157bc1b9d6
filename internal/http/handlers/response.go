package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-loyalty-backend/internal/http/middleware"
)

// HeaderReplayed marks a response served from the idempotency store.
const HeaderReplayed = "Idempotency-Replayed"

// ErrorResponse is the error envelope of every endpoint.
type ErrorResponse struct {
	// Echo of X-Request-ID
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable code, see errors.go
	Code string `json:"code" example:"business_not_found"`
	// Safe to show on the kiosk
	Message string `json:"message" example:"business not found"`
}

// requestID prefers the ID set by the RequestID middleware and falls back to
// the response header for handlers mounted without it.
func requestID(c *gin.Context) string {
	if rid := middleware.RequestIDFrom(c); rid != "" {
		return rid
	}
	return c.Writer.Header().Get("X-Request-ID")
}

// envelope builds the ErrorResponse for the current request.
func envelope(c *gin.Context, code, msg string) ErrorResponse {
	return ErrorResponse{RequestID: requestID(c), Code: code, Message: msg}
}

// abortWith writes body as the error payload. 5xx responses are logged with
// the request-scoped logger; 4xx are client outcomes and are not.
func abortWith(c *gin.Context, status int, code, msg string, body any) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, body)
}

func fail(c *gin.Context, status int, code, msg string) {
	abortWith(c, status, code, msg, envelope(c, code, msg))
}

// Fail writes the error envelope; used by the router for NoRoute/NoMethod.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// replay writes a stored JSON response verbatim.
func replay(c *gin.Context, status int, body []byte) {
	c.Header(HeaderReplayed, "true")
	c.Data(status, "application/json; charset=utf-8", body)
}
