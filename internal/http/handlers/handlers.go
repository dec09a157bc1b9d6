// Loyalty HTTP handlers.
//
// This file declares the service contracts the HTTP layer depends on and the
// shared helpers (pagination, ETags) used by the endpoint files:
//   - checkin_handler.go   POST /checkins
//   - import_handler.go    POST /businesses/{slug}/imports, GET /imports/{id}
//   - reward_handler.go    POST /rewards/{id}/redeem
//   - customer_handler.go  GET  /businesses/{slug}/customers/{phone}, GET /businesses/{slug}/winback
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/services"
	"github.com/tbourn/go-loyalty-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// CheckinService processes live kiosk visits.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type CheckinService interface {
	// Process records one visit. Gate rejections return a populated result
	// together with the matching sentinel error.
	Process(ctx context.Context, req services.CheckinRequest) (*services.CheckinResult, error)
}

// ImportService accepts bulk customer files and reports on their runs.
type ImportService interface {
	// Submit runs small files inline and queues larger ones.
	Submit(ctx context.Context, slug string, rows [][]string, opts services.ImportOptions) (*services.Submission, error)
	// Status returns the persisted run.
	Status(ctx context.Context, runID string) (*domain.ImportRun, error)
}

// RewardService redeems issued rewards.
type RewardService interface {
	// Redeem marks a reward used by instance ID or code.
	Redeem(ctx context.Context, idOrCode string) (*domain.RewardInstance, error)
}

// CustomerService serves read-only customer views.
type CustomerService interface {
	// Standing returns a customer's progress and rewards.
	Standing(ctx context.Context, slug, rawPhone string) (*services.CustomerStanding, error)
	// WinbackPage returns a page of customers idle for at least idleDays.
	WinbackPage(ctx context.Context, slug string, idleDays, page, pageSize int) ([]domain.Customer, int64, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for check-ins, imports, rewards and
// customers. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	checkinSvc  CheckinService
	importSvc   ImportService
	rewardSvc   RewardService
	customerSvc CustomerService

	// DB backs idempotent replays and ETag pre-checks. Both are skipped when nil.
	DB *gorm.DB
	// IdempotencyTTL is how long a stored check-in response can be replayed.
	IdempotencyTTL time.Duration
	// MaxUploadBytes caps multipart import files. Zero means 10 MiB.
	MaxUploadBytes int64
}

// New constructs and returns a Handlers instance bound to the given services.
func New(checkinSvc CheckinService, importSvc ImportService, rewardSvc RewardService, customerSvc CustomerService) *Handlers {
	return &Handlers{
		checkinSvc:     checkinSvc,
		importSvc:      importSvc,
		rewardSvc:      rewardSvc,
		customerSvc:    customerSvc,
		IdempotencyTTL: 24 * time.Hour,
	}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Helpers
//

// clampPagination reads page and page_size, defaulting to 1 and 20 and
// capping page_size at 100.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.NormalizePage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), 20),
		20, 100,
	)
}

// notModified sets etag and reports whether the request's If-None-Match
// already matches it, writing 304 in that case.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}
