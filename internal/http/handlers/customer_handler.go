// Customer HTTP handlers.
//
// This file exposes read-only endpoints over engagement records:
//   - GET /businesses/{slug}/customers/{phone}   (progress and reward history)
//   - GET /businesses/{slug}/winback             (idle customers, paginated, ETag support)
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/repo"
	"github.com/tbourn/go-loyalty-backend/internal/utils"
)

// ListWinbackResponse wraps a page of win-back candidates and pagination information.
type ListWinbackResponse struct {
	InactiveDays int               `json:"inactive_days,omitempty"`
	Customers    []domain.Customer `json:"customers"`
	Pagination   Pagination        `json:"pagination"`
}

// GetCustomer godoc
// @ID          getCustomer
// @Summary     Customer standing
// @Description Returns a customer's visit count, progress toward the next reward and reward history.
// @Tags        Customers
// @Produce     json
//
// @Param       slug   path  string  true  "Business slug"  example(corner-cafe)
// @Param       phone  path  string  true  "Phone number, any common spelling"  example(+15551234567)
//
// @Success     200  {object}  services.CustomerStanding
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid phone"
// @Failure     404  {object}  handlers.ErrorResponse  "Business or customer not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /businesses/{slug}/customers/{phone} [get]
func (h *Handlers) GetCustomer(c *gin.Context) {
	st, err := h.customerSvc.Standing(c.Request.Context(), c.Param("slug"), c.Param("phone"))
	if err != nil {
		failErr(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, st)
}

// ListWinback godoc
// @ID          listWinback
// @Summary     List win-back candidates (paginated)
// @Description Returns active, consenting customers whose last visit is older than
// @Description inactive_days, longest idle first. Supports weak ETag via If-None-Match.
// @Tags        Customers
// @Produce     json
//
// @Param       slug           path    string  true  "Business slug"  example(corner-cafe)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       inactive_days  query   int     false "Idle period in days"  minimum(1) default(30)
// @Param       page           query   int     false "Page number"          minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"       minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListWinbackResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Business not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /businesses/{slug}/winback [get]
func (h *Handlers) ListWinback(c *gin.Context) {
	ctx := c.Request.Context()
	slug := strings.ToLower(strings.TrimSpace(c.Param("slug")))
	page, pageSize := clampPagination(c)
	days := utils.AtoiDefault(c.Query("inactive_days"), 0)
	if days < 0 {
		days = 0
	}

	// ETag pre-check (best effort). The day is part of the tag because the
	// candidate set moves with the clock even when no record changes.
	if h.DB != nil {
		if b, err := repo.GetBusinessBySlug(ctx, h.DB, slug); err == nil {
			if count, maxTS, err := repo.CustomerStats(ctx, h.DB, b.ID); err == nil {
				var ts int64
				if maxTS != nil {
					ts = maxTS.Unix()
				}
				etag := fmt.Sprintf(`W/"winback:%s:%d:%d:%d:%d:%d:%s"`,
					b.ID, days, page, pageSize, count, ts, time.Now().UTC().Format("20060102"))
				if notModified(c, etag) {
					return
				}
			}
		}
	}

	items, total, err := h.customerSvc.WinbackPage(ctx, slug, days, page, pageSize)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}

	ok(c, http.StatusOK, ListWinbackResponse{
		InactiveDays: days,
		Customers:    items,
		Pagination:   newPagination(page, pageSize, total),
	})
}
