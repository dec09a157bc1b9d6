package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/http/middleware"
	"github.com/tbourn/go-loyalty-backend/internal/repo"
	"github.com/tbourn/go-loyalty-backend/internal/services"
)

// ---------- test DB ----------

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:loyalty_handlers_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// ---------- flexible service stubs ----------

type stubCheckinSvc struct {
	process func(context.Context, services.CheckinRequest) (*services.CheckinResult, error)
	calls   int
}

func (s *stubCheckinSvc) Process(ctx context.Context, req services.CheckinRequest) (*services.CheckinResult, error) {
	s.calls++
	if s.process != nil {
		return s.process(ctx, req)
	}
	return &services.CheckinResult{Phone: "+15551234567", CheckinCount: 1, Threshold: 10, CheckinsUntilReward: 9, Counted: true}, nil
}

type stubImportSvc struct {
	submit func(context.Context, string, [][]string, services.ImportOptions) (*services.Submission, error)
	status func(context.Context, string) (*domain.ImportRun, error)

	gotSlug string
	gotRows [][]string
	gotOpts services.ImportOptions
}

func (s *stubImportSvc) Submit(ctx context.Context, slug string, rows [][]string, opts services.ImportOptions) (*services.Submission, error) {
	s.gotSlug, s.gotRows, s.gotOpts = slug, rows, opts
	if s.submit != nil {
		return s.submit(ctx, slug, rows, opts)
	}
	return &services.Submission{JobID: "run-1", Result: &services.ImportResult{RunID: "run-1", Total: len(rows)}}, nil
}

func (s *stubImportSvc) Status(ctx context.Context, runID string) (*domain.ImportRun, error) {
	if s.status != nil {
		return s.status(ctx, runID)
	}
	return nil, services.ErrImportNotFound
}

type stubRewardSvc struct {
	redeem func(context.Context, string) (*domain.RewardInstance, error)
}

func (s stubRewardSvc) Redeem(ctx context.Context, idOrCode string) (*domain.RewardInstance, error) {
	if s.redeem != nil {
		return s.redeem(ctx, idOrCode)
	}
	return &domain.RewardInstance{ID: "r1", Code: idOrCode, Redeemed: true}, nil
}

type stubCustomerSvc struct {
	standing func(context.Context, string, string) (*services.CustomerStanding, error)
	winback  func(context.Context, string, int, int, int) ([]domain.Customer, int64, error)
	winCalls int
}

func (s *stubCustomerSvc) Standing(ctx context.Context, slug, raw string) (*services.CustomerStanding, error) {
	if s.standing != nil {
		return s.standing(ctx, slug, raw)
	}
	return &services.CustomerStanding{Threshold: 10, CheckinsUntilReward: 10}, nil
}

func (s *stubCustomerSvc) WinbackPage(ctx context.Context, slug string, days, page, size int) ([]domain.Customer, int64, error) {
	s.winCalls++
	if s.winback != nil {
		return s.winback(ctx, slug, days, page, size)
	}
	return []domain.Customer{}, 0, nil
}

// ---------- router helpers ----------

type testDeps struct {
	checkin  *stubCheckinSvc
	imports  *stubImportSvc
	rewards  stubRewardSvc
	customer *stubCustomerSvc
	db       *gorm.DB
}

func newTestRouter(d *testDeps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	if d.checkin == nil {
		d.checkin = &stubCheckinSvc{}
	}
	if d.imports == nil {
		d.imports = &stubImportSvc{}
	}
	if d.customer == nil {
		d.customer = &stubCustomerSvc{}
	}
	h := New(d.checkin, d.imports, d.rewards, d.customer)
	h.DB = d.db

	r := gin.New()
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/checkins", h.Checkin)
	r.POST("/businesses/:slug/imports", h.CreateImport)
	r.GET("/imports/:id", h.GetImport)
	r.POST("/rewards/:id/redeem", h.RedeemReward)
	r.GET("/businesses/:slug/customers/:phone", h.GetCustomer)
	r.GET("/businesses/:slug/winback", h.ListWinback)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return er
}

// ---------- error mapping ----------

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"wrapped invalid phone", fmt.Errorf("%w: too short", services.ErrInvalidPhone), http.StatusBadRequest, ErrCodeInvalidPhone},
		{"underage", services.ErrUnderage, http.StatusBadRequest, ErrCodeUnderage},
		{"cooldown", services.ErrInCooldown, http.StatusConflict, ErrCodeInCooldown},
		{"blocked", services.ErrSubscriptionBlocked, http.StatusForbidden, ErrCodeSubscriptionBlocked},
		{"too many rows", services.ErrTooManyRows, http.StatusRequestEntityTooLarge, ErrCodeTooManyRows},
		{"expired", services.ErrRewardExpired, http.StatusGone, ErrCodeRewardExpired},
		{"repo not found", repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError, ErrCodeCheckinFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, code := statusFor(tc.err, ErrCodeCheckinFailed)
			if status != tc.status || code != tc.code {
				t.Fatalf("got (%d, %s), want (%d, %s)", status, code, tc.status, tc.code)
			}
		})
	}
}

func TestClampPaginationAndNewPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/x?page=-3&page_size=1000", nil)

	page, size := clampPagination(c)
	if page != 1 || size != 100 {
		t.Fatalf("clamp = (%d, %d)", page, size)
	}

	p := newPagination(2, 20, 41)
	if p.TotalPages != 3 || !p.HasNext {
		t.Fatalf("pagination = %+v", p)
	}
	if p := newPagination(3, 20, 41); p.HasNext {
		t.Fatalf("last page must not have next: %+v", p)
	}
}

func TestNotModified(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/x", nil)
	c.Request.Header.Set("If-None-Match", `W/"a"`)

	if notModified(c, `W/"b"`) {
		t.Fatalf("different tag must not match")
	}
	if !notModified(c, `W/"a"`) {
		t.Fatalf("same tag must match")
	}
	if got := w.Header().Get("ETag"); got != `W/"a"` {
		t.Fatalf("ETag header = %q", got)
	}
}

// testNow is a fixed instant for fixtures.
var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
