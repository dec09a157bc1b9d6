// Package httpapi assembles the Gin engine for the loyalty API: the
// middleware chain kiosks and back-office clients pass through, the route
// table, and the construction of the services behind it.
package httpapi

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-loyalty-backend/internal/config"
	"github.com/tbourn/go-loyalty-backend/internal/domain"
	"github.com/tbourn/go-loyalty-backend/internal/http/handlers"
	"github.com/tbourn/go-loyalty-backend/internal/http/middleware"
	"github.com/tbourn/go-loyalty-backend/internal/notify"
	"github.com/tbourn/go-loyalty-backend/internal/phone"
	"github.com/tbourn/go-loyalty-backend/internal/repo"
	"github.com/tbourn/go-loyalty-backend/internal/services"
)

// jsonBodyLimit caps non-upload request bodies.
const jsonBodyLimit = 1 << 20

// customerRepoShim adapts the repository free functions to the
// services.CustomerRepo interface expected by the CustomerService.
type customerRepoShim struct{}

// GetBusinessBySlug proxies repo.GetBusinessBySlug.
func (customerRepoShim) GetBusinessBySlug(ctx context.Context, db *gorm.DB, slug string) (*domain.Business, error) {
	return repo.GetBusinessBySlug(ctx, db, slug)
}

// GetCustomerByPhone proxies repo.GetCustomerByPhone.
func (customerRepoShim) GetCustomerByPhone(ctx context.Context, db *gorm.DB, businessID, phone string) (*domain.Customer, error) {
	return repo.GetCustomerByPhone(ctx, db, businessID, phone)
}

// ActiveTemplateFor proxies repo.ActiveTemplateFor.
func (customerRepoShim) ActiveTemplateFor(ctx context.Context, db *gorm.DB, businessID string) (*domain.RewardTemplate, error) {
	return repo.ActiveTemplateFor(ctx, db, businessID)
}

// ListCustomerRewards proxies repo.ListCustomerRewards.
func (customerRepoShim) ListCustomerRewards(ctx context.Context, db *gorm.DB, customerID string) ([]domain.RewardInstance, error) {
	return repo.ListCustomerRewards(ctx, db, customerID)
}

// CountWinbackCandidates proxies repo.CountWinbackCandidates (pagination support).
func (customerRepoShim) CountWinbackCandidates(ctx context.Context, db *gorm.DB, businessID string, cutoff time.Time) (int64, error) {
	return repo.CountWinbackCandidates(ctx, db, businessID, cutoff)
}

// ListWinbackCandidates proxies repo.ListWinbackCandidates (pagination support).
func (customerRepoShim) ListWinbackCandidates(ctx context.Context, db *gorm.DB, businessID string, cutoff time.Time, offset, limit int) ([]domain.Customer, error) {
	return repo.ListWinbackCandidates(ctx, db, businessID, cutoff, offset, limit)
}

// Services holds the application services behind the public API.
type Services struct {
	Checkin   *services.CheckinService
	Rewards   *services.RewardService
	Imports   *services.ImportService
	Submitter *services.ImportSubmitter
	Customers *services.CustomerService
}

// Workers are the long-lived collaborators the caller owns and runs.
type Workers struct {
	// Emitter receives check-in notifications (usually a notify.Dispatcher).
	Emitter services.Emitter
	// Queue runs large imports in the background. Nil runs every import inline.
	Queue services.JobQueue
	// Sender delivers import welcome messages directly.
	Sender notify.Sender
	// OnOutcome feeds delivery outcomes back into customer records.
	OnOutcome notify.OutcomeHook
}

// NewServices builds the application services from configuration.
func NewServices(db *gorm.DB, cfg config.Config, w Workers) Services {
	norm := phone.New(cfg.Loyalty.CountryCode)
	rewards := &services.RewardService{DB: db}

	checkin := &services.CheckinService{
		DB:               db,
		Rewards:          rewards,
		Emitter:          w.Emitter,
		Phone:            norm,
		Cooldown:         cfg.Loyalty.Cooldown,
		DefaultThreshold: cfg.Loyalty.DefaultThreshold,
		MinimumAge:       cfg.Loyalty.MinimumAge,
		MaxAttempts:      3,
	}

	imports := &services.ImportService{
		DB:                  db,
		Classifier:          services.HeuristicClassifier{},
		Phone:               norm,
		Sender:              w.Sender,
		OnOutcome:           w.OnOutcome,
		MaxRows:             cfg.Import.MaxRows,
		BatchSize:           cfg.Import.BatchSize,
		Concurrency:         cfg.Import.Concurrency,
		RowIncrement:        cfg.Import.RowIncrement,
		DefaultThreshold:    cfg.Loyalty.DefaultThreshold,
		WelcomeBatchSize:    cfg.Import.WelcomeBatchSize,
		WelcomeBatchDelay:   cfg.Import.WelcomeBatchDelay,
		AllowedCountryCodes: cfg.SMS.AllowedCountryCodes,
	}

	customers := services.NewCustomerService(db, customerRepoShim{}, norm)
	customers.DefaultThreshold = cfg.Loyalty.DefaultThreshold

	return Services{
		Checkin: checkin,
		Rewards: rewards,
		Imports: imports,
		Submitter: &services.ImportSubmitter{
			DB:          db,
			Imports:     imports,
			Queue:       w.Queue,
			SyncMaxRows: cfg.Import.SyncMaxRows,
		},
		Customers: customers,
	}
}

// RegisterRoutes installs the middleware chain and mounts the API under
// cfg.APIBasePath. Order:
//
//	otelgin > RequestID > RedactingLogger > Recovery > limitBody > Metrics
//	  (/metrics is mounted here)
//	IdempotencyValidator > RateLimiter > gzip > CORS > SecurityHeaders
//
// The idempotency check precedes the limiter because a replay bypasses the
// kiosk's bucket.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, svc Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(
		otelgin.Middleware(cfg.OTEL.ServiceName),
		middleware.RequestID(),
		middleware.RedactingLogger(middleware.RedactOptions{MaskHeaders: []string{"X-API-Key"}}),
		middleware.Recovery(),
		limitBody(jsonBodyLimit),
		middleware.Metrics(),
	)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByKioskOrIP())
	r.Use(
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, func(ctx context.Context, key string, now time.Time) (bool, error) {
			return repo.IdempotencyKeyExists(ctx, db, key, now)
		}),
		rl.Handler(),
		gzip.Gzip(gzip.DefaultCompression),
	)
	r.Use(corsHandlers(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:    cfg.Security.EnableHSTS,
		HSTSMaxAge:    cfg.Security.HSTSMaxAge,
		NoStoreRoutes: noStoreRoutes(cfg.APIBasePath),
		EnablePolicy:  true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	h := handlers.New(svc.Checkin, svc.Submitter, svc.Rewards, svc.Customers)
	h.DB = db
	h.IdempotencyTTL = cfg.IdempotencyTTL
	h.MaxUploadBytes = int64(cfg.Import.MaxUploadBytes)
	mountAPI(groupWithPrefix(r, cfg.APIBasePath), h)
}

func mountAPI(api *gin.RouterGroup, h *handlers.Handlers) {
	api.POST("/checkins", h.Checkin)

	api.POST("/businesses/:slug/imports", h.CreateImport)
	api.GET("/imports/:id", h.GetImport)

	api.POST("/rewards/:id/redeem", h.RedeemReward)

	api.GET("/businesses/:slug/customers/:phone", h.GetCustomer)
	api.GET("/businesses/:slug/winback", h.ListWinback)
}

// noStoreRoutes lists the route templates whose responses carry a phone
// number, a balance or a reward code.
func noStoreRoutes(base string) []string {
	routes := []string{
		"/checkins",
		"/rewards/:id/redeem",
		"/businesses/:slug/customers/:phone",
		"/businesses/:slug/winback",
	}
	for i, p := range routes {
		routes[i] = path.Join("/", base, p)
	}
	return routes
}

// corsHandlers allows any origin when none are configured, otherwise only the
// listed ones. Credentials are never allowed.
func corsHandlers(origins []string) []gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderKioskID, middleware.HeaderIdempotencyKey},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length", "Retry-After", "Location", "ETag", handlers.HeaderReplayed},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) > 0 {
		cfg.AllowOrigins = origins
		return []gin.HandlerFunc{cors.New(cfg)}
	}
	cfg.AllowAllOrigins = true
	return []gin.HandlerFunc{
		// cors skips requests without an Origin header; probes still get the wildcard.
		func(c *gin.Context) {
			c.Header("Access-Control-Allow-Origin", "*")
			c.Next()
		},
		cors.New(cfg),
	}
}

// limitBody caps non-multipart bodies at maxBytes; reads past the cap fail.
// Uploads are capped by the import handler.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.ContentType(), "multipart/") {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// groupWithPrefix treats "" and "/" as the root group.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
