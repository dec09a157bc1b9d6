// Command server runs the loyalty HTTP API together with its background
// workers: the notification dispatcher, the import queue and the maintenance
// scheduler.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-loyalty-backend/internal/config"
	httpapi "github.com/tbourn/go-loyalty-backend/internal/http"
	"github.com/tbourn/go-loyalty-backend/internal/notify"
	"github.com/tbourn/go-loyalty-backend/internal/observability"
	"github.com/tbourn/go-loyalty-backend/internal/queue"
	"github.com/tbourn/go-loyalty-backend/internal/repo"
	"github.com/tbourn/go-loyalty-backend/internal/scheduler"
	"github.com/tbourn/go-loyalty-backend/internal/services"
	"github.com/tbourn/go-loyalty-backend/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = ""

const shutdownTimeout = 15 * time.Second

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := sysutil.ConfigureLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	if err := run(cfg); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
	logger.Info().Msg("server stopped")
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, sysutil.FirstNonEmpty(version, os.Getenv("APP_VERSION"), "dev"))
	if err != nil {
		return err
	}

	db, err := repo.Open(cfg.DBDriver, sysutil.DatabaseDSN(cfg.DBDriver, cfg.DBPath, cfg.DatabaseURL))
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}
	if cfg.BootstrapPath != "" {
		seed, err := repo.LoadSeedFile(cfg.BootstrapPath)
		if err != nil {
			return err
		}
		if err := repo.Bootstrap(ctx, db, seed); err != nil {
			return err
		}
		log.Info().Str("path", cfg.BootstrapPath).Int("businesses", len(seed.Businesses)).Msg("seed applied")
	}

	// Outbound SMS: provider behind a rate limit and a circuit breaker.
	var provider notify.Sender = notify.LogSender{}
	if cfg.SMS.Provider == "twilio" {
		provider = notify.NewTwilioSender(cfg.SMS.TwilioBaseURL, cfg.SMS.TwilioAccountSID, cfg.SMS.TwilioAuthToken, cfg.SMS.TwilioFrom)
	}
	sender := notify.NewBreakerSender(cfg.SMS.Provider, provider, cfg.SMS.RatePerSec)
	subs := &services.SubscriptionService{DB: db}
	dispatcher := notify.NewDispatcher(sender, cfg.SMS.QueueSize, cfg.SMS.Workers, notify.WithOutcomeHook(subs.Hook()))

	var svc httpapi.Services
	jobs := queue.New(64, func(ctx context.Context, runID string) error {
		return svc.Imports.Process(ctx, runID, cfg.Import.JobAttempts)
	}, queue.NewLogger(log.Logger))
	svc = httpapi.NewServices(db, cfg, httpapi.Workers{
		Emitter:   dispatcher,
		Queue:     jobs,
		Sender:    sender,
		OnOutcome: subs.Hook(),
	})

	dispatcher.Start()
	if err := jobs.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if n, err := svc.Submitter.Resume(ctx); err != nil {
		log.Error().Err(err).Msg("resume pending imports")
	} else if n > 0 {
		log.Info().Int("runs", n).Msg("resumed pending imports")
	}

	sched := scheduler.New(log.Logger, 5*time.Minute)
	entries := []scheduler.Entry{
		{Name: "expire_rewards", Spec: cfg.Schedule.RewardExpiry, Job: svc.Rewards.ExpireStale},
		{Name: "purge_idempotency", Spec: cfg.Schedule.IdempotencyPurge, Job: func(ctx context.Context) (int64, error) {
			return repo.PurgeExpiredIdempotency(ctx, db, time.Now())
		}},
	}
	if err := sched.Register(entries...); err != nil {
		return err
	}
	sched.RunNow(entries[0])
	sched.Start()

	r := gin.New()
	httpapi.RegisterRoutes(r, db, svc, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop intake first, then drain the workers that serve it.
		err := srv.Shutdown(sctx)
		if serr := sched.Stop(sctx); serr != nil {
			log.Warn().Err(serr).Msg("scheduler stop")
		}
		if qerr := jobs.Stop(sctx); qerr != nil {
			log.Warn().Err(qerr).Msg("import queue stop")
		}
		if derr := dispatcher.Stop(sctx); derr != nil {
			log.Warn().Err(derr).Msg("notification dispatcher stop")
		}
		if oerr := shutdownOTel(sctx); oerr != nil {
			log.Warn().Err(oerr).Msg("otel shutdown")
		}
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return err
	})
	return g.Wait()
}
