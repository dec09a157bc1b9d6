// Package config loads the service configuration from the environment.
//
// Every setting has a default; Load normalizes a few loose spellings and then
// rejects the result with all violated rules listed when anything is off.
package config

import (
	"errors"
	"slices"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-loyalty-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// LoyaltyConfig holds the live check-in rules used when a business does not
// override them.
type LoyaltyConfig struct {
	Cooldown         time.Duration // CHECKIN_COOLDOWN
	DefaultThreshold int           // DEFAULT_REWARD_THRESHOLD
	MinimumAge       int           // MINIMUM_AGE_DEFAULT (0 = no age gate)
	CountryCode      string        // DEFAULT_COUNTRY_CODE, without "+"
}

// ImportConfig bounds bulk imports.
type ImportConfig struct {
	SyncMaxRows       int           // IMPORT_SYNC_MAX_ROWS: at or below runs inline
	MaxRows           int           // IMPORT_MAX_ROWS: hard ceiling per file
	BatchSize         int           // IMPORT_BATCH_SIZE
	Concurrency       int           // IMPORT_CONCURRENCY: parallel rows within a batch
	RowIncrement      int           // IMPORT_ROW_INCREMENT: visits credited per row
	JobAttempts       int           // IMPORT_JOB_ATTEMPTS
	MaxUploadBytes    int           // IMPORT_MAX_UPLOAD_BYTES
	WelcomeBatchSize  int           // WELCOME_BATCH_SIZE
	WelcomeBatchDelay time.Duration // WELCOME_BATCH_DELAY
}

// SMSConfig selects and tunes the outbound message provider.
type SMSConfig struct {
	Provider            string   // SMS_PROVIDER: log|twilio
	AllowedCountryCodes []string // SMS_ALLOWED_COUNTRY_CODES
	TwilioAccountSID    string   // TWILIO_ACCOUNT_SID
	TwilioAuthToken     string   // TWILIO_AUTH_TOKEN
	TwilioFrom          string   // TWILIO_FROM
	TwilioBaseURL       string   // TWILIO_BASE_URL
	RatePerSec          float64  // SMS_RATE_PER_SEC
	QueueSize           int      // NOTIFY_QUEUE_SIZE
	Workers             int      // NOTIFY_WORKERS
}

// ScheduleConfig holds cron specs for maintenance sweeps.
type ScheduleConfig struct {
	RewardExpiry     string // REWARD_EXPIRY_SCHEDULE
	IdempotencyPurge string // IDEMPOTENCY_PURGE_SCHEDULE
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Database
	DBDriver      string // sqlite|postgres
	DBPath        string // SQLite path
	DatabaseURL   string // PostgreSQL DSN
	BootstrapPath string // optional YAML seed of businesses and templates

	// Domain
	Loyalty  LoyaltyConfig
	Import   ImportConfig
	SMS      SMSConfig
	Schedule ScheduleConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad is Load for callers that cannot continue without a config.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load builds a Config from the process environment.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Database
		DBDriver:      strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:        getenv("DB_PATH", "loyalty.db"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		BootstrapPath: getenv("BOOTSTRAP_PATH", ""),

		// Loyalty rules
		Loyalty: LoyaltyConfig{
			Cooldown:         getdur("CHECKIN_COOLDOWN", 24*time.Hour),
			DefaultThreshold: getint("DEFAULT_REWARD_THRESHOLD", 10),
			MinimumAge:       getint("MINIMUM_AGE_DEFAULT", 0),
			CountryCode:      strings.TrimPrefix(getenv("DEFAULT_COUNTRY_CODE", "1"), "+"),
		},

		// Imports
		Import: ImportConfig{
			SyncMaxRows:       getint("IMPORT_SYNC_MAX_ROWS", 500),
			MaxRows:           getint("IMPORT_MAX_ROWS", 10000),
			BatchSize:         getint("IMPORT_BATCH_SIZE", 100),
			Concurrency:       getint("IMPORT_CONCURRENCY", 4),
			RowIncrement:      getint("IMPORT_ROW_INCREMENT", 1),
			JobAttempts:       getint("IMPORT_JOB_ATTEMPTS", 3),
			MaxUploadBytes:    getint("IMPORT_MAX_UPLOAD_BYTES", 10<<20),
			WelcomeBatchSize:  getint("WELCOME_BATCH_SIZE", 10),
			WelcomeBatchDelay: getdur("WELCOME_BATCH_DELAY", time.Second),
		},

		// Outbound SMS
		SMS: SMSConfig{
			Provider:            strings.ToLower(getenv("SMS_PROVIDER", "log")),
			AllowedCountryCodes: splitCSV(getenv("SMS_ALLOWED_COUNTRY_CODES", "1")),
			TwilioAccountSID:    getenv("TWILIO_ACCOUNT_SID", ""),
			TwilioAuthToken:     getenv("TWILIO_AUTH_TOKEN", ""),
			TwilioFrom:          getenv("TWILIO_FROM", ""),
			TwilioBaseURL:       getenv("TWILIO_BASE_URL", "https://api.twilio.com"),
			RatePerSec:          getfloat("SMS_RATE_PER_SEC", 10),
			QueueSize:           getint("NOTIFY_QUEUE_SIZE", 1024),
			Workers:             getint("NOTIFY_WORKERS", 4),
		},

		// Maintenance
		Schedule: ScheduleConfig{
			RewardExpiry:     getenv("REWARD_EXPIRY_SCHEDULE", "@every 15m"),
			IdempotencyPurge: getenv("IDEMPOTENCY_PURGE_SCHEDULE", "@hourly"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-loyalty-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	if c.LogLevel == "warning" {
		c.LogLevel = "warn"
	}
	if !slices.Contains([]string{"debug", "release", "test"}, c.GinMode) {
		c.GinMode = "release"
	}
}

// validate reports every violated rule, joined.
func (c Config) validate() error {
	rules := []struct {
		broken bool
		msg    string
	}{
		{!slices.Contains([]string{"debug", "info", "warn", "error", "fatal", "panic"}, c.LogLevel), "LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic"},
		{strings.TrimSpace(c.Port) == "", "PORT must not be empty"},
		{c.ReadTimeout <= 0 || c.ReadHeaderTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0, "timeouts must be positive durations"},
		{c.MaxHeaderBytes <= 0, "MAX_HEADER_BYTES must be > 0"},
		{!slices.Contains([]string{"sqlite", "postgres"}, c.DBDriver), "DB_DRIVER must be one of: sqlite, postgres"},
		{c.DBDriver == "sqlite" && strings.TrimSpace(c.DBPath) == "", "DB_PATH must not be empty"},
		{c.DBDriver == "postgres" && strings.TrimSpace(c.DatabaseURL) == "", "DATABASE_URL is required when DB_DRIVER=postgres"},

		{c.Loyalty.Cooldown < 0, "CHECKIN_COOLDOWN must be >= 0"},
		{c.Loyalty.DefaultThreshold < 1, "DEFAULT_REWARD_THRESHOLD must be >= 1"},
		{c.Loyalty.MinimumAge < 0, "MINIMUM_AGE_DEFAULT must be >= 0"},
		{c.Loyalty.CountryCode == "" || strings.Trim(c.Loyalty.CountryCode, "0123456789") != "", "DEFAULT_COUNTRY_CODE must be digits"},

		{c.Import.MaxRows < 1 || c.Import.SyncMaxRows < 0 || c.Import.SyncMaxRows > c.Import.MaxRows, "IMPORT_MAX_ROWS must be >= 1 and >= IMPORT_SYNC_MAX_ROWS"},
		{c.Import.BatchSize < 1 || c.Import.Concurrency < 1, "IMPORT_BATCH_SIZE and IMPORT_CONCURRENCY must be >= 1"},
		{c.Import.RowIncrement < 1, "IMPORT_ROW_INCREMENT must be >= 1"},
		{c.Import.JobAttempts < 1, "IMPORT_JOB_ATTEMPTS must be >= 1"},
		{c.Import.MaxUploadBytes < 1, "IMPORT_MAX_UPLOAD_BYTES must be >= 1"},
		{c.Import.WelcomeBatchSize < 1 || c.Import.WelcomeBatchDelay < 0, "WELCOME_BATCH_SIZE must be >= 1 and WELCOME_BATCH_DELAY >= 0"},

		{!slices.Contains([]string{"log", "twilio"}, c.SMS.Provider), "SMS_PROVIDER must be one of: log, twilio"},
		{c.SMS.Provider == "twilio" && (c.SMS.TwilioAccountSID == "" || c.SMS.TwilioAuthToken == "" || c.SMS.TwilioFrom == ""),
			"TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM are required when SMS_PROVIDER=twilio"},
		{c.SMS.RatePerSec < 0 || c.SMS.QueueSize < 1 || c.SMS.Workers < 1, "SMS_RATE_PER_SEC must be >= 0, NOTIFY_QUEUE_SIZE and NOTIFY_WORKERS >= 1"},

		{c.RateRPS < 0, "RATE_RPS must be >= 0"},
		{c.RateBurst < 1, "RATE_BURST must be >= 1"},
		{c.Security.HSTSMaxAge < 0, "HSTS_MAX_AGE must be >= 0"},
		{c.IdempotencyTTL <= 0, "IDEMPOTENCY_TTL must be > 0"},
		{c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]"},
	}
	var errs []error
	for _, r := range rules {
		if r.broken {
			errs = append(errs, errors.New(r.msg))
		}
	}
	return errors.Join(errs...)
}
