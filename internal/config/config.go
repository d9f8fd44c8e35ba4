// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

// Scoring providers accepted by SCORING_PROVIDER.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderStub   = "stub"
)

// Store backends accepted by EVAL_STORE.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds all application configuration sourced from environment variables.
// Field defaults match .env.example.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL"`
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"           envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"  envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`
	// EVAL_STORE=memory runs against the in-memory store (development only);
	// DATABASE_URL is then not required.
	Store string `env:"EVAL_STORE" envDefault:"postgres"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Auth — operator JWT ──────────────────────────────────────────────────────
	JWTSecret        string        `env:"JWT_SECRET"`
	OperatorTokenTTL time.Duration `env:"OPERATOR_TOKEN_TTL" envDefault:"1h"`

	// ── Scoring ──────────────────────────────────────────────────────────────────
	// SCORING_PROVIDER: "gemini", "openai" or "stub".
	ScoringProvider    string  `env:"SCORING_PROVIDER" envDefault:"gemini"`
	ScoringTemperature float32 `env:"SCORING_TEMPERATURE" envDefault:"0.1"`

	// ── Scoring — Vertex AI Gemini ───────────────────────────────────────────────
	GeminiProject  string   `env:"GEMINI_PROJECT"`
	GeminiLocation string   `env:"GEMINI_LOCATION" envDefault:"us-central1"`
	GeminiModels   []string `env:"GEMINI_MODELS"   envDefault:"gemini-2.0-flash-001,gemini-2.0-flash" envSeparator:","`

	// ── Scoring — OpenAI-compatible ──────────────────────────────────────────────
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	// ── Worker pool ──────────────────────────────────────────────────────────────
	WorkersEnabled           bool          `env:"EVAL_WORKERS_ENABLED"         envDefault:"true"`
	WorkerConcurrency        int           `env:"EVAL_WORKER_CONCURRENCY"      envDefault:"4"`
	WorkerPollInterval       time.Duration `env:"EVAL_POLL_INTERVAL"           envDefault:"2s"`
	WorkerLeaseTimeout       time.Duration `env:"EVAL_LEASE_TIMEOUT"           envDefault:"5m"`
	WorkerStaleCheckInterval time.Duration `env:"EVAL_STALE_CHECK_INTERVAL"    envDefault:"1m"`
	ScoreTimeout             time.Duration `env:"EVAL_SCORE_TIMEOUT"           envDefault:"90s"`
	MaxAttempts              int           `env:"EVAL_MAX_ATTEMPTS"            envDefault:"5"`
	BackoffBase              time.Duration `env:"EVAL_BACKOFF_BASE"            envDefault:"5s"`
	BackoffMax               time.Duration `env:"EVAL_BACKOFF_MAX"             envDefault:"10m"`

	// ── Producer and backfill ────────────────────────────────────────────────────
	MaxContentBytes  int `env:"EVAL_MAX_CONTENT_BYTES"  envDefault:"16384"`
	BackfillMaxLimit int `env:"EVAL_BACKFILL_MAX_LIMIT" envDefault:"500"`

	// ── Health ───────────────────────────────────────────────────────────────────
	// Zero means 3× poll interval + score timeout.
	LivenessThreshold time.Duration `env:"EVAL_LIVENESS_THRESHOLD"`

	// ── Events — RabbitMQ ────────────────────────────────────────────────────────
	// Empty AMQP_URL disables terminal-event publishing.
	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"evalq.events"`

	// ── Events — webhook ─────────────────────────────────────────────────────────
	// Empty EVENTS_WEBHOOK_URL disables webhook delivery.
	WebhookURL                    string `env:"EVENTS_WEBHOOK_URL"`
	WebhookSigningSecret          string `env:"EVENTS_WEBHOOK_SECRET"`
	WebhookSigningSecretSecondary string `env:"EVENTS_WEBHOOK_SECRET_SECONDARY"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	// Per-IP token bucket on POST /evaluations: requests per second and burst.
	EnqueueRateLimit  float64       `env:"ENQUEUE_RATE_LIMIT"   envDefault:"5"`
	EnqueueRateBurst  int           `env:"ENQUEUE_RATE_BURST"   envDefault:"20"`
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

}

// Load parses the environment into a Config and validates cross-field rules.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if !slices.Contains([]string{StorePostgres, StoreMemory}, c.Store) {
		errs = append(errs, fmt.Errorf("EVAL_STORE: unknown store %q", c.Store))
	}
	if c.Store == StorePostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when EVAL_STORE=postgres"))
	}
	switch c.ScoringProvider {
	case ProviderGemini:
		if c.GeminiProject == "" {
			errs = append(errs, errors.New("GEMINI_PROJECT is required when SCORING_PROVIDER=gemini"))
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when SCORING_PROVIDER=openai"))
		}
	case ProviderStub:
	default:
		errs = append(errs, fmt.Errorf("SCORING_PROVIDER: unknown provider %q", c.ScoringProvider))
	}
	if c.WebhookURL != "" && c.WebhookSigningSecret == "" {
		errs = append(errs, errors.New("EVENTS_WEBHOOK_SECRET is required when EVENTS_WEBHOOK_URL is set"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("EVAL_MAX_ATTEMPTS must be at least 1"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("EVAL_WORKER_CONCURRENCY must be at least 1"))
	}
	if c.WorkerLeaseTimeout <= c.ScoreTimeout {
		errs = append(errs, errors.New("EVAL_LEASE_TIMEOUT must exceed EVAL_SCORE_TIMEOUT"))
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, errors.New("EVAL_BACKOFF_MAX must not be below EVAL_BACKOFF_BASE"))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// MigrateURL returns the connection string for schema migrations, which may
// use a role with DDL privileges.
func (c *Config) MigrateURL() string {
	if c.DatabaseURLMigrate != "" {
		return c.DatabaseURLMigrate
	}
	return c.DatabaseURL
}

// EffectiveLivenessThreshold returns EVAL_LIVENESS_THRESHOLD, or three poll
// intervals plus one score timeout when unset.
func (c *Config) EffectiveLivenessThreshold() time.Duration {
	if c.LivenessThreshold > 0 {
		return c.LivenessThreshold
	}
	return 3*c.WorkerPollInterval + c.ScoreTimeout
}
