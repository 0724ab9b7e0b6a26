// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the HTTP
// front door, the order store, the delivery queue and its consumers, the
// notifier fan-out, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
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
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StoreConfig selects and locates the order store.
type StoreConfig struct {
	Driver    string // DB_DRIVER: sqlite|postgres
	Path      string // DB_PATH: SQLite file
	DSNSecret string // DB_DSN_SECRET: secret id holding the postgres DSN

	MaxAttempts    int           // STORE_MAX_ATTEMPTS, tries of a transient order write
	InitialBackoff time.Duration // STORE_INITIAL_BACKOFF, first retry delay
}

// QueueConfig tunes the delivery queue.
type QueueConfig struct {
	Name              string        // QUEUE_NAME
	VisibilityTimeout time.Duration // QUEUE_VISIBILITY_TIMEOUT
	MaxReceiveCount   int           // QUEUE_MAX_RECEIVE_COUNT, deliveries before dead-lettering
	MaxDepth          int64         // QUEUE_MAX_DEPTH, 0 = unbounded
	DepthSampleEvery  time.Duration // QUEUE_DEPTH_SAMPLE_INTERVAL
}

// ConsumerConfig tunes the queue consumer worker pool.
type ConsumerConfig struct {
	Workers          int           // CONSUMER_WORKERS
	BatchSize        int           // CONSUMER_BATCH_SIZE
	PollInterval     time.Duration // CONSUMER_POLL_INTERVAL, sleep when the queue is empty
	OperationTimeout time.Duration // CONSUMER_OPERATION_TIMEOUT, per store call
}

// NotifierConfig tunes fan-out publishing and its optional subscribers.
type NotifierConfig struct {
	MaxAttempts      int           // NOTIFIER_MAX_ATTEMPTS per subscriber
	InitialBackoff   time.Duration // NOTIFIER_INITIAL_BACKOFF
	MaxBackoff       time.Duration // NOTIFIER_MAX_BACKOFF
	AttemptTimeout   time.Duration // NOTIFIER_ATTEMPT_TIMEOUT
	SigningKeySecret string        // NOTIFIER_SIGNING_KEY_SECRET, empty disables signing

	KafkaBrokers []string // KAFKA_BROKERS, empty disables the Kafka subscriber
	KafkaTopic   string   // KAFKA_TOPIC

	AMQPURLSecret string // AMQP_URL_SECRET, empty disables the RabbitMQ subscriber
	AMQPQueue     string // AMQP_QUEUE
}

// ReconcilerConfig tunes the republisher for orders stuck in RECEIVED.
type ReconcilerConfig struct {
	Enabled   bool          // RECONCILER_ENABLED
	Interval  time.Duration // RECONCILER_INTERVAL
	Grace     time.Duration // RECONCILER_GRACE, minimum order age before republishing
	BatchSize int           // RECONCILER_BATCH_SIZE
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // graceful drain window
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Ingestion
	MaxDetailsBytes int // MAX_DETAILS_BYTES, larger details are rejected with 413

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Pipeline
	Store      StoreConfig
	Queue      QueueConfig
	Consumer   ConsumerConfig
	Notifier   NotifierConfig
	Reconciler ReconcilerConfig

	// SecretsPrefix is the env prefix used by the env secret provider.
	SecretsPrefix string

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Ingestion
		MaxDetailsBytes: getint("MAX_DETAILS_BYTES", 64<<10),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Pipeline
		Store: StoreConfig{
			Driver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:      getenv("DB_PATH", "orders.db"),
			DSNSecret: getenv("DB_DSN_SECRET", "order-store/dsn"),

			MaxAttempts:    getint("STORE_MAX_ATTEMPTS", 3),
			InitialBackoff: getdur("STORE_INITIAL_BACKOFF", 50*time.Millisecond),
		},
		Queue: QueueConfig{
			Name:              getenv("QUEUE_NAME", "orders"),
			VisibilityTimeout: getdur("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second),
			MaxReceiveCount:   getint("QUEUE_MAX_RECEIVE_COUNT", 5),
			MaxDepth:          int64(getint("QUEUE_MAX_DEPTH", 0)),
			DepthSampleEvery:  getdur("QUEUE_DEPTH_SAMPLE_INTERVAL", 15*time.Second),
		},
		Consumer: ConsumerConfig{
			Workers:          getint("CONSUMER_WORKERS", 4),
			BatchSize:        getint("CONSUMER_BATCH_SIZE", 10),
			PollInterval:     getdur("CONSUMER_POLL_INTERVAL", 500*time.Millisecond),
			OperationTimeout: getdur("CONSUMER_OPERATION_TIMEOUT", 5*time.Second),
		},
		Notifier: NotifierConfig{
			MaxAttempts:      getint("NOTIFIER_MAX_ATTEMPTS", 5),
			InitialBackoff:   getdur("NOTIFIER_INITIAL_BACKOFF", 100*time.Millisecond),
			MaxBackoff:       getdur("NOTIFIER_MAX_BACKOFF", 2*time.Second),
			AttemptTimeout:   getdur("NOTIFIER_ATTEMPT_TIMEOUT", 3*time.Second),
			SigningKeySecret: getenv("NOTIFIER_SIGNING_KEY_SECRET", ""),
			KafkaBrokers:     splitCSV(getenv("KAFKA_BROKERS", "")),
			KafkaTopic:       getenv("KAFKA_TOPIC", "orders.received"),
			AMQPURLSecret:    getenv("AMQP_URL_SECRET", ""),
			AMQPQueue:        getenv("AMQP_QUEUE", "orders.received"),
		},
		Reconciler: ReconcilerConfig{
			Enabled:   getbool("RECONCILER_ENABLED", true),
			Interval:  getdur("RECONCILER_INTERVAL", 30*time.Second),
			Grace:     getdur("RECONCILER_GRACE", time.Minute),
			BatchSize: getint("RECONCILER_BATCH_SIZE", 100),
		},

		SecretsPrefix: getenv("SECRETS_ENV_PREFIX", "SECRET_"),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-order-pipeline"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxDetailsBytes <= 0 {
		return cfg, errors.New("MAX_DETAILS_BYTES must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	switch cfg.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Store.DSNSecret) == "" {
			return cfg, errors.New("DB_DSN_SECRET must not be empty for postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.Store.MaxAttempts < 1 {
		return cfg, errors.New("STORE_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Store.InitialBackoff <= 0 {
		return cfg, errors.New("STORE_INITIAL_BACKOFF must be > 0")
	}
	if strings.TrimSpace(cfg.Queue.Name) == "" {
		return cfg, errors.New("QUEUE_NAME must not be empty")
	}
	if cfg.Queue.VisibilityTimeout <= 0 {
		return cfg, errors.New("QUEUE_VISIBILITY_TIMEOUT must be > 0")
	}
	if cfg.Queue.MaxReceiveCount < 1 {
		return cfg, errors.New("QUEUE_MAX_RECEIVE_COUNT must be >= 1")
	}
	if cfg.Queue.MaxDepth < 0 {
		return cfg, errors.New("QUEUE_MAX_DEPTH must be >= 0")
	}
	if cfg.Consumer.Workers < 1 || cfg.Consumer.BatchSize < 1 {
		return cfg, errors.New("CONSUMER_WORKERS and CONSUMER_BATCH_SIZE must be >= 1")
	}
	if cfg.Consumer.PollInterval <= 0 || cfg.Consumer.OperationTimeout <= 0 {
		return cfg, errors.New("consumer intervals must be positive durations")
	}
	if cfg.Notifier.MaxAttempts < 1 {
		return cfg, errors.New("NOTIFIER_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Notifier.InitialBackoff <= 0 || cfg.Notifier.MaxBackoff < cfg.Notifier.InitialBackoff {
		return cfg, errors.New("NOTIFIER_INITIAL_BACKOFF must be > 0 and <= NOTIFIER_MAX_BACKOFF")
	}
	if cfg.Notifier.AttemptTimeout <= 0 {
		return cfg, errors.New("NOTIFIER_ATTEMPT_TIMEOUT must be > 0")
	}
	if len(cfg.Notifier.KafkaBrokers) > 0 && strings.TrimSpace(cfg.Notifier.KafkaTopic) == "" {
		return cfg, errors.New("KAFKA_TOPIC must not be empty when KAFKA_BROKERS is set")
	}
	if cfg.Reconciler.Interval <= 0 || cfg.Reconciler.Grace < 0 || cfg.Reconciler.BatchSize < 1 {
		return cfg, errors.New("RECONCILER_INTERVAL must be > 0, RECONCILER_GRACE >= 0, RECONCILER_BATCH_SIZE >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
