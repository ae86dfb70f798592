package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration, read once at startup.
type Config struct {
	Server    Server
	Log       Log
	Database  Database
	Redis     RedisConfig
	Kafka     Kafka
	Registry  Registry
	Batch     Batch
	Breaker   Breaker
	Runner    Runner
	Scheduler Scheduler
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
	// AdminToken guards the admin routes when set.
	AdminToken string
}

type Log struct {
	Level  string
	Format string
}

type Database struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

// RedisConfig enables the distributed batch lock when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LockKey      string
}

// Kafka enables outcome events when Brokers is non-empty.
type Kafka struct {
	Brokers     []string
	Topic       string
	EnsureTopic bool
	Partitions  int32
}

type Registry struct {
	URL          string
	Timeout      time.Duration
	RequestorTIN string
}

type Batch struct {
	Size               int
	PoolSize           int
	QueueSize          int
	RateLimitPerSecond float64
	Timeout            time.Duration
	MaxRetries         int
	StuckThreshold     time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
}

type Breaker struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
}

type Runner struct {
	MaxConsecutiveFailures int
	BatchDelay             time.Duration
	FailureDelay           time.Duration
}

type Scheduler struct {
	Enabled          bool
	BatchInterval    time.Duration
	RecoveryInterval time.Duration
}

// FromEnv builds the configuration from environment variables.
func FromEnv() (Config, error) {
	r := &reader{}
	cfg := Config{
		Server: Server{
			Addr:            r.str("PFEXCHANGE_ADDR", ":8080"),
			ShutdownTimeout: r.duration("PFEXCHANGE_SHUTDOWN_TIMEOUT", 30*time.Second),
			AdminToken:      r.str("PFEXCHANGE_ADMIN_TOKEN", ""),
		},
		Log: Log{
			Level:  r.str("LOG_LEVEL", "info"),
			Format: r.str("LOG_FORMAT", "json"),
		},
		Database: Database{
			URL:             r.str("DATABASE_URL", ""),
			MaxOpenConns:    r.integer("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    r.integer("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: r.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			MigrateOnStart:  r.boolean("DATABASE_MIGRATE", false),
		},
		Redis: RedisConfig{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: r.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			LockKey:      r.str("REDIS_LOCK_KEY", "pfexchange:family:batch-lock"),
		},
		Kafka: Kafka{
			Brokers:     r.list("KAFKA_BROKERS"),
			Topic:       r.str("KAFKA_OUTCOME_TOPIC", "family.reconciliation.outcomes"),
			EnsureTopic: r.boolean("KAFKA_ENSURE_TOPIC", false),
			Partitions:  int32(r.integer("KAFKA_TOPIC_PARTITIONS", 3)),
		},
		Registry: Registry{
			URL:          r.str("FAMILY_REGISTRY_URL", ""),
			Timeout:      r.duration("FAMILY_REGISTRY_TIMEOUT", 30*time.Second),
			RequestorTIN: r.str("FAMILY_REQUESTOR_TIN", "20201210"),
		},
		Batch: Batch{
			Size:               r.integer("FAMILY_BATCH_SIZE", 1000),
			PoolSize:           r.integer("FAMILY_THREAD_POOL_SIZE", 20),
			QueueSize:          r.integer("FAMILY_QUEUE_CAPACITY", 1000),
			RateLimitPerSecond: r.float("FAMILY_RATE_LIMIT_PER_SECOND", 40),
			Timeout:            r.duration("FAMILY_BATCH_TIMEOUT", 15*time.Minute),
			MaxRetries:         r.integer("FAMILY_MAX_RETRIES", 3),
			StuckThreshold:     r.duration("FAMILY_STUCK_THRESHOLD", 5*time.Minute),
			BackoffInitial:     r.duration("FAMILY_BACKOFF_INITIAL", time.Second),
			BackoffMax:         r.duration("FAMILY_BACKOFF_MAX", 30*time.Second),
		},
		Breaker: Breaker{
			FailureThreshold: r.integer("FAMILY_BREAKER_FAILURE_THRESHOLD", 10),
			SuccessThreshold: r.integer("FAMILY_BREAKER_HALF_OPEN_SUCCESSES", 5),
			OpenDuration:     r.duration("FAMILY_BREAKER_OPEN_DURATION", 60*time.Second),
		},
		Runner: Runner{
			MaxConsecutiveFailures: r.integer("FAMILY_MAX_CONSECUTIVE_FAILURES", 3),
			BatchDelay:             r.duration("FAMILY_BATCH_DELAY", 5*time.Second),
			FailureDelay:           r.duration("FAMILY_FAILURE_DELAY", 30*time.Second),
		},
		Scheduler: Scheduler{
			Enabled:          r.boolean("FAMILY_SCHEDULED_ENABLED", false),
			BatchInterval:    r.duration("FAMILY_SCHEDULE_INTERVAL", 2*time.Minute),
			RecoveryInterval: r.duration("FAMILY_RECOVERY_INTERVAL", 5*time.Minute),
		},
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Registry.URL == "" {
		errs = append(errs, errors.New("FAMILY_REGISTRY_URL is required"))
	}
	if c.Batch.Size <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.Batch.Size))
	}
	if c.Batch.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("thread pool size must be positive, got %d", c.Batch.PoolSize))
	}
	if c.Batch.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("queue capacity must not be negative, got %d", c.Batch.QueueSize))
	}
	if c.Batch.RateLimitPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("rate limit must be positive, got %v", c.Batch.RateLimitPerSecond))
	}
	if c.Batch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("batch timeout must be positive, got %s", c.Batch.Timeout))
	}
	if c.Batch.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.Batch.MaxRetries))
	}
	if c.Batch.BackoffInitial <= 0 || c.Batch.BackoffMax < c.Batch.BackoffInitial {
		errs = append(errs, fmt.Errorf("backoff bounds invalid: initial %s, max %s", c.Batch.BackoffInitial, c.Batch.BackoffMax))
	}
	if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, errors.New("breaker thresholds must be positive"))
	}
	if c.Breaker.OpenDuration <= 0 {
		errs = append(errs, fmt.Errorf("breaker open duration must be positive, got %s", c.Breaker.OpenDuration))
	}
	if c.Runner.MaxConsecutiveFailures <= 0 {
		errs = append(errs, fmt.Errorf("max consecutive failures must be positive, got %d", c.Runner.MaxConsecutiveFailures))
	}
	if c.Scheduler.Enabled && (c.Scheduler.BatchInterval <= 0 || c.Scheduler.RecoveryInterval <= 0) {
		errs = append(errs, errors.New("scheduler intervals must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("KAFKA_OUTCOME_TOPIC is required when KAFKA_BROKERS is set"))
	}
	return errors.Join(errs...)
}

type reader struct {
	errs []error
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) boolean(key string, def bool) bool {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) list(key string) []string {
	raw := r.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
