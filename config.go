package conveyor

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Broker selects which binding the worker binary runs against.
type Broker string

const (
	BrokerRedis Broker = "redis"
	BrokerNATS  Broker = "nats"
)

// Config holds the environment-driven settings for a worker process.
// Durations arrive as bare millisecond integers (the *_MS keys) and are
// exposed through accessor methods. A worker started with only
// WORKER_QUEUE set gets sane behaviour everywhere else.
type Config struct {
	Broker Broker `env:"WORKER_BROKER" envDefault:"redis"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	NATSURL       string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	Queue         string `env:"WORKER_QUEUE,notEmpty"`
	ConsumerGroup string `env:"WORKER_CONSUMER_GROUP"`
	DLQ           string `env:"WORKER_DLQ"`
	MaxLength     int64  `env:"WORKER_MAX_LENGTH" envDefault:"100000"`
	DLQMaxLength  int64  `env:"WORKER_DLQ_MAX_LENGTH" envDefault:"10000"`

	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"16"`
	FetchBatch  int `env:"WORKER_FETCH_BATCH" envDefault:"8"`

	VisibilityTimeoutMS int64 `env:"WORKER_VISIBILITY_TIMEOUT_MS" envDefault:"30000"`
	ShutdownTimeoutMS   int64 `env:"WORKER_SHUTDOWN_TIMEOUT_MS" envDefault:"30000"`

	MaxRetries    int     `env:"WORKER_MAX_RETRIES" envDefault:"3"`
	BackoffKind   string  `env:"WORKER_BACKOFF_KIND" envDefault:"exponential"`
	BackoffBaseMS int64   `env:"WORKER_BACKOFF_BASE_MS" envDefault:"1000"`
	BackoffFactor float64 `env:"WORKER_BACKOFF_FACTOR" envDefault:"2.0"`
	BackoffCapMS  int64   `env:"WORKER_BACKOFF_CAP_MS" envDefault:"60000"`
	BackoffJitter float64 `env:"WORKER_BACKOFF_JITTER" envDefault:"0.1"`

	CBFailureThreshold int   `env:"WORKER_CB_FAILURE_THRESHOLD" envDefault:"10"`
	CBWindowMS         int64 `env:"WORKER_CB_WINDOW_MS" envDefault:"60000"`
	CBOpenMS           int64 `env:"WORKER_CB_OPEN_MS" envDefault:"15000"`
	CBHalfOpenSuccess  int   `env:"WORKER_CB_HALFOPEN_SUCCESSES" envDefault:"3"`

	RateLimitRPS   float64 `env:"WORKER_RATE_LIMIT_RPS" envDefault:"0"`
	RateLimitBurst int     `env:"WORKER_RATE_LIMIT_BURST" envDefault:"1"`

	DedupWindowMS int64 `env:"WORKER_DEDUP_WINDOW_MS" envDefault:"120000"`

	HealthBind  string `env:"HEALTH_BIND" envDefault:":8081"`
	MetricsBind string `env:"METRICS_BIND" envDefault:":9090"`
}

// Load parses the environment into a Config, applies derived defaults,
// and validates it.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = c.Queue + "-workers"
	}
	if c.DLQ == "" {
		c.DLQ = c.Queue + ":dlq"
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks constraints that env tags cannot express.
func (c Config) Validate() error {
	switch c.Broker {
	case BrokerRedis, BrokerNATS:
	default:
		return fmt.Errorf("%w: unknown broker %q", ErrConfigInvalid, c.Broker)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be >= 1, got %d", ErrConfigInvalid, c.Concurrency)
	}
	if c.FetchBatch < 1 {
		return fmt.Errorf("%w: fetch batch must be >= 1, got %d", ErrConfigInvalid, c.FetchBatch)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must be >= 0, got %d", ErrConfigInvalid, c.MaxRetries)
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 0.5 {
		return fmt.Errorf("%w: backoff jitter must be in [0, 0.5], got %g", ErrConfigInvalid, c.BackoffJitter)
	}
	if c.VisibilityTimeoutMS <= 0 {
		return fmt.Errorf("%w: visibility timeout must be positive", ErrConfigInvalid)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("%w: rate limit must be >= 0, got %g", ErrConfigInvalid, c.RateLimitRPS)
	}
	return nil
}

// VisibilityTimeout returns WORKER_VISIBILITY_TIMEOUT_MS as a duration.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.VisibilityTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns WORKER_SHUTDOWN_TIMEOUT_MS as a duration.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

// BackoffBase returns WORKER_BACKOFF_BASE_MS as a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffCap returns WORKER_BACKOFF_CAP_MS as a duration.
func (c Config) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMS) * time.Millisecond
}

// CBWindow returns WORKER_CB_WINDOW_MS as a duration.
func (c Config) CBWindow() time.Duration {
	return time.Duration(c.CBWindowMS) * time.Millisecond
}

// CBOpenFor returns WORKER_CB_OPEN_MS as a duration.
func (c Config) CBOpenFor() time.Duration {
	return time.Duration(c.CBOpenMS) * time.Millisecond
}

// DedupWindow returns WORKER_DEDUP_WINDOW_MS as a duration.
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMS) * time.Millisecond
}
