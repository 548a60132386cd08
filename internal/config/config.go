package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr  string `env:"INBOXFLOW_ADDR" envDefault:":8080"`
	Debug bool   `env:"INBOXFLOW_DEBUG" envDefault:"false"`

	DBDriver    string `env:"INBOXFLOW_DB_DRIVER" envDefault:"sqlite"`
	DBPath      string `env:"INBOXFLOW_DB" envDefault:"inboxflow.db"`
	PostgresDSN string `env:"INBOXFLOW_POSTGRES_DSN"`

	RedisAddr     string `env:"INBOXFLOW_REDIS_ADDR"`
	RedisPassword string `env:"INBOXFLOW_REDIS_PASSWORD"`

	DedupWindow     time.Duration `env:"INBOXFLOW_DEDUP_WINDOW" envDefault:"10s"`
	DedupBodyPrefix int           `env:"INBOXFLOW_DEDUP_BODY_PREFIX" envDefault:"512"`
	DedupMaxEntries int           `env:"INBOXFLOW_DEDUP_MAX_ENTRIES" envDefault:"100000"`

	// JobDelay paces extraction calls per tenant. It is a throughput knob;
	// mutual exclusion comes from the tenant lock alone.
	JobDelay       time.Duration `env:"INBOXFLOW_JOB_DELAY" envDefault:"5s"`
	MaxRetries     int           `env:"INBOXFLOW_MAX_RETRIES" envDefault:"3"`
	CreateAttempts int           `env:"INBOXFLOW_CREATE_ATTEMPTS" envDefault:"3"`
	CreateBackoff  time.Duration `env:"INBOXFLOW_CREATE_BACKOFF" envDefault:"1s"`
	ExtractTimeout time.Duration `env:"INBOXFLOW_EXTRACT_TIMEOUT" envDefault:"60s"`
	PersistTimeout time.Duration `env:"INBOXFLOW_PERSIST_TIMEOUT" envDefault:"10s"`

	SweepEvery time.Duration `env:"INBOXFLOW_SWEEP_EVERY" envDefault:"1m"`
	IdleTTL    time.Duration `env:"INBOXFLOW_IDLE_TTL" envDefault:"30m"`

	Extractor        string `env:"INBOXFLOW_EXTRACTOR" envDefault:"rules"`
	ExtractorURL     string `env:"INBOXFLOW_EXTRACTOR_URL"`
	ExtractorCommand string `env:"INBOXFLOW_EXTRACTOR_COMMAND"`

	LogLevel  string `env:"INBOXFLOW_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"INBOXFLOW_LOG_FORMAT" envDefault:"console"`
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("INBOXFLOW_DB is required for sqlite")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("INBOXFLOW_POSTGRES_DSN is required for postgres")
		}
	default:
		return fmt.Errorf("unknown db driver %q", c.DBDriver)
	}
	switch c.Extractor {
	case "rules":
	case "http":
		if c.ExtractorURL == "" {
			return fmt.Errorf("INBOXFLOW_EXTRACTOR_URL is required for the http extractor")
		}
	case "command":
		if c.ExtractorCommand == "" {
			return fmt.Errorf("INBOXFLOW_EXTRACTOR_COMMAND is required for the command extractor")
		}
	default:
		return fmt.Errorf("unknown extractor %q", c.Extractor)
	}
	for name, d := range map[string]time.Duration{
		"dedup window":    c.DedupWindow,
		"extract timeout": c.ExtractTimeout,
		"persist timeout": c.PersistTimeout,
		"sweep interval":  c.SweepEvery,
		"idle ttl":        c.IdleTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.JobDelay < 0 || c.CreateBackoff < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if c.CreateAttempts < 1 {
		return fmt.Errorf("create attempts must be at least 1")
	}
	if c.DedupBodyPrefix < 1 {
		return fmt.Errorf("dedup body prefix must be at least 1")
	}
	return nil
}
