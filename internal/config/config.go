package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the debug API process's environment, combining spec.md §6's
// invocation engine knobs with the ambient server/storage configuration
// cmd/api needs to stand the HTTP surface up.
type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database (cost ledger + API client registry)
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`

	// Redis (idempotency cache + distributed rate limit)
	RedisURL string `envconfig:"REDIS_URL" default:""`

	// localdriver wiring
	ChildBinPath string `envconfig:"CHILD_BIN_PATH" required:"true"`
	NATSURL      string `envconfig:"NATS_URL" default:""`
	ModulePath   string `envconfig:"MODULE_PATH" required:"true"`

	// Invocation engine (spec.md §6)
	Concurrency               int           `envconfig:"CONCURRENCY" default:"100"`
	Mode                      string        `envconfig:"MODE" default:"auto"`
	TimeoutSeconds            time.Duration `envconfig:"TIMEOUT_SECONDS" default:"60s"`
	GC                        bool          `envconfig:"GC" default:"true"`
	RetentionInDays           int           `envconfig:"RETENTION_IN_DAYS" default:"1"`
	MaxRetries                int           `envconfig:"MAX_RETRIES" default:"2"`
	SpeculativeRetryThreshold float64       `envconfig:"SPECULATIVE_RETRY_THRESHOLD" default:"3"`

	// Cache
	CacheDir string `envconfig:"CACHE_DIR" default:""`

	// Observability
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
