package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	AllocatorURL     string        `env:"ALLOCATOR_URL" envDefault:"http://localhost:8000"`
	AllocatorTimeout time.Duration `env:"ALLOCATOR_TIMEOUT" envDefault:"10s"`

	DispatchInterval     time.Duration `env:"DISPATCH_INTERVAL" envDefault:"1s"`
	IPReturnInterval     time.Duration `env:"IP_RETURN_INTERVAL" envDefault:"5s"`
	CancelInterval       time.Duration `env:"CANCEL_INTERVAL" envDefault:"2s"`
	QueueReaperInterval  time.Duration `env:"QUEUE_REAPER_INTERVAL" envDefault:"1s"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	LeaderLockKey        int64         `env:"LEADER_LOCK_KEY" envDefault:"42"`
	QueueName            string        `env:"QUEUE_NAME" envDefault:"sessions"`
	JobVisibilityTimeout time.Duration `env:"JOB_VISIBILITY_TIMEOUT" envDefault:"60s"`
	JobMaxAttempts       int           `env:"JOB_MAX_ATTEMPTS" envDefault:"5"`
	JobRetryDelay        time.Duration `env:"JOB_RETRY_DELAY" envDefault:"10s"`
	WorkerConcurrency    int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse env")
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate rejects settings that would stall or spin a loop.
func (c Config) Validate() error {
	intervals := map[string]time.Duration{
		"DISPATCH_INTERVAL":      c.DispatchInterval,
		"IP_RETURN_INTERVAL":     c.IPReturnInterval,
		"CANCEL_INTERVAL":        c.CancelInterval,
		"QUEUE_REAPER_INTERVAL":  c.QueueReaperInterval,
		"JOB_VISIBILITY_TIMEOUT": c.JobVisibilityTimeout,
	}
	for name, d := range intervals {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.JobMaxAttempts < 1 {
		return errors.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.JobMaxAttempts)
	}
	if c.WorkerConcurrency < 1 {
		return errors.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	return nil
}
