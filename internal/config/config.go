package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN        string  `env:"DATABASE_DSN,required=true"`
	RedisURL           string  `env:"REDIS_URL,required=true"`
	ReportAPIURL       string  `env:"REPORT_API_URL,required=true"`
	ReportAPIKey       string  `env:"REPORT_API_KEY,default="`
	APIPort            int     `env:"API_PORT,default=8080"`
	LogLevel           string  `env:"LOG_LEVEL,default=info"`
	DefaultConcurrency int     `env:"DEFAULT_CONCURRENCY,default=5"`
	ItemTimeoutSec     int     `env:"ITEM_TIMEOUT_SEC,default=30"`
	ProviderRatePerSec int     `env:"PROVIDER_RATE_PER_SEC,default=50"`
	DailyBudget        float64 `env:"DAILY_BUDGET,default=500"`
	ThrottleIntervalMS int     `env:"PROGRESS_THROTTLE_MS,default=2000"`
	StaleSubMaxAgeMin  int     `env:"STALE_SUBSCRIPTION_MAX_AGE_MIN,default=60"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.ItemTimeoutSec) * time.Second
}

func (c *Config) ThrottleInterval() time.Duration {
	return time.Duration(c.ThrottleIntervalMS) * time.Millisecond
}

func (c *Config) StaleSubscriptionMaxAge() time.Duration {
	return time.Duration(c.StaleSubMaxAgeMin) * time.Minute
}
