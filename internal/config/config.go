// Package config loads the engine's settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/microbook/quote-engine/internal/exposure"
	"github.com/microbook/quote-engine/internal/ratelimit"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage. Empty DATABASE_URL selects the in-memory store.
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`

	KafkaBrokers   string `env:"KAFKA_BROKERS"` // comma-separated
	KafkaTopic     string `env:"KAFKA_TOPIC" envDefault:"sportsbook.events"`
	EventQueueSize int    `env:"EVENT_QUEUE_SIZE" envDefault:"1024"`

	// Quoting and risk.
	QuoteTTL          time.Duration      `env:"QUOTE_TTL" envDefault:"5m"`
	RateLimitWindow   time.Duration      `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	RateLimitCapacity int64              `env:"RATE_LIMIT_CAPACITY" envDefault:"10"`
	HouseEdge         float64            `env:"HOUSE_EDGE" envDefault:"0.02"`
	DefaultSideLimit  float64            `env:"DEFAULT_SIDE_LIMIT" envDefault:"10"`
	SideLimits        map[string]float64 `env:"SIDE_LIMITS" envDefault:"home:10,away:10,over:10,under:10" envKeyValSeparator:":"`
	MarketMaxStake    float64            `env:"MARKET_MAX_STAKE" envDefault:"1.0"`
	OddsJitter        float64            `env:"ODDS_JITTER" envDefault:"0"`
	SweepSchedule     string             `env:"SWEEP_SCHEDULE" envDefault:"@every 15s"`

	// External collaborators. Empty URLs select the simulated gateways.
	ChainRPCURL        string        `env:"CHAIN_RPC_URL"`
	ChainFrom          string        `env:"CHAIN_FROM_ADDRESS"`
	ContractAddress    string        `env:"MARKET_MANAGER_ADDRESS" envDefault:"0x0000000000000000000000000000000000000000"`
	ChainTimeout       time.Duration `env:"CHAIN_TIMEOUT" envDefault:"10s"`
	PaymentVerifierURL string        `env:"PAYMENT_VERIFIER_URL"`
	PaymentTimeout     time.Duration `env:"PAYMENT_TIMEOUT" envDefault:"2s"`
	OracleDefault      string        `env:"ORACLE_DEFAULT_RESULT"`
}

// Load reads .env (if present) and the environment, then validates.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.QuoteTTL < 0 {
		errs = append(errs, errors.New("QUOTE_TTL must not be negative"))
	}
	if c.RateLimitWindow <= 0 || c.RateLimitCapacity <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW and RATE_LIMIT_CAPACITY must be positive"))
	}
	if c.HouseEdge < 0 {
		errs = append(errs, errors.New("HOUSE_EDGE must not be negative"))
	}
	if c.DefaultSideLimit <= 0 {
		errs = append(errs, errors.New("DEFAULT_SIDE_LIMIT must be positive"))
	}
	for side, limit := range c.SideLimits {
		if limit <= 0 {
			errs = append(errs, fmt.Errorf("SIDE_LIMITS[%s] must be positive", side))
		}
	}
	if c.MarketMaxStake <= 0 {
		errs = append(errs, errors.New("MARKET_MAX_STAKE must be positive"))
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("SWEEP_SCHEDULE: %w", err))
	}
	if c.ChainRPCURL != "" && c.ChainFrom == "" {
		errs = append(errs, errors.New("CHAIN_FROM_ADDRESS is required with CHAIN_RPC_URL"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Limits returns the per-side exposure limits.
func (c *Config) Limits() exposure.Limits {
	perSide := make(map[string]decimal.Decimal, len(c.SideLimits))
	for side, l := range c.SideLimits {
		perSide[side] = decimal.NewFromFloat(l)
	}
	return exposure.NewLimits(decimal.NewFromFloat(c.DefaultSideLimit), perSide)
}

// RateLimit returns the limiter window settings.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{Window: c.RateLimitWindow, Capacity: c.RateLimitCapacity}
}

func (c *Config) Edge() decimal.Decimal     { return decimal.NewFromFloat(c.HouseEdge) }
func (c *Config) MaxStake() decimal.Decimal { return decimal.NewFromFloat(c.MarketMaxStake) }

// SlogLevel maps LOG_LEVEL to a slog level; unknown values mean info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
