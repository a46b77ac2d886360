// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all runtime settings. Pricing settings and selling limit
// rules are data in the store, not configuration.
type Config struct {
	Port string

	DatabaseURL   string
	RedisURL      string
	RedisCacheTTL time.Duration

	KafkaBrokers         []string
	KafkaSettlementTopic string

	PricingTick    time.Duration
	SettlementTick time.Duration
	PricingWorkers int
	OrderTTL       time.Duration

	SubmitRatePerSec float64
	SubmitBurst      int

	LockTTL time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("REDIS_CACHE_TTL", "30s")
	v.SetDefault("KAFKA_SETTLEMENT_TOPIC", "share-settlements")
	v.SetDefault("PRICING_TICK", "15m")
	v.SetDefault("SETTLEMENT_TICK", "1m")
	v.SetDefault("PRICING_WORKERS", 4)
	v.SetDefault("ORDER_TTL", "720h")
	v.SetDefault("SUBMIT_RATE_PER_SEC", 5)
	v.SetDefault("SUBMIT_BURST", 10)
	v.SetDefault("LOCK_TTL", "30s")
}

// Load reads .env (if present) into the process environment, then builds a
// Config from environment variables and defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}
	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "KAFKA_BROKERS"} {
		_ = v.BindEnv(key)
	}
	return v
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                 v.GetString("PORT"),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		RedisURL:             v.GetString("REDIS_URL"),
		RedisCacheTTL:        v.GetDuration("REDIS_CACHE_TTL"),
		KafkaBrokers:         splitList(v.GetString("KAFKA_BROKERS")),
		KafkaSettlementTopic: v.GetString("KAFKA_SETTLEMENT_TOPIC"),
		PricingTick:          v.GetDuration("PRICING_TICK"),
		SettlementTick:       v.GetDuration("SETTLEMENT_TICK"),
		PricingWorkers:       v.GetInt("PRICING_WORKERS"),
		OrderTTL:             v.GetDuration("ORDER_TTL"),
		SubmitRatePerSec:     v.GetFloat64("SUBMIT_RATE_PER_SEC"),
		SubmitBurst:          v.GetInt("SUBMIT_BURST"),
		LockTTL:              v.GetDuration("LOCK_TTL"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is empty"))
	}
	for name, d := range map[string]time.Duration{
		"PRICING_TICK":    c.PricingTick,
		"SETTLEMENT_TICK": c.SettlementTick,
		"ORDER_TTL":       c.OrderTTL,
		"LOCK_TTL":        c.LockTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %s", name, d))
		}
	}
	if c.PricingWorkers < 1 {
		errs = append(errs, fmt.Errorf("PRICING_WORKERS must be at least 1, got %d", c.PricingWorkers))
	}
	if c.SubmitRatePerSec <= 0 || c.SubmitBurst < 1 {
		errs = append(errs, fmt.Errorf("submission rate %g/s burst %d must be positive", c.SubmitRatePerSec, c.SubmitBurst))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaSettlementTopic == "" {
		errs = append(errs, errors.New("KAFKA_SETTLEMENT_TOPIC is empty"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
