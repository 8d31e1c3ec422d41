// Package config loads server settings from defaults, an optional .env
// file and the environment, in increasing priority.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// DefaultEventSlugs are the Polymarket events priced when
// GAMMA_EVENT_SLUGS is unset.
var DefaultEventSlugs = []string{
	"super-bowl-champion-2026-731",
	"super-bowl-lx-mvp",
	"super-bowl-lx-coin-toss",
	"super-bowl-lx-gatorade-shower-color",
	"super-bowl-lx-overtime",
	"super-bowl-lx-winning-seed",
	"super-bowl-lx-exact-outcome",
}

type Server struct {
	Port            string
	ShutdownTimeout time.Duration
}

// Storage selects the ledger backend: Postgres when DatabaseURL is set,
// else Pebble when PebblePath is set, else memory. RedisURL adds a
// read-through cache in front of either durable backend and shares price
// snapshots.
type Storage struct {
	DatabaseURL string
	PebblePath  string
	RedisURL    string
	CacheTTL    time.Duration
}

type Kafka struct {
	Brokers []string
	Topic   string
}

type Prices struct {
	GammaURL   string
	EventSlugs []string
	CacheTTL   time.Duration
}

type Engine struct {
	PollInterval time.Duration
	Workers      int
}

// Limits caps shares per target and per underlying market. Zero disables.
type Limits struct {
	MaxPerTarget  decimal.Decimal
	MaxCorrelated decimal.Decimal
}

type Config struct {
	Server  Server
	Storage Storage
	Kafka   Kafka
	Prices  Prices
	Engine  Engine
	Limits  Limits
}

func Default() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: Storage{
			CacheTTL: 30 * time.Second,
		},
		Kafka: Kafka{
			Topic: "paperx.order-events",
		},
		Prices: Prices{
			GammaURL:   "https://gamma-api.polymarket.com",
			EventSlugs: DefaultEventSlugs,
			CacheTTL:   2 * time.Second,
		},
		Engine: Engine{
			PollInterval: 5 * time.Second,
			Workers:      4,
		},
		Limits: Limits{
			MaxPerTarget:  decimal.NewFromInt(1000),
			MaxCorrelated: decimal.NewFromInt(5000),
		},
	}
}

// Load reads envPath (or ./.env when empty) if it exists, then applies
// environment overrides. Malformed numbers keep the default.
func Load(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)

	cfg.Storage.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.Storage.PebblePath = os.Getenv("PEBBLE_PATH")
	cfg.Storage.RedisURL = os.Getenv("REDIS_URL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Prices.GammaURL = getEnv("GAMMA_BASE_URL", cfg.Prices.GammaURL)
	if slugs := os.Getenv("GAMMA_EVENT_SLUGS"); slugs != "" {
		cfg.Prices.EventSlugs = splitList(slugs)
	}
	cfg.Prices.CacheTTL = getMillis("PRICE_CACHE_TTL_MS", cfg.Prices.CacheTTL)

	cfg.Engine.PollInterval = getMillis("POLL_INTERVAL_MS", cfg.Engine.PollInterval)
	if n, err := strconv.Atoi(os.Getenv("FILL_WORKERS")); err == nil && n > 0 {
		cfg.Engine.Workers = n
	}

	cfg.Limits.MaxPerTarget = getDecimal("MAX_SHARES_PER_TARGET", cfg.Limits.MaxPerTarget)
	cfg.Limits.MaxCorrelated = getDecimal("MAX_CORRELATED_SHARES", cfg.Limits.MaxCorrelated)

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if v, err := decimal.NewFromString(os.Getenv(key)); err == nil && !v.IsNegative() {
		return v
	}
	return defaultValue
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
