package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config carries the runtime settings for the reconciliation server. Values
// come from the environment, optionally seeded from a .env file.
type Config struct {
	Port            string
	DatabaseURL     string // empty = in-memory store
	KafkaBrokers    []string
	BatchSize       int
	AmountTolerance decimal.Decimal // relative near-amount band
}

func Load() Config {
	// A missing .env file is fine; plain environment variables still apply.
	_ = godotenv.Load()

	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		BatchSize:       getEnvInt("RECONCILE_BATCH_SIZE", 100),
		AmountTolerance: getEnvDecimal("AMOUNT_TOLERANCE", decimal.New(3, -2)),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil && d.IsPositive() {
			return d
		}
	}
	return fallback
}
