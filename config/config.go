/*
Package config loads server settings from the environment.

PURPOSE:
  One place that knows every setting the server reads, its environment
  key and its default. Command-line flags in cmd/server override the
  loaded values.

SOURCES (later wins):
  1. Defaults below
  2. .env file in the working directory (optional, via godotenv)
  3. Process environment
  4. Flags (applied by the caller)

KEYS:
  PORT                      HTTP port                       (8080)
  DB_PATH                   SQLite path or ":memory:"      (billing.db)
  CORS_ORIGINS              Comma-separated origins         (localhost dev)
  SCHEDULER_ENABLED         Run cron jobs                   (true)
  RECONCILE_SCHEDULE        Cron spec for reconciliation    (0 2 * * *)
  OVERDUE_SCHEDULE          Cron spec for overdue pass      (30 2 * * *)
  RECONCILE_WORKERS         Parallel contracts              (4)
  FINE_PERCENT              Late fine, once                 (2)
  MONTHLY_INTEREST_PERCENT  Late interest per 30 days       (1)
*/
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port           int
	DBPath         string
	CORSOrigins    []string
	SchedulerOn    bool
	ReconcileSpec  string
	OverdueSpec    string
	Workers        int
	FinePercent    decimal.Decimal
	MonthlyPercent decimal.Decimal
}

// Load reads .env (if present) and the environment. envFiles overrides the
// default ".env" lookup.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		log.Println("[Config] No .env file found, using process environment")
	}

	cfg := &Config{
		DBPath:        GetEnv("DB_PATH", "billing.db"),
		CORSOrigins:   splitList(GetEnv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")),
		ReconcileSpec: GetEnv("RECONCILE_SCHEDULE", "0 2 * * *"),
		OverdueSpec:   GetEnv("OVERDUE_SCHEDULE", "30 2 * * *"),
	}

	var err error
	if cfg.Port, err = intEnv("PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.Workers, err = intEnv("RECONCILE_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("RECONCILE_WORKERS must be at least 1, got %d", cfg.Workers)
	}
	if cfg.SchedulerOn, err = boolEnv("SCHEDULER_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.FinePercent, err = percentEnv("FINE_PERCENT", "2"); err != nil {
		return nil, err
	}
	if cfg.MonthlyPercent, err = percentEnv("MONTHLY_INTEREST_PERCENT", "1"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetEnv returns the variable, or the first default when it is unset.
func GetEnv(key string, defaultValue ...string) string {
	value, exists := os.LookupEnv(key)
	if !exists && len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return value
}

func intEnv(key string, def int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func percentEnv(key, def string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(GetEnv(key, def))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("%s must be between 0 and 100, got %s", key, d)
	}
	return d, nil
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
