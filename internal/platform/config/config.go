// Package config loads service configuration from the environment. Values
// have development defaults; production deployments set everything
// explicitly.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr string

	// DatabaseURL is the Postgres DSN. Empty selects the in-memory stores,
	// which is only useful for local development.
	DatabaseURL string

	// RedisAddr backs the sample-code sequence allocator. Empty disables
	// Redis; codes fall back to timestamp suffixes.
	RedisAddr     string
	RedisPassword string

	// KafkaBrokers feed the audit outbox dispatcher. Empty disables
	// dispatching; events stay in the outbox.
	KafkaBrokers []string
	AuditTopic   string

	// JWTSecret verifies inbound access tokens.
	JWTSecret string

	// AuditBuffer sizes the async audit sink queue.
	AuditBuffer int
	// NotifyBuffer sizes the notification dispatch queue.
	NotifyBuffer int

	// DispatchInterval is the outbox drain cadence.
	DispatchInterval time.Duration

	ShutdownTimeout time.Duration
}

func FromEnv() Config {
	return Config{
		Addr:             getEnv("LABTRACE_ADDR", ":8080"),
		DatabaseURL:      os.Getenv("LABTRACE_DATABASE_URL"),
		RedisAddr:        os.Getenv("LABTRACE_REDIS_ADDR"),
		RedisPassword:    os.Getenv("LABTRACE_REDIS_PASSWORD"),
		KafkaBrokers:     splitList(os.Getenv("LABTRACE_KAFKA_BROKERS")),
		AuditTopic:       getEnv("LABTRACE_AUDIT_TOPIC", "labtrace.audit.events"),
		JWTSecret:        os.Getenv("LABTRACE_JWT_SECRET"),
		AuditBuffer:      getEnvInt("LABTRACE_AUDIT_BUFFER", 1024),
		NotifyBuffer:     getEnvInt("LABTRACE_NOTIFY_BUFFER", 256),
		DispatchInterval: getEnvDuration("LABTRACE_DISPATCH_INTERVAL", 2*time.Second),
		ShutdownTimeout:  getEnvDuration("LABTRACE_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
