// Command auditconsumer materializes audit events from Kafka into the
// queryable audit_events table. It runs as its own deployment so a consumer
// backlog never competes with the API server for resources.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"labtrace/internal/audit"
	"labtrace/internal/audit/consume"
	"labtrace/internal/platform/config"
	"labtrace/internal/platform/logger"
)

const consumerGroup = "labtrace-audit-materializer"

func main() {
	if err := run(); err != nil {
		slog.Error("audit consumer exited", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.New()

	if cfg.DatabaseURL == "" {
		return errors.New("LABTRACE_DATABASE_URL is required")
	}
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("LABTRACE_KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	consumer, err := consume.New(cfg.KafkaBrokers, cfg.AuditTopic, consumerGroup, audit.NewPostgres(db), log)
	if err != nil {
		return err
	}

	log.Info("consuming audit events", "topic", cfg.AuditTopic, "group", consumerGroup)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
