//go:build integration

package containers

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// schema is the minimal DDL the stores depend on. Kept inline so integration
// tests never depend on an external migration runner being present.
const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id UUID PRIMARY KEY,
	code TEXT NOT NULL,
	status TEXT NOT NULL,
	sample_type_id UUID NOT NULL,
	organization_id UUID NOT NULL,
	plant_id UUID NOT NULL,
	production_batch_id UUID,
	intermediate_product_id UUID,
	sampling_point_id UUID,
	collected_by UUID NOT NULL,
	collected_at TIMESTAMPTZ,
	reviewed_by UUID,
	reviewed_at TIMESTAMPTZ,
	released_by UUID,
	released_at TIMESTAMPTZ,
	release_notes TEXT,
	notes TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS samples_org_code
	ON samples (organization_id, LOWER(code));

CREATE TABLE IF NOT EXISTS lab_analyses (
	id UUID PRIMARY KEY,
	sample_id UUID NOT NULL,
	parameter_id UUID NOT NULL,
	parameter_name TEXT NOT NULL DEFAULT '',
	organization_id UUID NOT NULL,
	plant_id UUID NOT NULL,
	status TEXT NOT NULL,
	value_numeric DOUBLE PRECISION,
	value_text TEXT,
	conforming BOOLEAN,
	critical BOOLEAN NOT NULL DEFAULT FALSE,
	valid BOOLEAN NOT NULL DEFAULT TRUE,
	notes TEXT,
	is_retest BOOLEAN NOT NULL DEFAULT FALSE,
	supersedes_id UUID,
	retest_reason TEXT,
	analyzed_by UUID,
	analyzed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS lab_analyses_sample
	ON lab_analyses (organization_id, sample_id);

CREATE TABLE IF NOT EXISTS nonconformities (
	id UUID PRIMARY KEY,
	code TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	severity TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	organization_id UUID NOT NULL,
	plant_id UUID NOT NULL,
	sample_id UUID,
	analysis_id UUID,
	created_by UUID NOT NULL,
	created_by_role TEXT NOT NULL,
	closed_by UUID,
	closed_at TIMESTAMPTZ,
	resolution_notes TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS nonconformities_org_code
	ON nonconformities (organization_id, code);

CREATE TABLE IF NOT EXISTS nc_code_sequences (
	organization_id UUID NOT NULL,
	year INT NOT NULL,
	counter INT NOT NULL,
	PRIMARY KEY (organization_id, year)
);

CREATE TABLE IF NOT EXISTS audit_outbox (
	id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	dispatched_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_events (
	id UUID PRIMARY KEY,
	category TEXT NOT NULL,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	payload JSONB,
	organization_id UUID NOT NULL,
	plant_id UUID,
	actor_id UUID NOT NULL,
	actor_role TEXT,
	correlation_id TEXT,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	organization_id UUID NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresContainer wraps a testcontainers Postgres instance with the schema
// already applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts a Postgres container and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("labtrace_test"),
		tcpostgres.WithUsername("labtrace"),
		tcpostgres.WithPassword("labtrace"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres connection: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to ping postgres: %v", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	return &PostgresContainer{
		Container: container,
		DSN:       dsn,
		DB:        db,
	}
}

// TruncateTables empties the given tables. Use between tests to ensure
// isolation.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		tables = []string{
			"samples", "lab_analyses", "nonconformities", "nc_code_sequences",
			"audit_outbox", "audit_events", "users",
		}
	}
	_, err := p.DB.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", "))
	return err
}
