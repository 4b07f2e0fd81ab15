package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"labtrace/internal/nonconformity/models"
	id "labtrace/pkg/domain"
	"labtrace/pkg/platform/sentinel"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

// NextCode allocates the next NC-YYYY-NNNN code through an upsert on the
// per-organization, per-year counter row. The RETURNING clause makes the
// increment and the read one atomic statement, so concurrent allocations
// never hand out the same number.
func (s *PostgresStore) NextCode(ctx context.Context, orgID id.OrganizationID, at time.Time) (string, error) {
	year := at.UTC().Year()
	query := `
		INSERT INTO nc_code_sequences (organization_id, year, counter)
		VALUES ($1, $2, 1)
		ON CONFLICT (organization_id, year)
		DO UPDATE SET counter = nc_code_sequences.counter + 1
		RETURNING counter
	`
	var counter int
	if err := s.db.QueryRowContext(ctx, query, uuid.UUID(orgID), year).Scan(&counter); err != nil {
		return "", fmt.Errorf("allocate nc code: %w", err)
	}
	return fmt.Sprintf("NC-%d-%04d", year, counter), nil
}

func (s *PostgresStore) Insert(ctx context.Context, nc *models.NonConformity) error {
	query := `
		INSERT INTO nonconformities (
			id, code, title, description, severity, type, status,
			organization_id, plant_id, sample_id, analysis_id,
			created_by, created_by_role, resolution_notes, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	var sampleRef any
	if !nc.SampleID.IsNil() {
		sampleRef = uuid.UUID(nc.SampleID)
	}
	var analysisRef any
	if !nc.AnalysisID.IsNil() {
		analysisRef = uuid.UUID(nc.AnalysisID)
	}
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(nc.ID), nc.Code, nc.Title, nc.Description,
		string(nc.Severity), string(nc.Type), string(nc.Status),
		uuid.UUID(nc.OrganizationID), uuid.UUID(nc.PlantID),
		sampleRef, analysisRef,
		uuid.UUID(nc.CreatedBy), nc.CreatedByRole, nc.ResolutionNotes,
		nc.CreatedAt, nc.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("nc code %q: %w", nc.Code, sentinel.ErrDuplicate)
		}
		return fmt.Errorf("insert nonconformity: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, code, title, description, severity, type, status,
	       organization_id, plant_id, sample_id, analysis_id,
	       created_by, created_by_role, closed_by, closed_at,
	       resolution_notes, created_at, updated_at
`

func (s *PostgresStore) FindByID(ctx context.Context, orgID id.OrganizationID, ncID id.NonConformityID) (*models.NonConformity, error) {
	query := selectColumns + `
		FROM nonconformities
		WHERE id = $1 AND organization_id = $2
	`
	nc, err := scanNC(s.db.QueryRowContext(ctx, query, uuid.UUID(ncID), uuid.UUID(orgID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find nonconformity: %w", err)
	}
	return nc, nil
}

func (s *PostgresStore) ListBySample(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) ([]*models.NonConformity, error) {
	query := selectColumns + `
		FROM nonconformities
		WHERE sample_id = $1 AND organization_id = $2
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(sampleID), uuid.UUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("list nonconformities: %w", err)
	}
	defer rows.Close()

	var out []*models.NonConformity
	for rows.Next() {
		nc, err := scanNC(rows)
		if err != nil {
			return nil, fmt.Errorf("scan nonconformity: %w", err)
		}
		out = append(out, nc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list nonconformities rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, orgID id.OrganizationID, ncID id.NonConformityID, from, to models.Status, now time.Time) (bool, error) {
	query := `
		UPDATE nonconformities
		SET status = $1, updated_at = $2
		WHERE id = $3 AND organization_id = $4 AND status = $5
	`
	result, err := s.db.ExecContext(ctx, query,
		string(to), now, uuid.UUID(ncID), uuid.UUID(orgID), string(from))
	if err != nil {
		return false, fmt.Errorf("update nc status: %w", err)
	}
	return affected(result)
}

func (s *PostgresStore) ApplyClosure(ctx context.Context, orgID id.OrganizationID, ncID id.NonConformityID, from models.Status, closer id.UserID, resolution string, now time.Time) (bool, error) {
	query := `
		UPDATE nonconformities
		SET status = 'closed', closed_by = $1, closed_at = $2,
		    resolution_notes = $3, updated_at = $2
		WHERE id = $4 AND organization_id = $5 AND status = $6
	`
	result, err := s.db.ExecContext(ctx, query,
		uuid.UUID(closer), now, resolution,
		uuid.UUID(ncID), uuid.UUID(orgID), string(from))
	if err != nil {
		return false, fmt.Errorf("close nonconformity: %w", err)
	}
	return affected(result)
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNC(row rowScanner) (*models.NonConformity, error) {
	var (
		nc         models.NonConformity
		ncUUID     uuid.UUID
		severity   string
		ncType     string
		status     string
		orgUUID    uuid.UUID
		plantUUID  uuid.UUID
		sampleRef  sql.Null[uuid.UUID]
		analysis   sql.Null[uuid.UUID]
		createdBy  uuid.UUID
		closedBy   sql.Null[uuid.UUID]
		resolution sql.NullString
	)
	err := row.Scan(
		&ncUUID, &nc.Code, &nc.Title, &nc.Description, &severity, &ncType, &status,
		&orgUUID, &plantUUID, &sampleRef, &analysis,
		&createdBy, &nc.CreatedByRole, &closedBy, &nc.ClosedAt,
		&resolution, &nc.CreatedAt, &nc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	nc.ID = id.NonConformityID(ncUUID)
	nc.Severity = models.Severity(severity)
	nc.Type = models.Type(ncType)
	nc.Status = models.Status(status)
	nc.OrganizationID = id.OrganizationID(orgUUID)
	nc.PlantID = id.PlantID(plantUUID)
	if sampleRef.Valid {
		nc.SampleID = id.SampleID(sampleRef.V)
	}
	if analysis.Valid {
		nc.AnalysisID = id.AnalysisID(analysis.V)
	}
	nc.CreatedBy = id.UserID(createdBy)
	if closedBy.Valid {
		nc.ClosedBy = id.UserID(closedBy.V)
	}
	nc.ResolutionNotes = resolution.String
	return &nc, nil
}
