package analysis

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"labtrace/internal/sample/models"
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

const insertQuery = `
	INSERT INTO lab_analyses (
		id, sample_id, parameter_id, parameter_name, organization_id, plant_id,
		status, value_numeric, value_text, conforming, critical, valid, notes,
		is_retest, supersedes_id, retest_reason,
		analyzed_by, analyzed_at, created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
`

func (s *PostgresStore) Insert(ctx context.Context, analysis *models.LabAnalysis) error {
	if err := insertOne(ctx, s.db, analysis); err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// InsertBatch inserts all rows in one transaction so a sample never ends up
// with a partial analysis plan.
func (s *PostgresStore) InsertBatch(ctx context.Context, analyses []*models.LabAnalysis) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, a := range analyses {
		if err := insertOne(ctx, tx, a); err != nil {
			return fmt.Errorf("insert analysis batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertOne(ctx context.Context, db execer, a *models.LabAnalysis) error {
	var analyzedBy any
	if !a.AnalyzedBy.IsNil() {
		analyzedBy = uuid.UUID(a.AnalyzedBy)
	}
	var supersedes any
	if !a.SupersedesID.IsNil() {
		supersedes = uuid.UUID(a.SupersedesID)
	}
	_, err := db.ExecContext(ctx, insertQuery,
		uuid.UUID(a.ID),
		uuid.UUID(a.SampleID),
		uuid.UUID(a.ParameterID),
		a.ParameterName,
		uuid.UUID(a.OrganizationID),
		uuid.UUID(a.PlantID),
		string(a.Status),
		a.ValueNumeric,
		a.ValueText,
		a.Conforming,
		a.Critical,
		a.Valid,
		a.Notes,
		a.IsRetest,
		supersedes,
		nullString(a.RetestReason),
		analyzedBy,
		a.AnalyzedAt,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return sentinel.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID) (*models.LabAnalysis, error) {
	query := selectColumns + `
		FROM lab_analyses
		WHERE id = $1 AND organization_id = $2
	`
	a, err := scanAnalysis(s.db.QueryRowContext(ctx, query, uuid.UUID(analysisID), uuid.UUID(orgID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find analysis: %w", err)
	}
	return a, nil
}

// ListBySample returns the valid analyses for a sample; invalidated rows are
// excluded from completeness counting.
func (s *PostgresStore) ListBySample(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) ([]*models.LabAnalysis, error) {
	query := selectColumns + `
		FROM lab_analyses
		WHERE sample_id = $1 AND organization_id = $2 AND valid = TRUE
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, uuid.UUID(sampleID), uuid.UUID(orgID))
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []*models.LabAnalysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list analyses rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID, from, to models.AnalysisStatus, now time.Time) (bool, error) {
	query := `
		UPDATE lab_analyses
		SET status = $1, updated_at = $2
		WHERE id = $3 AND organization_id = $4 AND status = $5 AND valid = TRUE
	`
	result, err := s.db.ExecContext(ctx, query,
		string(to), now, uuid.UUID(analysisID), uuid.UUID(orgID), string(from))
	if err != nil {
		return false, fmt.Errorf("update analysis status: %w", err)
	}
	return affected(result)
}

// ApplyResult writes the measured value and verdict with the completed status
// in one statement; the expected prior status is the CAS predicate.
func (s *PostgresStore) ApplyResult(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID, from models.AnalysisStatus, result models.AnalysisResult, now time.Time) (bool, error) {
	query := `
		UPDATE lab_analyses
		SET status = 'completed',
		    value_numeric = $1,
		    value_text = $2,
		    conforming = $3,
		    critical = $4,
		    notes = $5,
		    analyzed_by = $6,
		    analyzed_at = $7,
		    updated_at = $7
		WHERE id = $8 AND organization_id = $9 AND status = $10 AND valid = TRUE
	`
	res, err := s.db.ExecContext(ctx, query,
		result.ValueNumeric, result.ValueText, result.Conforming, result.Critical, result.Notes,
		uuid.UUID(result.AnalyzedBy), now,
		uuid.UUID(analysisID), uuid.UUID(orgID), string(from))
	if err != nil {
		return false, fmt.Errorf("apply analysis result: %w", err)
	}
	return affected(res)
}

// Invalidate flips a completed row to invalidated and records the reason.
func (s *PostgresStore) Invalidate(ctx context.Context, orgID id.OrganizationID, analysisID id.AnalysisID, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE lab_analyses
		SET status = 'invalidated', valid = FALSE, retest_reason = $1, updated_at = $2
		WHERE id = $3 AND organization_id = $4 AND status = 'completed' AND valid = TRUE
	`
	res, err := s.db.ExecContext(ctx, query,
		reason, now, uuid.UUID(analysisID), uuid.UUID(orgID))
	if err != nil {
		return false, fmt.Errorf("invalidate analysis: %w", err)
	}
	return affected(res)
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const selectColumns = `
	SELECT id, sample_id, parameter_id, parameter_name, organization_id, plant_id,
	       status, value_numeric, value_text, conforming, critical, valid, notes,
	       is_retest, supersedes_id, retest_reason,
	       analyzed_by, analyzed_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*models.LabAnalysis, error) {
	var (
		a            models.LabAnalysis
		analysisUUID uuid.UUID
		sampleUUID   uuid.UUID
		paramUUID    uuid.UUID
		orgUUID      uuid.UUID
		plantUUID    uuid.UUID
		status       string
		notes        sql.NullString
		supersedes   sql.Null[uuid.UUID]
		retestReason sql.NullString
		analyzedBy   sql.Null[uuid.UUID]
	)
	err := row.Scan(
		&analysisUUID, &sampleUUID, &paramUUID, &a.ParameterName, &orgUUID, &plantUUID,
		&status, &a.ValueNumeric, &a.ValueText, &a.Conforming, &a.Critical, &a.Valid, &notes,
		&a.IsRetest, &supersedes, &retestReason,
		&analyzedBy, &a.AnalyzedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ID = id.AnalysisID(analysisUUID)
	a.SampleID = id.SampleID(sampleUUID)
	a.ParameterID = id.ParameterID(paramUUID)
	a.OrganizationID = id.OrganizationID(orgUUID)
	a.PlantID = id.PlantID(plantUUID)
	a.Status = models.AnalysisStatus(status)
	a.Notes = notes.String
	if supersedes.Valid {
		a.SupersedesID = id.AnalysisID(supersedes.V)
	}
	a.RetestReason = retestReason.String
	if analyzedBy.Valid {
		a.AnalyzedBy = id.UserID(analyzedBy.V)
	}
	return &a, nil
}
