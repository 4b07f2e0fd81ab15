package sample

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

// PostgresStore persists samples in PostgreSQL. Pure I/O; lifecycle legality
// belongs in the FSM and the service.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const uniqueViolation = "23505"

func (s *PostgresStore) Insert(ctx context.Context, sample *models.Sample) error {
	query := `
		INSERT INTO samples (
			id, code, status, sample_type_id, organization_id, plant_id,
			production_batch_id, intermediate_product_id, sampling_point_id,
			collected_by, collected_at, notes, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(sample.ID),
		sample.Code,
		string(sample.Status),
		uuid.UUID(sample.SampleTypeID),
		uuid.UUID(sample.OrganizationID),
		uuid.UUID(sample.PlantID),
		nullableUUID(uuid.UUID(sample.BatchID)),
		nullableUUID(uuid.UUID(sample.IntermediateProductID)),
		nullableUUID(uuid.UUID(sample.SamplingPointID)),
		uuid.UUID(sample.CollectedBy),
		sample.CollectedAt,
		sample.Notes,
		sample.CreatedAt,
		sample.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("sample code %q: %w", sample.Code, sentinel.ErrDuplicate)
		}
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID) (*models.Sample, error) {
	query := `
		SELECT id, code, status, sample_type_id, organization_id, plant_id,
		       production_batch_id, intermediate_product_id, sampling_point_id,
		       collected_by, collected_at, reviewed_by, reviewed_at,
		       released_by, released_at, release_notes, notes, created_at, updated_at
		FROM samples
		WHERE id = $1 AND organization_id = $2
	`
	sample, err := scanSample(s.db.QueryRowContext(ctx, query, uuid.UUID(sampleID), uuid.UUID(orgID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find sample: %w", err)
	}
	return sample, nil
}

// UpdateStatus performs the compare-and-swap transition write. The expected
// prior status and the tenant scope are predicates on the UPDATE; zero rows
// affected means a concurrent writer won or the row is out of scope.
func (s *PostgresStore) UpdateStatus(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID, from, to models.Status, now time.Time) (bool, error) {
	query := `
		UPDATE samples
		SET status = $1, updated_at = $2
		WHERE id = $3 AND organization_id = $4 AND status = $5
	`
	result, err := s.db.ExecContext(ctx, query,
		string(to), now, uuid.UUID(sampleID), uuid.UUID(orgID), string(from))
	if err != nil {
		return false, fmt.Errorf("update sample status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update sample status rows affected: %w", err)
	}
	return rows > 0, nil
}

// ApplyReview records the technical review decision atomically with the
// status transition. Rejection reasons land in notes for the rework cycle.
func (s *PostgresStore) ApplyReview(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID, from, to models.Status, reviewer id.UserID, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE samples
		SET status = $1,
		    reviewed_by = $2,
		    reviewed_at = $3,
		    notes = CASE WHEN $1 = 'rejected' AND $4 <> '' THEN $4 ELSE notes END,
		    updated_at = $3
		WHERE id = $5 AND organization_id = $6 AND status = $7
	`
	result, err := s.db.ExecContext(ctx, query,
		string(to), uuid.UUID(reviewer), now, reason,
		uuid.UUID(sampleID), uuid.UUID(orgID), string(from))
	if err != nil {
		return false, fmt.Errorf("apply review: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply review rows affected: %w", err)
	}
	return rows > 0, nil
}

// ApplyRelease records the final release decision.
func (s *PostgresStore) ApplyRelease(ctx context.Context, orgID id.OrganizationID, sampleID id.SampleID, from, to models.Status, releaser id.UserID, notes string, now time.Time) (bool, error) {
	query := `
		UPDATE samples
		SET status = $1,
		    released_by = $2,
		    released_at = $3,
		    release_notes = $4,
		    updated_at = $3
		WHERE id = $5 AND organization_id = $6 AND status = $7
	`
	result, err := s.db.ExecContext(ctx, query,
		string(to), uuid.UUID(releaser), now, notes,
		uuid.UUID(sampleID), uuid.UUID(orgID), string(from))
	if err != nil {
		return false, fmt.Errorf("apply release: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply release rows affected: %w", err)
	}
	return rows > 0, nil
}

func nullableUUID(u uuid.UUID) any {
	if u == uuid.Nil {
		return nil
	}
	return u
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*models.Sample, error) {
	var (
		sample       models.Sample
		status       string
		sampleUUID   uuid.UUID
		typeUUID     uuid.UUID
		orgUUID      uuid.UUID
		plantUUID    uuid.UUID
		batchUUID    sql.Null[uuid.UUID]
		ipUUID       sql.Null[uuid.UUID]
		spUUID       sql.Null[uuid.UUID]
		collectedBy  uuid.UUID
		reviewedBy   sql.Null[uuid.UUID]
		releasedBy   sql.Null[uuid.UUID]
		releaseNotes sql.NullString
		notes        sql.NullString
	)
	err := row.Scan(
		&sampleUUID, &sample.Code, &status, &typeUUID, &orgUUID, &plantUUID,
		&batchUUID, &ipUUID, &spUUID,
		&collectedBy, &sample.CollectedAt, &reviewedBy, &sample.ReviewedAt,
		&releasedBy, &sample.ReleasedAt, &releaseNotes, &notes,
		&sample.CreatedAt, &sample.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sample.ID = id.SampleID(sampleUUID)
	sample.Status = models.Status(status)
	sample.SampleTypeID = id.SampleTypeID(typeUUID)
	sample.OrganizationID = id.OrganizationID(orgUUID)
	sample.PlantID = id.PlantID(plantUUID)
	if batchUUID.Valid {
		sample.BatchID = id.BatchID(batchUUID.V)
	}
	if ipUUID.Valid {
		sample.IntermediateProductID = id.IntermediateProductID(ipUUID.V)
	}
	if spUUID.Valid {
		sample.SamplingPointID = id.SamplingPointID(spUUID.V)
	}
	sample.CollectedBy = id.UserID(collectedBy)
	if reviewedBy.Valid {
		sample.ReviewedBy = id.UserID(reviewedBy.V)
	}
	if releasedBy.Valid {
		sample.ReleasedBy = id.UserID(releasedBy.V)
	}
	sample.ReleaseNotes = releaseNotes.String
	sample.Notes = notes.String
	return &sample, nil
}
