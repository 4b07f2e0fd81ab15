// Package domain defines typed identifiers shared across modules. Distinct
// types keep a SampleID from ever being passed where a PlantID is expected;
// the compiler enforces what code review would otherwise have to catch.
package domain

import (
	"github.com/google/uuid"

	dErrors "labtrace/pkg/domain-errors"
)

type (
	// OrganizationID scopes every read and write; it is the outer tenant key.
	OrganizationID uuid.UUID
	// PlantID scopes operations to a physical site within an organization.
	PlantID uuid.UUID
	// UserID identifies the acting user for audit and signature purposes.
	UserID uuid.UUID

	// SampleID identifies a laboratory sample.
	SampleID uuid.UUID
	// SampleTypeID references the sample-type catalog entry.
	SampleTypeID uuid.UUID
	// AnalysisID identifies one measured parameter result on a sample.
	AnalysisID uuid.UUID
	// ParameterID references the external QA parameter catalog.
	ParameterID uuid.UUID
	// NonConformityID identifies a quality deviation record.
	NonConformityID uuid.UUID

	// BatchID optionally links a sample to a production batch.
	BatchID uuid.UUID
	// IntermediateProductID optionally links a sample to a tank/intermediate.
	IntermediateProductID uuid.UUID
	// SamplingPointID optionally links a sample to a fixed sampling location.
	SamplingPointID uuid.UUID
)

func parse(raw, field string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeValidation, "%s is required", field).WithField(field, "required")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeValidation, "%s is not a valid UUID", field).WithField(field, "invalid uuid")
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeValidation, "%s must not be the nil UUID", field).WithField(field, "nil uuid")
	}
	return parsed, nil
}

func ParseOrganizationID(raw string) (OrganizationID, error) {
	id, err := parse(raw, "organization_id")
	return OrganizationID(id), err
}

func ParsePlantID(raw string) (PlantID, error) {
	id, err := parse(raw, "plant_id")
	return PlantID(id), err
}

func ParseUserID(raw string) (UserID, error) {
	id, err := parse(raw, "user_id")
	return UserID(id), err
}

func ParseSampleID(raw string) (SampleID, error) {
	id, err := parse(raw, "sample_id")
	return SampleID(id), err
}

func ParseSampleTypeID(raw string) (SampleTypeID, error) {
	id, err := parse(raw, "sample_type_id")
	return SampleTypeID(id), err
}

func ParseAnalysisID(raw string) (AnalysisID, error) {
	id, err := parse(raw, "analysis_id")
	return AnalysisID(id), err
}

func ParseParameterID(raw string) (ParameterID, error) {
	id, err := parse(raw, "parameter_id")
	return ParameterID(id), err
}

func ParseNonConformityID(raw string) (NonConformityID, error) {
	id, err := parse(raw, "nonconformity_id")
	return NonConformityID(id), err
}

func ParseBatchID(raw string) (BatchID, error) {
	id, err := parse(raw, "production_batch_id")
	return BatchID(id), err
}

func ParseIntermediateProductID(raw string) (IntermediateProductID, error) {
	id, err := parse(raw, "intermediate_product_id")
	return IntermediateProductID(id), err
}

func ParseSamplingPointID(raw string) (SamplingPointID, error) {
	id, err := parse(raw, "sampling_point_id")
	return SamplingPointID(id), err
}

func (id OrganizationID) String() string        { return uuid.UUID(id).String() }
func (id PlantID) String() string               { return uuid.UUID(id).String() }
func (id UserID) String() string                { return uuid.UUID(id).String() }
func (id SampleID) String() string              { return uuid.UUID(id).String() }
func (id SampleTypeID) String() string          { return uuid.UUID(id).String() }
func (id AnalysisID) String() string            { return uuid.UUID(id).String() }
func (id ParameterID) String() string           { return uuid.UUID(id).String() }
func (id NonConformityID) String() string       { return uuid.UUID(id).String() }
func (id BatchID) String() string               { return uuid.UUID(id).String() }
func (id IntermediateProductID) String() string { return uuid.UUID(id).String() }
func (id SamplingPointID) String() string       { return uuid.UUID(id).String() }

func (id OrganizationID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id PlantID) IsNil() bool               { return uuid.UUID(id) == uuid.Nil }
func (id UserID) IsNil() bool                { return uuid.UUID(id) == uuid.Nil }
func (id SampleID) IsNil() bool              { return uuid.UUID(id) == uuid.Nil }
func (id SampleTypeID) IsNil() bool          { return uuid.UUID(id) == uuid.Nil }
func (id AnalysisID) IsNil() bool            { return uuid.UUID(id) == uuid.Nil }
func (id ParameterID) IsNil() bool           { return uuid.UUID(id) == uuid.Nil }
func (id NonConformityID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id BatchID) IsNil() bool               { return uuid.UUID(id) == uuid.Nil }
func (id IntermediateProductID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id SamplingPointID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }

func NewSampleID() SampleID               { return SampleID(uuid.New()) }
func NewAnalysisID() AnalysisID           { return AnalysisID(uuid.New()) }
func NewNonConformityID() NonConformityID { return NonConformityID(uuid.New()) }
