// Package handler exposes the sample lifecycle over HTTP. It validates input
// shape, delegates to the domain service and renders the uniform envelope;
// business rules stay in the service.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"labtrace/internal/audit"
	"labtrace/internal/sample/models"
	svc "labtrace/internal/sample/service"
	"labtrace/internal/transport/http/respond"
	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
)

// Service is the domain-service surface the handler needs.
type Service interface {
	RegisterSample(ctx context.Context, input svc.RegisterSampleInput) (*models.Sample, error)
	GetSample(ctx context.Context, sampleID id.SampleID) (*models.Sample, error)
	ListAnalyses(ctx context.Context, sampleID id.SampleID) ([]*models.LabAnalysis, error)
	UpdateSampleStatus(ctx context.Context, sampleID id.SampleID, target models.Status) (*models.Sample, error)
	Advance(ctx context.Context, sampleID id.SampleID) (*models.Sample, error)
	TechnicalReview(ctx context.Context, input svc.TechnicalReviewInput) (*models.Sample, error)
	FinalRelease(ctx context.Context, input svc.FinalReleaseInput) (*models.Sample, error)
	Archive(ctx context.Context, sampleID id.SampleID) (*models.Sample, error)
	BulkTechnicalReview(ctx context.Context, sampleIDs []id.SampleID, decision models.ReviewDecision, reason, password string) []svc.BulkResult
	BulkFinalRelease(ctx context.Context, sampleIDs []id.SampleID, decision models.ReleaseDecision, notes, password string) []svc.BulkResult
	StartAnalysis(ctx context.Context, analysisID id.AnalysisID) (*models.LabAnalysis, error)
	CompleteAnalysis(ctx context.Context, input svc.CompleteAnalysisInput) (*models.LabAnalysis, error)
	InvalidateAnalysis(ctx context.Context, analysisID id.AnalysisID, reason string) (*models.LabAnalysis, error)
}

// AuditReader lists the recorded trail for one entity.
type AuditReader interface {
	List(ctx context.Context, orgID id.OrganizationID, entityType audit.EntityType, entityID string) ([]audit.Event, error)
}

type Handler struct {
	service Service
	trail   AuditReader
	logger  *slog.Logger
}

func New(service Service, trail AuditReader, logger *slog.Logger) *Handler {
	return &Handler{service: service, trail: trail, logger: logger}
}

// Register mounts the sample routes. Authentication middleware is applied by
// the router; every route below assumes an actor context.
func (h *Handler) Register(r chi.Router) {
	r.Post("/samples", h.handleRegister)
	r.Get("/samples/{sampleID}", h.handleGet)
	r.Get("/samples/{sampleID}/analyses", h.handleListAnalyses)
	r.Get("/samples/{sampleID}/audit", h.handleAuditTrail)
	r.Post("/samples/{sampleID}/status", h.handleUpdateStatus)
	r.Post("/samples/{sampleID}/advance", h.handleAdvance)
	r.Post("/samples/{sampleID}/review", h.handleTechnicalReview)
	r.Post("/samples/{sampleID}/release", h.handleFinalRelease)
	r.Post("/samples/{sampleID}/archive", h.handleArchive)
	r.Post("/samples/bulk/review", h.handleBulkReview)
	r.Post("/samples/bulk/release", h.handleBulkRelease)

	r.Post("/analyses/{analysisID}/start", h.handleStartAnalysis)
	r.Post("/analyses/{analysisID}/complete", h.handleCompleteAnalysis)
	r.Post("/analyses/{analysisID}/invalidate", h.handleInvalidateAnalysis)
}

type registerRequest struct {
	SampleTypeID          string  `json:"sample_type_id"`
	TypeCode              string  `json:"type_code"`
	Code                  string  `json:"code"`
	BatchID               string  `json:"production_batch_id"`
	IntermediateProductID string  `json:"intermediate_product_id"`
	SamplingPointID       string  `json:"sampling_point_id"`
	CollectedAt           *string `json:"collected_at"`
	Notes                 string  `json:"notes"`
	Plan                  []struct {
		ParameterID   string `json:"parameter_id"`
		ParameterName string `json:"parameter_name"`
	} `json:"plan"`
}

type sampleResponse struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Status string `json:"status"`
}

func toSampleResponse(s *models.Sample) sampleResponse {
	return sampleResponse{ID: s.ID.String(), Code: s.Code, Status: string(s.Status)}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}

	input := svc.RegisterSampleInput{
		TypeCode: req.TypeCode,
		Code:     req.Code,
		Notes:    req.Notes,
	}
	var err error
	if input.SampleTypeID, err = id.ParseSampleTypeID(req.SampleTypeID); err != nil {
		respond.Error(w, err)
		return
	}
	if req.BatchID != "" {
		if input.BatchID, err = id.ParseBatchID(req.BatchID); err != nil {
			respond.Error(w, err)
			return
		}
	}
	if req.IntermediateProductID != "" {
		if input.IntermediateProductID, err = id.ParseIntermediateProductID(req.IntermediateProductID); err != nil {
			respond.Error(w, err)
			return
		}
	}
	if req.SamplingPointID != "" {
		if input.SamplingPointID, err = id.ParseSamplingPointID(req.SamplingPointID); err != nil {
			respond.Error(w, err)
			return
		}
	}
	if req.CollectedAt != nil {
		at, err := time.Parse(time.RFC3339, *req.CollectedAt)
		if err != nil {
			respond.Error(w, dErrors.New(dErrors.CodeValidation, "collected_at must be RFC 3339").
				WithField("collected_at", "invalid timestamp"))
			return
		}
		input.CollectedAt = &at
	}
	for _, p := range req.Plan {
		paramID, err := id.ParseParameterID(p.ParameterID)
		if err != nil {
			respond.Error(w, err)
			return
		}
		input.Plan = append(input.Plan, svc.PlannedAnalysis{
			ParameterID:   paramID,
			ParameterName: p.ParameterName,
		})
	}

	sample, err := h.service.RegisterSample(r.Context(), input)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusCreated, "sample registered", toSampleResponse(sample))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sampleID, err := id.ParseSampleID(chi.URLParam(r, "sampleID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	sample, err := h.service.GetSample(r.Context(), sampleID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "sample", sample)
}

func (h *Handler) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	sampleID, err := id.ParseSampleID(chi.URLParam(r, "sampleID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	rows, err := h.service.ListAnalyses(r.Context(), sampleID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "analyses", rows)
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	sampleID, err := id.ParseSampleID(chi.URLParam(r, "sampleID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	// Scope comes from the sample lookup so a cross-tenant id 404s before the
	// trail is touched.
	sample, err := h.service.GetSample(r.Context(), sampleID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	events, err := h.trail.List(r.Context(), sample.OrganizationID, audit.EntitySample, sample.ID.String())
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "audit trail", events)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	sampleID, err := id.ParseSampleID(chi.URLParam(r, "sampleID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}
	sample, err := h.service.UpdateSampleStatus(r.Context(), sampleID, models.Status(req.Status))
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "status updated", toSampleResponse(sample))
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	sampleID, err := id.ParseSampleID(chi.URLParam(r, "sampleID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	sample, err := h.service.Advance(r.Context(), sampleID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "sample advanced", toSampleResponse(sample))
}

type reviewRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
	Password string `json:"password"`
}

func (h *Handler) handleTechnicalReview(w http.ResponseWriter, r *http.Request) {
	sampleID, err := id.ParseSampleID(chi.URLParam(r, "sampleID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}
	sample, err := h.service.TechnicalReview(r.Context(), svc.TechnicalReviewInput{
		SampleID: sampleID,
		Decision: models.ReviewDecision(req.Decision),
		Reason:   req.Reason,
		Password: req.Password,
	})
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "technical review recorded", toSampleResponse(sample))
}

type releaseRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
	Password string `json:"password"`
}

func (h *Handler) handleFinalRelease(w http.ResponseWriter, r *http.Request) {
	sampleID, err := id.ParseSampleID(chi.URLParam(r, "sampleID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}
	sample, err := h.service.FinalRelease(r.Context(), svc.FinalReleaseInput{
		SampleID: sampleID,
		Decision: models.ReleaseDecision(req.Decision),
		Notes:    req.Notes,
		Password: req.Password,
	})
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "final release recorded", toSampleResponse(sample))
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	sampleID, err := id.ParseSampleID(chi.URLParam(r, "sampleID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	sample, err := h.service.Archive(r.Context(), sampleID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "sample archived", toSampleResponse(sample))
}

type bulkReviewRequest struct {
	SampleIDs []string `json:"sample_ids"`
	Decision  string   `json:"decision"`
	Reason    string   `json:"reason"`
	Password  string   `json:"password"`
}

type bulkItemResponse struct {
	SampleID string `json:"sample_id"`
	Success  bool   `json:"success"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
}

func toBulkResponse(results []svc.BulkResult) []bulkItemResponse {
	out := make([]bulkItemResponse, 0, len(results))
	for _, res := range results {
		item := bulkItemResponse{SampleID: res.SampleID.String(), Success: res.Err == nil}
		if res.Err != nil {
			item.Message = res.Err.Error()
		} else if res.Sample != nil {
			item.Status = string(res.Sample.Status)
		}
		out = append(out, item)
	}
	return out
}

func parseSampleIDs(raw []string) ([]id.SampleID, error) {
	if len(raw) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "sample_ids must not be empty").
			WithField("sample_ids", "required")
	}
	out := make([]id.SampleID, 0, len(raw))
	for _, s := range raw {
		sampleID, err := id.ParseSampleID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sampleID)
	}
	return out, nil
}

func (h *Handler) handleBulkReview(w http.ResponseWriter, r *http.Request) {
	var req bulkReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}
	sampleIDs, err := parseSampleIDs(req.SampleIDs)
	if err != nil {
		respond.Error(w, err)
		return
	}
	results := h.service.BulkTechnicalReview(r.Context(), sampleIDs,
		models.ReviewDecision(req.Decision), req.Reason, req.Password)
	respond.OK(w, http.StatusMultiStatus, "bulk technical review processed", toBulkResponse(results))
}

type bulkReleaseRequest struct {
	SampleIDs []string `json:"sample_ids"`
	Decision  string   `json:"decision"`
	Notes     string   `json:"notes"`
	Password  string   `json:"password"`
}

func (h *Handler) handleBulkRelease(w http.ResponseWriter, r *http.Request) {
	var req bulkReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}
	sampleIDs, err := parseSampleIDs(req.SampleIDs)
	if err != nil {
		respond.Error(w, err)
		return
	}
	results := h.service.BulkFinalRelease(r.Context(), sampleIDs,
		models.ReleaseDecision(req.Decision), req.Notes, req.Password)
	respond.OK(w, http.StatusMultiStatus, "bulk final release processed", toBulkResponse(results))
}

func (h *Handler) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	analysisID, err := id.ParseAnalysisID(chi.URLParam(r, "analysisID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	row, err := h.service.StartAnalysis(r.Context(), analysisID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "analysis started", map[string]string{
		"id":     row.ID.String(),
		"status": string(row.Status),
	})
}

type completeAnalysisRequest struct {
	ValueNumeric *float64 `json:"value_numeric"`
	ValueText    *string  `json:"value_text"`
	Notes        string   `json:"notes"`
	Spec         *struct {
		ParameterName string   `json:"parameter_name"`
		Min           *float64 `json:"min"`
		Max           *float64 `json:"max"`
		Critical      bool     `json:"critical"`
	} `json:"spec"`
}

func (h *Handler) handleCompleteAnalysis(w http.ResponseWriter, r *http.Request) {
	analysisID, err := id.ParseAnalysisID(chi.URLParam(r, "analysisID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	var req completeAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}

	input := svc.CompleteAnalysisInput{
		AnalysisID:   analysisID,
		ValueNumeric: req.ValueNumeric,
		ValueText:    req.ValueText,
		Notes:        req.Notes,
	}
	if req.Spec != nil {
		input.Spec = &models.Spec{
			ParameterName: req.Spec.ParameterName,
			Min:           req.Spec.Min,
			Max:           req.Spec.Max,
			Critical:      req.Spec.Critical,
		}
	}

	row, err := h.service.CompleteAnalysis(r.Context(), input)
	if err != nil {
		respond.Error(w, err)
		return
	}
	resp := map[string]any{
		"id":     row.ID.String(),
		"status": string(row.Status),
	}
	if row.Conforming != nil {
		resp["conforming"] = *row.Conforming
	}
	respond.OK(w, http.StatusOK, "analysis completed", resp)
}

type invalidateRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleInvalidateAnalysis(w http.ResponseWriter, r *http.Request) {
	analysisID, err := id.ParseAnalysisID(chi.URLParam(r, "analysisID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}
	row, err := h.service.InvalidateAnalysis(r.Context(), analysisID, req.Reason)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "analysis invalidated", map[string]string{
		"id":     row.ID.String(),
		"status": string(row.Status),
	})
}
