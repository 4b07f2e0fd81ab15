// Package handler exposes non-conformity operations over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"labtrace/internal/nonconformity/models"
	svc "labtrace/internal/nonconformity/service"
	"labtrace/internal/transport/http/respond"
	id "labtrace/pkg/domain"
	dErrors "labtrace/pkg/domain-errors"
)

type Service interface {
	Create(ctx context.Context, input svc.CreateInput) (*models.NonConformity, error)
	UpdateStatus(ctx context.Context, ncID id.NonConformityID, target models.Status) (*models.NonConformity, error)
	Close(ctx context.Context, ncID id.NonConformityID, resolution, password string) (*models.NonConformity, error)
	ListBySample(ctx context.Context, sampleID id.SampleID) ([]*models.NonConformity, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/nonconformities", h.handleCreate)
	r.Post("/nonconformities/{ncID}/status", h.handleUpdateStatus)
	r.Post("/nonconformities/{ncID}/close", h.handleClose)
	r.Get("/samples/{sampleID}/nonconformities", h.handleListBySample)
}

type createRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Type        string `json:"type"`
	SampleID    string `json:"sample_id"`
	AnalysisID  string `json:"analysis_id"`
}

type ncResponse struct {
	ID       string `json:"id"`
	Code     string `json:"code"`
	Status   string `json:"status"`
	Severity string `json:"severity"`
}

func toNCResponse(nc *models.NonConformity) ncResponse {
	return ncResponse{
		ID:       nc.ID.String(),
		Code:     nc.Code,
		Status:   string(nc.Status),
		Severity: string(nc.Severity),
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}

	input := svc.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Severity:    models.Severity(req.Severity),
		Type:        models.Type(req.Type),
	}
	var err error
	if req.SampleID != "" {
		if input.SampleID, err = id.ParseSampleID(req.SampleID); err != nil {
			respond.Error(w, err)
			return
		}
	}
	if req.AnalysisID != "" {
		if input.AnalysisID, err = id.ParseAnalysisID(req.AnalysisID); err != nil {
			respond.Error(w, err)
			return
		}
	}

	nc, err := h.service.Create(r.Context(), input)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusCreated, "nonconformity created", toNCResponse(nc))
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ncID, err := id.ParseNonConformityID(chi.URLParam(r, "ncID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}
	nc, err := h.service.UpdateStatus(r.Context(), ncID, models.Status(req.Status))
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "status updated", toNCResponse(nc))
}

type closeRequest struct {
	Resolution string `json:"resolution"`
	Password   string `json:"password"`
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	ncID, err := id.ParseNonConformityID(chi.URLParam(r, "ncID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Error(w, dErrors.New(dErrors.CodeValidation, "request body is not valid JSON"))
		return
	}
	nc, err := h.service.Close(r.Context(), ncID, req.Resolution, req.Password)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "nonconformity closed", toNCResponse(nc))
}

func (h *Handler) handleListBySample(w http.ResponseWriter, r *http.Request) {
	sampleID, err := id.ParseSampleID(chi.URLParam(r, "sampleID"))
	if err != nil {
		respond.Error(w, err)
		return
	}
	ncs, err := h.service.ListBySample(r.Context(), sampleID)
	if err != nil {
		respond.Error(w, err)
		return
	}
	respond.OK(w, http.StatusOK, "nonconformities", ncs)
}
