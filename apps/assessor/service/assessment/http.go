package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/pitabwire/util"

	"github.com/antinvestor/releasegate/apps/assessor/service/repository"
	"github.com/antinvestor/releasegate/internal/events"
	"github.com/antinvestor/releasegate/internal/scm"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Service is what the HTTP API needs from the pipeline.
type Service interface {
	Assessor
	Get(ctx context.Context, runID string) (*events.Decision, error)
	History(ctx context.Context, reference string, limit int) ([]*events.Decision, error)
}

// ErrorResponse is the error body returned to API clients.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// HTTPHandler serves the assessment API.
type HTTPHandler struct {
	service      Service
	maxBodyBytes int64
}

// NewHTTPHandler creates the assessment API handler.
func NewHTTPHandler(service Service, maxBodyBytes int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBodyBytes: maxBodyBytes}
}

// Register mounts the API on mux. wrap, when set, is applied to every route.
func (h *HTTPHandler) Register(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /api/v1/assessments", wrap(http.HandlerFunc(h.create)))
	mux.Handle("GET /api/v1/assessments", wrap(http.HandlerFunc(h.history)))
	mux.Handle("GET /api/v1/assessments/{runID}", wrap(http.HandlerFunc(h.get)))
}

func (h *HTTPHandler) create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := util.Log(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large",
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", h.maxBodyBytes), nil)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body", nil)
		return
	}

	var req events.AssessmentRequest
	if unmarshalErr := json.Unmarshal(body, &req); unmarshalErr != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Failed to parse JSON request body",
			map[string]string{"parse_error": unmarshalErr.Error()})
		return
	}

	d, err := h.service.Assess(ctx, req)
	if err != nil {
		status, code := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.WithError(err).Error("assessment failed", "reference", req.Reference)
		}
		writeError(w, status, code, err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (h *HTTPHandler) get(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	if _, err := events.ParseRunID(runID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_run_id", err.Error(), nil)
		return
	}

	d, err := h.service.Get(r.Context(), runID)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *HTTPHandler) history(w http.ResponseWriter, r *http.Request) {
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "reference query parameter is required",
			map[string]string{"field": "reference"})
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer",
				map[string]string{"field": "limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	decisions, err := h.service.History(r.Context(), reference, limit)
	if err != nil {
		status, code := statusFor(err)
		writeError(w, status, code, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, scm.ErrInvalidReference):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrAssessmentInFlight):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, repository.ErrDecisionNotFound):
		return http.StatusNotFound, "not_found"
	case IsPermanent(err):
		return http.StatusUnprocessableEntity, "assessment_failed"
	case errors.Is(err, ErrChangeSetUnavailable):
		return http.StatusBadGateway, "change_set_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message, Details: details})
}
