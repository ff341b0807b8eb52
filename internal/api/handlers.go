package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/intentd/internal/engine"
	"github.com/roach88/intentd/internal/model"
)

// Scope headers.
const (
	HeaderTenant  = "X-Tenant-ID"
	HeaderSession = "X-Session-ID"
)

// SubmitRequest is the body of POST /api/intent/submit.
type SubmitRequest struct {
	IntentType string         `json:"intent_type"`
	Parameters map[string]any `json:"parameters"`
	TenantID   string         `json:"tenant_id"`
	SessionID  string         `json:"session_id"`
}

// SubmitResponse is returned with 202 Accepted.
type SubmitResponse struct {
	ExecutionID string                `json:"execution_id"`
	Status      model.ExecutionStatus `json:"status"`
}

// StatusResponse is the body of GET /api/execution/{id}/status.
type StatusResponse struct {
	ExecutionID string                `json:"execution_id"`
	Status      model.ExecutionStatus `json:"status"`
	Artifacts   []model.ArtifactRef   `json:"artifacts"`
	Error       *model.ErrorInfo      `json:"error,omitempty"`
}

// LineageResponse is the body of GET /api/artifact/{id}/lineage.
type LineageResponse struct {
	ArtifactID string   `json:"artifact_id"`
	Direction  string   `json:"direction"`
	Artifacts  []string `json:"artifacts"`
}

// EventsResponse is the body of GET /api/events/....
type EventsResponse struct {
	PartitionKey string           `json:"partition_key"`
	Entries      []model.WALEntry `json:"entries"`
}

// AckRequest is the body of POST /api/events/.../ack.
type AckRequest struct {
	Offset int64 `json:"offset"`
}

// AckResponse reports the group's remaining lag after an ack.
type AckResponse struct {
	PartitionKey string `json:"partition_key"`
	Offset       int64  `json:"offset"`
	Lag          int64  `json:"lag"`
}

// ErrorResponse wraps every error body.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the user-visible part of a model.Error.
type ErrorBody struct {
	Code        model.Code `json:"code"`
	Message     string     `json:"message"`
	ExecutionID string     `json:"execution_id,omitempty"`
	ArtifactID  string     `json:"artifact_id,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	exec, err := s.engine.Submit(r.Context(), model.Intent{
		IntentType: req.IntentType,
		Parameters: req.Parameters,
		TenantID:   req.TenantID,
		SessionID:  req.SessionID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{ExecutionID: exec.ExecutionID, Status: exec.Status})
}

// status reports executions of the caller's tenant only; others read as
// NOT_FOUND like out-of-scope artifacts.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	tenant, _, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "executionID")
	exec, err := s.engine.Status(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if exec.TenantID != tenant {
		writeError(w, r, model.NewNotFoundError("execution", id))
		return
	}
	refs := exec.Artifacts
	if refs == nil {
		refs = []model.ArtifactRef{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		ExecutionID: exec.ExecutionID,
		Status:      exec.Status,
		Artifacts:   refs,
		Error:       exec.Error,
	})
}

func (s *Server) artifact(w http.ResponseWriter, r *http.Request) {
	tenant, session, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.engine.Artifact(r.Context(), chi.URLParam(r, "artifactID"), tenant, session)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) lineage(w http.ResponseWriter, r *http.Request) {
	tenant, session, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	dir := engine.Direction(r.URL.Query().Get("direction"))
	if dir == "" {
		dir = engine.Ancestors
	}
	id := chi.URLParam(r, "artifactID")
	ids, err := s.engine.Lineage(r.Context(), id, dir, tenant, session)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, LineageResponse{ArtifactID: id, Direction: string(dir), Artifacts: ids})
}

func (s *Server) terminate(w http.ResponseWriter, r *http.Request) {
	tenant, session, err := scope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.engine.Terminate(r.Context(), chi.URLParam(r, "artifactID"), tenant, session)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) readEvents(w http.ResponseWriter, r *http.Request) {
	pk, err := model.PartitionKeyFor(chi.URLParam(r, "tenant"), chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := DefaultReadMax
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxReadMax {
			writeError(w, r, model.NewValidationError("max must be between 1 and %d", MaxReadMax))
			return
		}
		limit = n
	}
	entries, err := s.events.ReadGroup(r.Context(), chi.URLParam(r, "group"), pk, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.WALEntry{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{PartitionKey: pk, Entries: entries})
}

func (s *Server) ackEvent(w http.ResponseWriter, r *http.Request) {
	pk, err := model.PartitionKeyFor(chi.URLParam(r, "tenant"), chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req AckRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	group := chi.URLParam(r, "group")
	if err := s.events.Ack(r.Context(), group, pk, req.Offset); err != nil {
		writeError(w, r, err)
		return
	}
	lag, err := s.events.Lag(r.Context(), group, pk)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{PartitionKey: pk, Offset: req.Offset, Lag: lag})
}

func scope(r *http.Request) (tenant, session string, err error) {
	tenant = r.Header.Get(HeaderTenant)
	if tenant == "" {
		return "", "", model.NewValidationError("%s header is required", HeaderTenant)
	}
	return tenant, r.Header.Get(HeaderSession), nil
}

// decodeBody reads one JSON object, keeping numbers exact.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return model.NewValidationError("read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return model.NewValidationError("body exceeds %d bytes", maxBodyBytes)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.NewValidationError("invalid JSON body: %v", err)
	}
	if dec.More() {
		return model.NewValidationError("body must contain a single JSON object")
	}
	return nil
}

// StatusCode maps an engine error to its HTTP status.
func StatusCode(err error) int {
	switch model.CodeOf(err) {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeHandler:
		return http.StatusBadGateway
	case model.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := model.Classify(err)
	code := StatusCode(e)
	if code >= http.StatusInternalServerError {
		slog.Warn("request failed", "path", r.URL.Path, "code", e.Code, "error", err)
	}
	writeJSON(w, code, ErrorResponse{Error: ErrorBody{
		Code:        e.Code,
		Message:     e.Message,
		ExecutionID: e.ExecutionID,
		ArtifactID:  e.ArtifactID,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response failed", "error", err)
	}
}
