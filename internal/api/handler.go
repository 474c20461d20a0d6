package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/kestrel/internal/casework"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
)

// DefaultMaxUploadBytes caps request bodies when the server config leaves it unset.
const DefaultMaxUploadBytes = 10 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	svc       *casework.Service
	repo      domain.Repository
	cache     domain.Cache
	version   string
	maxUpload int64
}

// NewHandler creates a new API handler. repo and cache are only used for
// health checks and may be nil.
func NewHandler(svc *casework.Service, repo domain.Repository, cache domain.Cache, version string, maxUpload int64) *Handler {
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Handler{
		svc:       svc,
		repo:      repo,
		cache:     cache,
		version:   version,
		maxUpload: maxUpload,
	}
}

// ResponseMetadata is attached to stateless evaluation responses.
type ResponseMetadata struct {
	TraceID string `json:"traceId"`
	TotalMs int64  `json:"totalMs"`
	Version string `json:"version"`
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	domain.RuleEvaluation
	Screening []domain.ScreeningHit `json:"screening"`
	Metadata  ResponseMetadata      `json:"metadata"`
}

// ScoreResponse is the response for POST /score.
type ScoreResponse struct {
	domain.RiskResult
	Rows     int              `json:"rows"`
	Cached   bool             `json:"cached"`
	Metadata ResponseMetadata `json:"metadata"`
}

// NarrativeRequest is the request body for the narrative endpoints.
type NarrativeRequest struct {
	Narrative string `json:"narrative"`
}

// Evaluate handles POST /evaluate requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var in domain.CaseInput
	if !h.decode(w, r, &in) {
		return
	}

	result, err := h.svc.Evaluate(ctx, GetTenantID(ctx), in)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		RuleEvaluation: result.Evaluation,
		Screening:      result.Screening,
		Metadata:       h.metadata(r, start),
	})
}

// Score handles POST /score requests. The body is either a JSON array of
// row objects or, with Content-Type text/csv, a CSV upload.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
		return
	}

	resp := ScoreResponse{}
	if isCSV(r) {
		table, result, cached, err := h.svc.ScoreCSV(ctx, tenantID, body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.RiskResult, resp.Rows, resp.Cached = *result, len(table.Rows), cached
	} else {
		var records []map[string]any
		if err := json.Unmarshal(body, &records); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "body must be a JSON array of transaction rows",
			})
			return
		}
		table := ingest.FromRecords(records)
		result, err := h.svc.Score(ctx, table)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.RiskResult, resp.Rows = *result, len(table.Rows)
	}

	resp.Metadata = h.metadata(r, start)
	writeJSON(w, http.StatusOK, resp)
}

// CreateCase handles POST /cases.
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in domain.CaseInput
	if !h.decode(w, r, &in) {
		return
	}

	c, err := h.svc.CreateCase(ctx, GetTenantID(ctx), GetAnalystID(ctx), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ImportCases handles POST /cases/import with either a multipart "file"
// field or a raw text/csv body.
func (h *Handler) ImportCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	var (
		upload   io.Reader
		filename string
	)
	if isCSV(r) {
		upload = r.Body
		filename = r.URL.Query().Get("filename")
	} else {
		file, header, err := r.FormFile("file")
		if err != nil && errors.As(err, new(*http.MaxBytesError)) {
			writeError(w, r, err)
			return
		}
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "multipart field \"file\" or a text/csv body is required",
			})
			return
		}
		defer file.Close()
		upload, filename = file, header.Filename
	}
	if filename == "" {
		filename = "upload.csv"
	}

	result, err := h.svc.ImportCSV(ctx, GetTenantID(ctx), GetAnalystID(ctx), filename, upload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ListCases handles GET /cases.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := repository.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	cases, err := h.svc.List(ctx, GetTenantID(ctx), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": cases,
		"count": len(cases),
	})
}

// GetCase handles GET /cases/{id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, err := h.svc.Get(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AttachNarrative handles PUT /cases/{id}/narrative.
func (h *Handler) AttachNarrative(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NarrativeRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.svc.AttachNarrative(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req.Narrative)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// EditNarrative handles PUT /cases/{id}/edit.
func (h *Handler) EditNarrative(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NarrativeRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.svc.EditNarrative(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), req.Narrative)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ApproveCase handles PUT /cases/{id}/approve. The role is taken from X-Analyst-Role.
func (h *Handler) ApproveCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, err := h.svc.Approve(ctx, GetTenantID(ctx), chi.URLParam(r, "id"), GetAnalystRole(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetAuditTrail handles GET /cases/{id}/audit.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	entries, err := h.svc.AuditTrail(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// GetCaseTransactions handles GET /cases/{id}/transactions.
func (h *Handler) GetCaseTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rows, err := h.svc.Transactions(ctx, GetTenantID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": rows,
		"count":        len(rows),
	})
}

// ListScreeningRules handles GET /screening-rules.
func (h *Handler) ListScreeningRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rules, err := h.svc.ListScreeningRules(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// CreateScreeningRule handles POST /screening-rules. The rule is validated,
// stored and activated for the tenant.
func (h *Handler) CreateScreeningRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.ScreeningRule
	if !h.decode(w, r, &rule) {
		return
	}

	if err := h.svc.SaveScreeningRule(ctx, GetTenantID(ctx), &rule); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("screening rule saved", "id", rule.ID, "tenant_id", GetTenantID(ctx))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    rule,
		"message": "Rule saved and engine reloaded.",
	})
}

// DeleteScreeningRule handles DELETE /screening-rules/{id}.
func (h *Handler) DeleteScreeningRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if err := h.svc.DeleteScreeningRule(ctx, GetTenantID(ctx), ruleID); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("screening rule deleted", "id", ruleID, "tenant_id", GetTenantID(ctx))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Rule deleted and engine reloaded.",
	})
}

// ReloadScreeningRules handles POST /screening-rules/reload.
func (h *Handler) ReloadScreeningRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	engine, err := h.svc.ReloadScreeningRules(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "screening rules reloaded successfully",
		"count":   engine.RulesCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxUpload)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

func (h *Handler) metadata(r *http.Request, start time.Time) ResponseMetadata {
	return ResponseMetadata{
		TraceID: GetTraceID(r.Context()),
		TotalMs: time.Since(start).Milliseconds(),
		Version: h.version,
	}
}

func isCSV(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/csv"
}

// statusFor maps workflow errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, casework.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, casework.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, casework.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, casework.ErrNotSubmittable):
		return http.StatusUnprocessableEntity
	case errors.As(err, new(*http.MaxBytesError)):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, casework.ErrEmptyNarrative),
		errors.Is(err, casework.ErrInvalidRule),
		errors.Is(err, ingest.ErrInvalidCSV),
		errors.Is(err, risk.ErrInvalidInput),
		errors.Is(err, repository.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusRequestEntityTooLarge {
		writeJSON(w, status, map[string]string{
			"error": "request body too large",
		})
		return
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"error", err,
		)
		writeJSON(w, status, map[string]string{
			"error": "internal server error",
		})
		return
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
