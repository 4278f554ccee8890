package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/leakwatch/auditor/internal/ingestion"
	"github.com/leakwatch/auditor/internal/logging"
	"github.com/leakwatch/auditor/internal/reconciliation"
	"github.com/leakwatch/auditor/internal/report"
	"github.com/leakwatch/auditor/internal/repository"
)

const maxUploadBytes = 32 << 20

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	deps Deps
	log  zerolog.Logger
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Msg("Encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

// writeInternal logs err and answers 500 without leaking details.
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	writeError(w, r, http.StatusInternalServerError, "internal error")
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func pagination(r *http.Request) repository.Pagination {
	q := r.URL.Query()
	limit := parseIntDefault(q.Get("limit"), 50)
	if limit > 500 {
		limit = 500
	}
	return repository.Pagination{
		Page:  parseIntDefault(q.Get("page"), 1),
		Limit: limit,
	}
}

func recordFilter(r *http.Request) repository.RecordFilter {
	q := r.URL.Query()
	return repository.RecordFilter{
		CustomerID:  q.Get("customer_id"),
		ServiceType: q.Get("service_type"),
		Pagination:  pagination(r),
	}
}

func page[T any](w http.ResponseWriter, r *http.Request, key string, items []T, total int, p repository.Pagination) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		key:     items,
		"total": total,
		"page":  p.Page,
		"limit": p.Limit,
	})
}

// --- IngestDataset ---

func (h *Handlers) IngestDataset(w http.ResponseWriter, r *http.Request) {
	dataset, err := ingestion.ParseDataset(chi.URLParam(r, "dataset"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	}

	// Accept multipart form.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "file field is required: "+err.Error())
		return
	}
	defer file.Close()

	var format ingestion.Format
	if f := r.FormValue("format"); f != "" {
		format, err = ingestion.ParseFormat(f)
	} else {
		format, err = ingestion.FormatFromName(header.Filename)
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	reaudit, _ := strconv.ParseBool(r.FormValue("reaudit"))
	result, err := h.deps.Ingestion.Ingest(r.Context(), dataset, format, data, ingestion.Options{Reaudit: reaudit})
	switch {
	case errors.Is(err, ingestion.ErrInvalidRecord), errors.Is(err, ingestion.ErrMalformedFile):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeInternal(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyIngested {
		status = http.StatusOK
	}
	writeJSON(w, r, status, result)
}

// --- Audits ---

type auditRequest struct {
	CustomerID  string `json:"customer_id"`
	ServiceType string `json:"service_type"`
}

type auditResponse struct {
	Run     any            `json:"run"`
	Summary report.Summary `json:"summary"`
}

func (h *Handlers) RunAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	q := r.URL.Query()
	if v := q.Get("customer_id"); v != "" {
		req.CustomerID = v
	}
	if v := q.Get("service_type"); v != "" {
		req.ServiceType = v
	}

	audit, err := h.deps.Audits.RunAudit(r.Context(), reconciliation.Filter{
		CustomerID:  req.CustomerID,
		ServiceType: req.ServiceType,
	})
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusCreated, auditResponse{
		Run:     audit.Run,
		Summary: report.Summarize(audit.Run.ID, audit.Findings),
	})
}

func (h *Handlers) ListAudits(w http.ResponseWriter, r *http.Request) {
	p := pagination(r)
	runs, total, err := h.deps.Runs.List(r.Context(), p)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	page(w, r, "audits", runs, total, p)
}

func (h *Handlers) GetAudit(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Runs.GetByID(r.Context(), chi.URLParam(r, "id"))
	h.writeRun(w, r, run, err)
}

func (h *Handlers) GetLatestAudit(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Runs.Latest(r.Context())
	h.writeRun(w, r, run, err)
}

func (h *Handlers) writeRun(w http.ResponseWriter, r *http.Request, run any, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "audit not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

func (h *Handlers) DeleteAudit(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Runs.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "audit not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) ListFindings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deps.Runs.GetByID(r.Context(), id); err != nil {
		h.writeRun(w, r, nil, err)
		return
	}

	q := r.URL.Query()
	filter := repository.FindingFilter{
		RunID:      id,
		Kind:       q.Get("kind"),
		Severity:   q.Get("severity"),
		CustomerID: q.Get("customer_id"),
		Pagination: pagination(r),
	}

	findings, total, err := h.deps.Findings.List(r.Context(), filter)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	page(w, r, "findings", findings, total, filter.Pagination)
}

func (h *Handlers) ExportAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := h.deps.Runs.GetByID(r.Context(), id)
	if err != nil {
		h.writeRun(w, r, nil, err)
		return
	}
	findings, err := h.deps.Findings.ByRun(r.Context(), id)
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	w.Header().Set("Content-Type", report.XLSXContentType)
	w.Header().Set("Content-Disposition", "attachment; filename=audit-"+id+".xlsx")
	if err := report.WriteXLSX(w, run, findings); err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Str("run_id", id).Msg("Write workbook")
	}
}

// --- Records ---

func (h *Handlers) ListContracts(w http.ResponseWriter, r *http.Request) {
	f := recordFilter(r)
	items, total, err := h.deps.Contracts.List(r.Context(), f)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	page(w, r, "contracts", items, total, f.Pagination)
}

func (h *Handlers) ListBilling(w http.ResponseWriter, r *http.Request) {
	f := recordFilter(r)
	items, total, err := h.deps.Billing.List(r.Context(), f)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	page(w, r, "billing_records", items, total, f.Pagination)
}

func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	f := recordFilter(r)
	items, total, err := h.deps.Usage.List(r.Context(), f)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	page(w, r, "usage_logs", items, total, f.Pagination)
}

func (h *Handlers) ListProvisioning(w http.ResponseWriter, r *http.Request) {
	f := recordFilter(r)
	items, total, err := h.deps.Provisioning.List(r.Context(), f)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	page(w, r, "provisioning", items, total, f.Pagination)
}

// --- GetDashboard ---

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts := map[string]int{}
	for name, count := range map[string]func() (int, error){
		"contracts":       func() (int, error) { return h.deps.Contracts.Count(ctx) },
		"billing_records": func() (int, error) { return h.deps.Billing.Count(ctx) },
		"usage_logs":      func() (int, error) { return h.deps.Usage.Count(ctx) },
		"provisioning":    func() (int, error) { return h.deps.Provisioning.Count(ctx) },
	} {
		n, err := count()
		if err != nil {
			writeInternal(w, r, err)
			return
		}
		counts[name] = n
	}

	byStatus, err := h.deps.Provisioning.CountByStatus(ctx)
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	dashboard := map[string]any{
		"records":             counts,
		"provisioning_status": byStatus,
		"latest_audit":        nil,
	}

	run, err := h.deps.Runs.Latest(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		writeInternal(w, r, err)
		return
	default:
		summary, err := h.deps.Findings.Summary(ctx, run.ID)
		if err != nil {
			writeInternal(w, r, err)
			return
		}
		dashboard["latest_audit"] = map[string]any{
			"run":      run,
			"findings": summary,
		}
	}

	writeJSON(w, r, http.StatusOK, dashboard)
}
