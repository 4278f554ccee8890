package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/leakwatch/auditor/internal/ingestion"
	"github.com/leakwatch/auditor/internal/logging"
	"github.com/leakwatch/auditor/internal/reconciliation"
	"github.com/leakwatch/auditor/internal/repository"
)

// Deps carries everything the handlers read from or write to.
type Deps struct {
	Contracts    *repository.ContractRepo
	Billing      *repository.BillingRepo
	Usage        *repository.UsageRepo
	Provisioning *repository.ProvisioningRepo
	Runs         *repository.AuditRunRepo
	Findings     *repository.FindingRepo
	Ingestion    *ingestion.Service
	Audits       *reconciliation.Service
}

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(d Deps) http.Handler {
	h := &Handlers{deps: d, log: logging.Component("api")}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Route("/api/v1", func(r chi.Router) {
		// Ingestion.
		r.Post("/datasets/{dataset}/ingest", h.IngestDataset)

		// Audits.
		r.Post("/audits", h.RunAudit)
		r.Get("/audits", h.ListAudits)
		r.Get("/audits/latest", h.GetLatestAudit)
		r.Get("/audits/{id}", h.GetAudit)
		r.Delete("/audits/{id}", h.DeleteAudit)
		r.Get("/audits/{id}/findings", h.ListFindings)
		r.Get("/audits/{id}/report.xlsx", h.ExportAudit)

		// Records.
		r.Get("/contracts", h.ListContracts)
		r.Get("/billing", h.ListBilling)
		r.Get("/usage", h.ListUsage)
		r.Get("/provisioning", h.ListProvisioning)

		// Dashboard.
		r.Get("/dashboard", h.GetDashboard)
	})

	return r
}

// requestLogger logs one line per request through zerolog.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			reqLog := log.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			r = r.WithContext(logging.WithLogger(r.Context(), &reqLog))

			defer func() {
				ev := reqLog.Info()
				if ww.Status() >= http.StatusInternalServerError {
					ev = reqLog.Error()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("Request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
