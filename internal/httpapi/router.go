package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/scanforge/socscan/internal/config"
)

// Handlers holds the dependencies shared by every route handler.
type Handlers struct {
	scheduler SchedulerAPI
}

// NewRouter builds the full gorilla/mux router for the scan orchestration
// core: JWT principal middleware guards the /scans routes (/healthz and
// /metrics are public), and Prometheus instrumentation wraps every matched
// route, following the teacher's infrastructure/middleware composition
// order (auth before business logic, metrics around it).
func NewRouter(sched SchedulerAPI, authCfg config.AuthConfig, metrics *Metrics) http.Handler {
	h := &Handlers{scheduler: sched}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/").Subrouter()
	api.Use(authMiddleware(authCfg))

	api.HandleFunc("/scans", h.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/scans", h.handleList).Methods(http.MethodGet)
	api.HandleFunc("/scans/stats", h.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", h.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", h.handlePatch).Methods(http.MethodPatch)
	api.HandleFunc("/scans/{id}", h.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/scans/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}/start", h.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}/restart", h.handleRestart).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}/clone", h.handleClone).Methods(http.MethodPost)
	api.HandleFunc("/scans/{id}/results", h.handleResults).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/logs", h.handleLogs).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}/export", h.handleExport).Methods(http.MethodGet)

	// Registered as mux middleware so mux.CurrentRoute is set on the
	// request Middleware sees, giving it the route template label.
	r.Use(metrics.Middleware)
	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
