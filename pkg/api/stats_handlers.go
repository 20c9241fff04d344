package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pkgstats/pkg/httputil"
	"github.com/platinummonkey/pkgstats/pkg/observability"
	"github.com/platinummonkey/pkgstats/pkg/stats"
)

// DefaultRetryAfter is suggested to clients while stats are being computed
const DefaultRetryAfter = 5 * time.Second

// StatsHandlers provides the download statistics API endpoints
type StatsHandlers struct {
	service    stats.DownloadStatService
	retryAfter time.Duration
}

// NewStatsHandlers creates a new stats handlers instance
func NewStatsHandlers(service stats.DownloadStatService) *StatsHandlers {
	return &StatsHandlers{
		service:    service,
		retryAfter: DefaultRetryAfter,
	}
}

// StatsResponse is the body of a successful stats request
type StatsResponse struct {
	Project   string            `json:"project"`
	Version   *string           `json:"version,omitempty"`
	Downloads stats.StatsBundle `json:"downloads"`
}

// RegisterRoutes registers stats API routes
func (h *StatsHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/stats/{project}", h.getStats).Methods("GET")
	r.HandleFunc("/api/v1/stats/{project}/{version}", h.getStats).Methods("GET")
}

// getStats handles GET /api/v1/stats/{project}[/{version}]
// Returns 200 with the cached counts, or 202 while they are being computed
func (h *StatsHandlers) getStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.UpdateLoggerWithTraceContext(ctx, observability.FromContext(ctx))

	project, ok := httputil.ParsePathStringOrError(w, r, "project")
	if !ok {
		return
	}
	version := httputil.OptionalPathString(r, "version")

	bundle, err := h.service.Get(ctx, project, version)
	switch {
	case errors.Is(err, stats.ErrStatsPending):
		httputil.WriteAccepted(w, "download stats are being computed, retry shortly", h.retryAfter)
		return
	case errors.Is(err, stats.ErrInvalidIdentifier):
		httputil.WriteValidationError(w, err.Error())
		return
	case err != nil:
		logger.WithError(err).WithField("project", project).Error("failed to get download stats")
		httputil.WriteInternalError(w, errors.New("failed to get download stats"))
		return
	}

	httputil.WriteSuccess(w, StatsResponse{
		Project:   project,
		Version:   version,
		Downloads: *bundle,
	})
}
