package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinystat/pkg/config"
	"github.com/nicktill/tinystat/pkg/export"
	"github.com/nicktill/tinystat/pkg/httpx"
	"github.com/nicktill/tinystat/pkg/retention"
	"github.com/nicktill/tinystat/pkg/rollup"
	"github.com/nicktill/tinystat/pkg/runfeed"
	"github.com/nicktill/tinystat/pkg/server/monitor"
	"github.com/nicktill/tinystat/pkg/storage"
	"github.com/nicktill/tinystat/pkg/timedim"
)

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Rollup    monitor.JobStatus `json:"rollup"`
	Retention monitor.JobStatus `json:"retention"`
}

// RollupRequest is the body of POST /v1/rollup.
type RollupRequest struct {
	// Date is YYYY-MM-DD in the server timezone (empty = yesterday)
	Date  string `json:"date"`
	Reset bool   `json:"reset"`
	AppID string `json:"app_id"`
}

// RetentionRequest is the body of POST /v1/retention. Missing fields use
// the configured policy.
type RetentionRequest struct {
	Weeks  *int `json:"weeks"`
	Months *int `json:"months"`
}

// handleRollup runs a rollup on demand. already_computed and empty are 200
// responses carrying that outcome; a fatal store failure is 503.
func handleRollup(jobs *Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RollupRequest
		if err := httpx.DecodeJSON(w, r, 1<<20, &body); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}

		date := jobs.Yesterday()
		if body.Date != "" {
			d, err := timedim.ParseDay(body.Date, jobs.Location())
			if err != nil {
				httpx.RespondError(w, http.StatusBadRequest, err)
				return
			}
			date = d
		}

		result, err := jobs.Rollup(r.Context(), rollup.Request{
			Date:  date,
			Reset: body.Reset,
			AppID: body.AppID,
		}, TriggerAPI)
		if err != nil {
			httpx.RespondError(w, http.StatusServiceUnavailable, err)
			return
		}

		httpx.RespondJSON(w, http.StatusOK, result)
	}
}

// handleRetention runs retention on demand: 200 when every attempted
// dimension succeeded, 207 on partial failure, 503 when all failed.
func handleRetention(jobs *Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RetentionRequest
		if err := httpx.DecodeJSON(w, r, 1<<20, &body); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}

		policy := jobs.Policy()
		if body.Weeks != nil {
			policy.Weeks = *body.Weeks
		}
		if body.Months != nil {
			policy.Months = *body.Months
		}

		report := jobs.Clean(r.Context(), policy, TriggerAPI)
		httpx.RespondJSON(w, retentionStatus(report), report)
	}
}

func retentionStatus(report retention.Report) int {
	switch {
	case report.Failed():
		return http.StatusServiceUnavailable
	case report.PartialSuccess():
		return http.StatusMultiStatus
	default:
		return http.StatusOK
	}
}

// handleStats returns storage statistics.
func handleStats(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
		defer cancel()

		stats, err := store.Stats(ctx)
		if err != nil {
			status := http.StatusInternalServerError
			if storage.IsUnavailable(err) {
				status = http.StatusServiceUnavailable
			}
			httpx.RespondError(w, status, err)
			return
		}

		httpx.RespondJSON(w, http.StatusOK, stats)
	}
}

// handleHealth returns service health status.
func handleHealth(jobs *Jobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK

		if !jobs.RollupMonitor.IsHealthy() || !jobs.RetentionMonitor.IsHealthy() {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:    overallStatus,
			Version:   "1.0.0",
			Uptime:    time.Since(startTime).String(),
			Rollup:    jobs.RollupMonitor.Status(),
			Retention: jobs.RetentionMonitor.Status(),
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// handleStorageUsage returns current storage usage.
func handleStorageUsage(monitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		usedBytes, err := monitor.Usage()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		usage := StorageUsage{
			UsedBytes: usedBytes,
			MaxBytes:  monitor.Limit(),
		}

		httpx.RespondJSON(w, http.StatusOK, usage)
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(
	router *mux.Router,
	jobs *Jobs,
	store storage.Store,
	exportHandler *export.Handler,
	storageMonitor *monitor.StorageMonitor,
	hub *runfeed.Hub,
	port string,
) {
	// CORS middleware for API access
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/v1").Subrouter()

	// Jobs
	api.HandleFunc("/rollup", handleRollup(jobs)).Methods("POST")
	api.HandleFunc("/retention", handleRetention(jobs)).Methods("POST")

	// Records and sessions
	api.HandleFunc("/records", exportHandler.HandleExport).Methods("GET")
	api.HandleFunc("/sessions/import", exportHandler.HandleImport).Methods("POST")

	// Stats and health
	api.HandleFunc("/stats", handleStats(store)).Methods("GET")
	if storageMonitor != nil {
		api.HandleFunc("/storage", handleStorageUsage(storageMonitor)).Methods("GET")
	}
	api.HandleFunc("/health", handleHealth(jobs)).Methods("GET")

	// Run feed
	if hub != nil {
		api.HandleFunc("/ws", hub.HandleWebSocket).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
