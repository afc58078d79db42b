package export

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/activity"
	"github.com/nicktill/tinystat/pkg/config"
	"github.com/nicktill/tinystat/pkg/httpx"
	"github.com/nicktill/tinystat/pkg/storage"
)

// StorageChecker refuses writes while the data directory is over its limit
type StorageChecker interface {
	CheckLimit() error
}

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	checker  StorageChecker
	logger   *zap.Logger
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store),
		logger:   logger.Named("export"),
	}
}

// SetStorageChecker sets the storage limit checker used by imports
func (h *Handler) SetStorageChecker(checker StorageChecker) {
	h.checker = checker
}

// HandleExport handles GET /v1/records
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 7 days before end)
//   - end: RFC3339 timestamp (default: now)
//   - app_id: application filter (optional)
//   - dimension: "week" or "month" (optional)
//   - limit: maximum records (default and cap: 100000)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format, must be 'json' or 'csv'")
		return
	}

	end, err := parseTimeParam(query.Get("end"), time.Now())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
		return
	}
	start, err := parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large, maximum is %v", config.MaxExportWindow))
		return
	}

	opts := ExportOptions{
		Start: start,
		End:   end,
		AppID: query.Get("app_id"),
		Limit: config.MaxExportRecords,
	}

	if dim := query.Get("dimension"); dim != "" {
		d := activity.Dimension(strings.ToLower(dim))
		if d != activity.DimensionWeek && d != activity.DimensionMonth {
			httpx.RespondErrorString(w, http.StatusBadRequest, "invalid dimension, must be 'week' or 'month'")
			return
		}
		opts.Dimension = d
	}

	if l := query.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = min(n, config.MaxExportRecords)
	}

	timestamp := time.Now().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinystat-records-%s.%s", timestamp, format))

	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		h.logger.Error("export failed", zap.String("format", format), zap.Error(err))
		w.Header().Del("Content-Disposition")
		httpx.RespondError(w, statusFor(err), err)
		return
	}

	h.logger.Info("exported records",
		zap.Int("records", result.RecordsExported),
		zap.String("format", format),
		zap.String("range", result.TimeRange),
	)
}

// HandleImport handles POST /v1/sessions/import
// Accepts an ImportData document and appends its sessions to the log
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		httpx.RespondErrorString(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	if h.checker != nil {
		if err := h.checker.CheckLimit(); err != nil {
			h.logger.Warn("import refused", zap.Error(err))
			httpx.RespondError(w, http.StatusInsufficientStorage, err)
			return
		}
	}

	var data ImportData
	if err := httpx.DecodeJSON(w, r, config.MaxImportBodyBytes, &data); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if len(data.Sessions) > config.MaxImportEvents {
		httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("too many sessions: %d (max %d)", len(data.Sessions), config.MaxImportEvents))
		return
	}

	result, err := h.importer.Import(r.Context(), data.Sessions)
	if err != nil {
		h.logger.Error("import failed", zap.Error(err))
		httpx.RespondError(w, statusFor(err), err)
		return
	}

	if len(result.Errors) > 0 {
		shown := result.Errors
		if len(shown) > 10 {
			shown = shown[:10]
		}
		h.logger.Warn("import completed with validation errors",
			zap.Int("errors", len(result.Errors)),
			zap.Strings("first", shown),
		)
	}

	h.logger.Info("imported sessions",
		zap.Int("sessions", result.SessionsImported),
		zap.Int("batches", result.BatchesWritten),
		zap.String("range", result.TimeRange),
	)

	httpx.RespondJSON(w, http.StatusOK, result)
}

func statusFor(err error) int {
	if storage.IsUnavailable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// parseTimeParam parses a time parameter or returns the default when empty
func parseTimeParam(param string, defaultTime time.Time) (time.Time, error) {
	if param == "" {
		return defaultTime, nil
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", param); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, param)
}
