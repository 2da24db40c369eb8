package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/skridlevsky/govdesk/internal/ipc"
)

// maxInvokeBody caps an envelope; parameters are a few short strings.
const maxInvokeBody = 1 << 20

// LogSource streams the application log. Satisfied by *logging.Logger.
type LogSource interface {
	Export(w io.Writer) (int64, error)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// NewHealthHandler creates a health handler with service checks. Refresh job
// failures degrade the reported status but keep a 200, since the cache still
// serves reads.
func NewHealthHandler(db interface{ Health(context.Context) error }, refresher RefreshStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		services := make(map[string]string)
		status := "ok"
		code := http.StatusOK

		if db != nil {
			if err := db.Health(r.Context()); err != nil {
				slog.Error("Database health check failed", "error", err)
				services["database"] = "unhealthy"
				status = "unhealthy"
				code = http.StatusServiceUnavailable
			} else {
				services["database"] = "healthy"
			}
		}

		if refresher != nil {
			for name, js := range refresher.Status() {
				services["refresh:"+name] = js.Status
				if js.Status == "error" && status == "ok" {
					status = "degraded"
				}
			}
		}

		respondJSON(w, code, HealthResponse{
			Status:    status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Services:  services,
		})
	}
}

// NewInvokeHandler handles POST /api/invoke. Every decoded request answers
// 200 with the envelope; the envelope carries the operation's own status.
func NewInvokeHandler(inv Invoker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ipc.Request
		if err := parseJSON(http.MaxBytesReader(w, r.Body, maxInvokeBody), &req); err != nil {
			respondJSON(w, http.StatusBadRequest, ipc.Response{
				StatusCode: http.StatusBadRequest,
				Error:      "invalid request body",
			})
			return
		}
		if req.ID == "" {
			req.ID = middleware.GetReqID(r.Context())
		}

		respondJSON(w, http.StatusOK, inv.Dispatch(r.Context(), req))
	}
}

// NewLogExportHandler handles GET /api/logs/export.
func NewLogExportHandler(logs LogSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="govdesk.log"`)

		n, err := logs.Export(w)
		if err != nil {
			logger.Error("log export failed", "error", err, "bytes", n)
			if n == 0 {
				http.Error(w, "log export failed", http.StatusInternalServerError)
			}
		}
	}
}

// parseJSON is a helper to decode JSON request bodies
func parseJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
