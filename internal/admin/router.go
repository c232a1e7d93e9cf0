package admin

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ordersync/internal/ingest"
	"ordersync/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Handler serves health, metrics and the write intake.
type Handler struct {
	writer  ingest.Writer
	metrics *metrics.Registry
	logger  *slog.Logger
	backlog func() int
}

// NewHandler binds the admin surface. backlog reports the pending change count and may be nil.
func NewHandler(w ingest.Writer, mreg *metrics.Registry, logger *slog.Logger, backlog func() int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{writer: w, metrics: mreg, logger: logger, backlog: backlog}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(h.logRequests)

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/writes", h.write)
	})
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.backlog != nil {
		body["backlog"] = h.backlog()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	req, err := ingest.Decode(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	c, err := ingest.Apply(h.writer, req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ingest.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		h.logger.ErrorContext(r.Context(), "write failed",
			"module", "admin",
			"operation", "write",
			"outcome", "failure",
			"path", req.Path,
			"error", err,
		)
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": c.ID, "seq": c.Seq, "op": c.Op, "path": c.Path})
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.DebugContext(r.Context(), "http request",
			"module", "admin",
			"operation", r.Method+" "+r.URL.Path,
			"outcome", "served",
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
