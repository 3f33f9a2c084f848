// internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tigscm/internal/detector"
	tigerrors "tigscm/internal/errors"
	"tigscm/internal/fsmonitor"
	"tigscm/internal/logging"
	"tigscm/internal/middleware"
	"tigscm/internal/revstore"
)

// StatusSource runs one reconciliation; the watch daemon implements it.
type StatusSource interface {
	Status(ctx context.Context) ([]fsmonitor.PendingResult, error)
}

// Change is the wire form of one pending result.
type Change struct {
	Path  string `json:"path"`
	Kind  string `json:"kind,omitempty"`
	Size  uint64 `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

type StatusResponse struct {
	Changes  []Change      `json:"changes"`
	Duration time.Duration `json:"duration_ns"`
}

type StatusHandler struct {
	source StatusSource
	logger *zap.Logger
}

func NewStatusHandler(source StatusSource, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{source: source, logger: logging.OrNop(logger)}
}

func (h *StatusHandler) Get(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	results, err := h.source.Status(r.Context())
	if err != nil {
		logging.WithRequestID(r.Context(), h.logger).Warn("status failed", zap.Error(err))
		status := http.StatusInternalServerError
		if tigerrors.IsKind(err, tigerrors.KindTransient) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	resp := StatusResponse{Changes: make([]Change, 0, len(results)), Duration: time.Since(start)}
	for _, res := range results {
		c := Change{Path: res.Path}
		if res.Err != nil {
			c.Error = res.Err.Error()
			if p, ok := tigerrors.PathOf(res.Err); ok && c.Path == "" {
				c.Path = p
			}
		} else {
			c.Kind = res.Kind.String()
			if res.Kind == detector.Changed {
				c.Size = res.Meta.Size
			}
		}
		resp.Changes = append(resp.Changes, c)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ContentHandler serves stored file revisions.
type ContentHandler struct {
	content detector.ContentReader
}

func NewContentHandler(content detector.ContentReader) *ContentHandler {
	return &ContentHandler{content: content}
}

func (h *ContentHandler) Get(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	node, err := revstore.ParseNode(r.URL.Query().Get("node"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := h.content.GetFileContent(r.Context(), revstore.Key{Path: path, Node: node})
	if err != nil {
		if errors.Is(err, revstore.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// NewRouter serves status, content and metrics behind the standard
// middleware chain.
func NewRouter(status StatusSource, content detector.ContentReader, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", NewStatusHandler(status, logger).Get)
	mux.HandleFunc("GET /content/{path...}", NewContentHandler(content).Get)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.Chain(mux,
		middleware.Recover(logger),
		middleware.Observe(logger),
		middleware.RequestID,
	)
}
