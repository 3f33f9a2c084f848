// Package middleware wraps the status server's handlers.
package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tigscm/internal/logging"
	"tigscm/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// statusRecorder remembers the status code a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func record(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, code: http.StatusOK}
}

type Middleware func(http.Handler) http.Handler

// Chain applies middlewares inside out: the last one listed sees the request
// first.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for _, m := range middlewares {
		h = m(h)
	}
	return h
}

// RequestID keeps a caller-supplied X-Request-ID or mints one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// Observe logs every request at debug level and records its latency per
// route pattern.
func Observe(logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := record(w)
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			// Pattern is set by the mux on this same request value.
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.RecordHTTPRequest(route, rec.code, elapsed)
			logging.WithRequestID(r.Context(), logger).Debug("request completed",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", rec.code),
				zap.Duration("duration", elapsed),
			)
		})
	}
}

// Recover turns a handler panic into a 500.
func Recover(logger *zap.Logger) Middleware {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logging.WithRequestID(r.Context(), logger).Error("handler panicked",
						zap.Any("panic", p),
						zap.String("path", r.URL.Path),
					)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
