package api

import (
	"net/http"
	"time"

	"github.com/debarshibasak/coordination/pkg/metrics"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// NewRouter wires the management routes, the metrics endpoint and request logging.
func NewRouter(h *Handler, m *metrics.Metrics) *mux.Router {
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	router.Use(LoggingMiddleware(h.logger))
	return router
}

// statusRecorder captures the status code written by the next handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs every request at debug level and failed ones at warn.
func LoggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			}
			if rec.status >= http.StatusInternalServerError {
				logger.Warn("request failed", fields...)
				return
			}
			logger.Debug("request", fields...)
		})
	}
}
