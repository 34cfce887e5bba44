package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics, logs them and answers 500.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				requestID := GetRequestID(r.Context())

				logger.Error("HTTP request panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", requestID),
					slog.Any("panic", rec),
					slog.String("stack_trace", string(debug.Stack())),
				)

				problem := struct {
					Title     string `json:"title"`
					Status    int    `json:"status"`
					Instance  string `json:"instance"`
					RequestID string `json:"requestId"`
				}{
					Title:     "Internal Server Error",
					Status:    http.StatusInternalServerError,
					Instance:  r.URL.Path,
					RequestID: requestID,
				}

				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusInternalServerError)

				if err := json.NewEncoder(w).Encode(problem); err != nil {
					logger.Error("Failed to encode error response",
						slog.Any("error", err),
						slog.String("request_id", requestID))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
