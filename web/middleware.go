package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Size limit constants
const (
	DefaultMaxBodySize       = 512 << 10 // 512 KB
	IngestRequestMaxBodySize = 16 << 10  // 16 KB
	OAuthCallbackMaxBodySize = 16 << 10  // 16 KB
)

// RequestSizeLimitMiddleware limits the size of request bodies
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// handleMaxBytesError checks if an error is due to request body being too large
func handleMaxBytesError(w http.ResponseWriter, r *http.Request, err error, maxBytes int64) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	if errMsg != "http: request body too large" && errMsg != "request body too large" {
		return false
	}
	slog.Warn("Request body size limit exceeded",
		"remote_addr", r.RemoteAddr,
		"method", r.Method,
		"path", r.URL.Path,
		"max_bytes", maxBytes)
	http.Error(w, "Request body exceeds maximum allowed size", http.StatusRequestEntityTooLarge)
	return true
}

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")

	serializedBody, err := json.Marshal(data)
	if err != nil {
		slog.Error("Failed to marshal JSON", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(statusCode)

	if _, err := w.Write(serializedBody); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
