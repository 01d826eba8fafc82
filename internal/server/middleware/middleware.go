// Package middleware provides the HTTP middleware chain: request ids,
// panic recovery with standard error envelopes, and ingress rate limiting.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ErrorResponse is the JSON error body all endpoints return.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable error payload.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// RequestID ensures every request carries an id, honoring an inbound
// X-Request-ID header and echoing the id on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id from the context, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Recovery converts panics into 500 responses with a standard envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				envelope := gferrors.NewErrorEnvelope("INTERNAL_ERROR", fmt.Sprintf("panic: %v", rec))
				if id := GetRequestID(r.Context()); id != "" {
					envelope = envelope.WithCorrelationID(id)
				}
				writeErrorResponse(w, envelope, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery kept for handler-chain readability.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// RateLimit rejects requests exceeding the shared token bucket with 429.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				envelope := gferrors.NewErrorEnvelope("RATE_LIMITED", "too many requests")
				if id := GetRequestID(r.Context()); id != "" {
					envelope = envelope.WithCorrelationID(id)
				}
				w.Header().Set("Retry-After", "1")
				writeErrorResponse(w, envelope, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Logging emits one request-scoped log line per request.
func Logging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", GetRequestID(r.Context())))
		})
	}
}

// writeErrorResponse renders a standard error envelope as JSON.
func writeErrorResponse(w http.ResponseWriter, envelope *gferrors.ErrorEnvelope, statusCode int) {
	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:      envelope.Code,
			Message:   envelope.Message,
			RequestID: envelope.CorrelationID,
			Details:   envelope.Context,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// WriteError is the exported entry point handlers use for non-panic errors.
func WriteError(w http.ResponseWriter, r *http.Request, code, message string, statusCode int) {
	envelope := gferrors.NewErrorEnvelope(code, message)
	if id := GetRequestID(r.Context()); id != "" {
		envelope = envelope.WithCorrelationID(id)
	}
	writeErrorResponse(w, envelope, statusCode)
}
