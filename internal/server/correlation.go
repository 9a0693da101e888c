package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

// CorrelationIDKey is the context key for the exchange correlation ID.
const CorrelationIDKey contextKey = "correlation_id"

const correlationHeader = "X-Correlation-ID"

// CorrelationIDMiddleware assigns each exchange its correlation ID. A client
// supplying X-Correlation-ID keeps it; otherwise one is generated. The ID is
// echoed on the response and groups every log line, audit event, and stream
// chunk of the exchange.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), CorrelationIDKey, id)
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationID retrieves the exchange correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}
