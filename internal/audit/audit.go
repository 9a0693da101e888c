// Package audit provides the fire-and-forget audit side channel invoked by
// interceptors and the proxy engine on blocked or aborted outcomes. Failure
// to record never blocks the mediation pipeline.
package audit

import "time"

// Event is one audit record.
type Event struct {
	Time          time.Time `json:"time" db:"time"`
	Kind          string    `json:"kind" db:"kind"` // "blocked" or "aborted"
	Stage         string    `json:"stage" db:"stage"`
	CorrelationID string    `json:"correlation_id" db:"correlation_id"`
	Protocol      string    `json:"protocol" db:"protocol"`
	Interceptor   string    `json:"interceptor,omitempty" db:"interceptor"`
	Reason        string    `json:"reason" db:"reason"`
}

// Sink receives audit events. Implementations must not block the caller.
type Sink interface {
	Record(Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}
