// Package guardrail implements the ordered interceptor chain applied to
// every canonical message before it is forwarded and before a response is
// returned to the caller.
package guardrail

import (
	"context"
	"log/slog"

	"github.com/orchix-ai/orchix/internal/audit"
	"github.com/orchix-ai/orchix/internal/domain"
)

// Stage identifies which direction of the exchange is being guarded.
type Stage string

const (
	StageRequest  Stage = "request"
	StageResponse Stage = "response"
)

// Action is the verdict of an interceptor or of the whole pipeline.
type Action string

const (
	ActionPassthrough Action = "passthrough"
	ActionBlocked     Action = "blocked"
	// ActionDeferred asks the caller to buffer the full response before a
	// verdict can be issued. Only interceptors that cannot evaluate a
	// partial stream use it.
	ActionDeferred Action = "deferred"
)

// ReasonUnprocessableInput is the blocked reason for a message shape an
// interceptor cannot parse. It is a policy rejection, not a pipeline fault.
const ReasonUnprocessableInput = "unprocessable_input"

// Outcome is the result of applying an interceptor or pipeline.
type Outcome struct {
	Action      Action
	Message     *domain.CanonicalMessage
	Interceptor string
	Reason      string
}

// Passthrough returns a passing outcome carrying the (possibly transformed)
// message.
func Passthrough(msg *domain.CanonicalMessage) Outcome {
	return Outcome{Action: ActionPassthrough, Message: msg}
}

// Blocked returns a blocking outcome attributed to an interceptor.
func Blocked(interceptor, reason string) Outcome {
	return Outcome{Action: ActionBlocked, Interceptor: interceptor, Reason: reason}
}

// Deferred returns a deferral outcome attributed to an interceptor.
func Deferred(interceptor string) Outcome {
	return Outcome{Action: ActionDeferred, Interceptor: interceptor}
}

// Interceptor inspects, transforms, or rejects a canonical message. It is
// pure with respect to external state except for the injected audit sink; a
// shape it cannot parse yields Blocked{UnprocessableInput}, never an error.
type Interceptor interface {
	Name() string
	Intercept(ctx context.Context, stage Stage, msg *domain.CanonicalMessage) Outcome
}

// Pipeline is an immutable ordered interceptor chain. Configuration reload
// builds a new Pipeline and swaps it atomically; in-flight exchanges keep
// the chain they started with.
type Pipeline struct {
	interceptors []Interceptor
	sink         audit.Sink
	logger       *slog.Logger
}

// NewPipeline creates a pipeline executing interceptors in the given order.
func NewPipeline(interceptors []Interceptor, sink audit.Sink, logger *slog.Logger) *Pipeline {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{interceptors: interceptors, sink: sink, logger: logger}
}

// Apply runs the chain in order. Any Blocked short-circuits the remaining
// interceptors; Deferred is remembered and reported after the full chain has
// seen the message.
func (p *Pipeline) Apply(ctx context.Context, stage Stage, msg *domain.CanonicalMessage) Outcome {
	current := msg
	deferredBy := ""

	for _, ic := range p.interceptors {
		out := ic.Intercept(ctx, stage, current)
		switch out.Action {
		case ActionBlocked:
			p.logger.Info("guardrail blocked message",
				slog.String("stage", string(stage)),
				slog.String("interceptor", ic.Name()),
				slog.String("reason", out.Reason),
				slog.String("correlation_id", current.CorrelationID))
			p.sink.Record(audit.Event{
				Kind:          "blocked",
				Stage:         string(stage),
				CorrelationID: current.CorrelationID,
				Protocol:      string(current.OriginProtocol),
				Interceptor:   ic.Name(),
				Reason:        out.Reason,
			})
			return out
		case ActionDeferred:
			if deferredBy == "" {
				deferredBy = ic.Name()
			}
		case ActionPassthrough:
			if out.Message != nil {
				current = out.Message
			}
		}
	}

	if deferredBy != "" {
		out := Deferred(deferredBy)
		out.Message = current
		return out
	}
	return Passthrough(current)
}

// Len returns the number of interceptors in the chain.
func (p *Pipeline) Len() int {
	return len(p.interceptors)
}
