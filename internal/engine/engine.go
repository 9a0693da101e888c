// Package engine orchestrates one exchange end to end: decode, request
// guardrails, routing, mediation, dispatch, response analysis, and egress.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/orchix-ai/orchix/internal/audit"
	"github.com/orchix-ai/orchix/internal/cache"
	"github.com/orchix-ai/orchix/internal/codec"
	"github.com/orchix-ai/orchix/internal/domain"
	"github.com/orchix-ai/orchix/internal/guardrail"
	"github.com/orchix-ai/orchix/internal/mediator"
	"github.com/orchix-ai/orchix/internal/router"
	"github.com/orchix-ai/orchix/internal/stream"
	"github.com/orchix-ai/orchix/internal/usage"
)

// Stage identifies where in the exchange an abort originated.
type Stage string

const (
	StageDecoded         Stage = "decoded"
	StageRequestGuarded  Stage = "request_guarded"
	StageRouted          Stage = "routed"
	StageMediated        Stage = "mediated"
	StageDispatched      Stage = "dispatched"
	StageStreaming       Stage = "streaming"
	StageResponseGuarded Stage = "response_guarded"
	StageSent            Stage = "sent"
)

// AbortError wraps the failure that terminated an exchange, carrying the
// stage so the egress adapter can shape a protocol-appropriate error
// response.
type AbortError struct {
	Stage Stage
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("exchange aborted at %s: %v", e.Stage, e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// Egress delivers canonical messages back to the caller. The transport
// adapter owns encoding.
type Egress interface {
	Send(ctx context.Context, msg *domain.CanonicalMessage) error
}

// egressSink adapts an Egress to the stream analyzer's sink.
type egressSink struct {
	egress Egress
}

func (s egressSink) Emit(ctx context.Context, msg *domain.CanonicalMessage) error {
	return s.egress.Send(ctx, msg)
}

// Options wires the engine's collaborators.
type Options struct {
	Codecs   *codec.Registry
	Pipeline *guardrail.Pipeline
	Router   *router.Router
	Mediator *mediator.Mediator
	Analyzer *stream.Analyzer
	Backends map[string]Backend
	Cache    *cache.Cache
	Recorder usage.Recorder
	Audit    audit.Sink
	Logger   *slog.Logger
}

type Engine struct {
	codecs   *codec.Registry
	pipeline atomic.Pointer[guardrail.Pipeline]
	router   *router.Router
	mediator *mediator.Mediator
	analyzer *stream.Analyzer
	backends map[string]Backend
	cache    *cache.Cache
	recorder usage.Recorder
	meter    *usage.Meter
	sink     audit.Sink
	logger   *slog.Logger
}

func New(opts Options) *Engine {
	e := &Engine{
		codecs:   opts.Codecs,
		router:   opts.Router,
		mediator: opts.Mediator,
		analyzer: opts.Analyzer,
		backends: opts.Backends,
		cache:    opts.Cache,
		recorder: opts.Recorder,
		meter:    usage.NewMeter(),
		sink:     opts.Audit,
		logger:   opts.Logger,
	}
	if e.recorder == nil {
		e.recorder = usage.NopRecorder{}
	}
	if e.sink == nil {
		e.sink = audit.NopSink{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.pipeline.Store(opts.Pipeline)
	return e
}

// SwapPipeline publishes a rebuilt guardrail chain. In-flight exchanges keep
// the chain they started with.
func (e *Engine) SwapPipeline(p *guardrail.Pipeline) {
	e.pipeline.Store(p)
}

// Handle runs one exchange. The raw body is decoded with the origin
// protocol's codec; everything the caller sees flows back through egress.
// The returned error is nil for handled outcomes (including policy
// rejections) and an AbortError for faults.
func (e *Engine) Handle(ctx context.Context, origin domain.Protocol, correlationID, path string, headers domain.Headers, body []byte, egress Egress) error {
	start := time.Now()
	rec := usage.Record{CorrelationID: correlationID, Origin: origin}

	c, err := e.codecs.Get(origin)
	if err != nil {
		return e.abort(ctx, egress, origin, correlationID, StageDecoded, err)
	}
	msg, err := c.DecodeRequest(body)
	if err != nil {
		return e.abort(ctx, egress, origin, correlationID, StageDecoded, err)
	}
	annotate(ctx, StageDecoded)
	if msg.CorrelationID == "" {
		msg.CorrelationID = correlationID
	}
	correlationID = msg.CorrelationID
	rec.CorrelationID = correlationID
	for k, v := range headers {
		msg.Headers.Set(k, v)
	}
	rec.Model, _ = msg.Payload.GetString("model")

	pipe := e.pipeline.Load()
	out := pipe.Apply(ctx, guardrail.StageRequest, msg)
	if out.Action == guardrail.ActionBlocked {
		e.reject(ctx, egress, origin, correlationID, out)
		rec.Outcome = "blocked"
		e.finish(ctx, rec, start, msg, nil)
		return nil
	}
	msg = out.Message
	annotate(ctx, StageRequestGuarded)

	var cacheKey string
	if e.cache != nil && cache.Cacheable(msg) {
		cacheKey = cache.Key(path, msg.Payload)
		if hit, ok := e.cache.Get(cacheKey); ok {
			hit.CorrelationID = correlationID
			if err := egress.Send(ctx, hit); err != nil {
				return e.abort(ctx, egress, origin, correlationID, StageSent, err)
			}
			rec.Outcome = "cache_hit"
			e.finish(ctx, rec, start, msg, hit)
			return nil
		}
	}

	decision, err := e.router.Route(msg)
	if err != nil {
		return e.abort(ctx, egress, origin, correlationID, StageRouted, err)
	}
	annotate(ctx, StageRouted)
	rec.Backend = decision.Target.Backend
	rec.Rule = decision.Rule
	rec.Dest = decision.Target.Protocol

	backend, ok := e.backends[decision.Target.Backend]
	if !ok {
		return e.abort(ctx, egress, origin, correlationID, StageRouted,
			fmt.Errorf("backend %q is not configured", decision.Target.Backend))
	}

	mediated, err := e.mediator.Mediate(msg, decision.Target.Protocol)
	if err != nil {
		return e.abort(ctx, egress, origin, correlationID, StageMediated, err)
	}
	if len(mediated.LossyFields) > 0 {
		e.logger.Debug("mediation dropped fields",
			slog.String("correlation_id", correlationID),
			slog.Any("lossy_fields", mediated.LossyFields))
	}

	var (
		sess      *stream.Session
		buffered  *domain.CanonicalMessage
		delivered bool
	)
	deliver := func(m *domain.CanonicalMessage) error {
		delivered = true
		if m.Kind == domain.KindStreamChunk {
			if sess == nil {
				template := &domain.CanonicalMessage{
					Kind:           domain.KindStreamChunk,
					Headers:        msg.Headers,
					OriginProtocol: origin,
					CorrelationID:  correlationID,
				}
				sess = e.analyzer.Open(template, egressSink{egress: egress})
			}
			return sess.Offer(ctx, m)
		}
		buffered = m
		return nil
	}

	err = backend.Dispatch(ctx, mediated, deliver)
	if err != nil && !delivered && retryable(err) && cache.Cacheable(msg) {
		// Idempotent request and nothing reached the caller yet; one retry
		// against the same target.
		e.logger.Warn("retrying dispatch",
			slog.String("correlation_id", correlationID),
			slog.String("backend", backend.Name()),
			slog.String("error", err.Error()))
		err = backend.Dispatch(ctx, mediated, deliver)
	}
	if sess != nil {
		defer e.analyzer.Close(correlationID)
	}
	if err != nil {
		return e.abort(ctx, egress, origin, correlationID, stageFor(err), err)
	}
	annotate(ctx, StageDispatched)

	if sess != nil {
		rec.Outcome = "streamed"
		e.finish(ctx, rec, start, msg, nil)
		return nil
	}
	if buffered == nil {
		return e.abort(ctx, egress, origin, correlationID, StageDispatched,
			fmt.Errorf("backend %q delivered no response", backend.Name()))
	}

	out = pipe.Apply(ctx, guardrail.StageResponse, buffered)
	if out.Action == guardrail.ActionBlocked {
		e.reject(ctx, egress, origin, correlationID, out)
		rec.Outcome = "blocked_response"
		e.finish(ctx, rec, start, msg, nil)
		return nil
	}
	resp := out.Message

	back, err := e.mediator.Mediate(resp, origin)
	if err != nil {
		return e.abort(ctx, egress, origin, correlationID, StageResponseGuarded, err)
	}
	back.CorrelationID = correlationID

	if err := egress.Send(ctx, back); err != nil {
		return e.abort(ctx, egress, origin, correlationID, StageSent, err)
	}
	annotate(ctx, StageSent)
	if cacheKey != "" {
		e.cache.Put(cacheKey, back)
	}
	rec.Outcome = "completed"
	e.finish(ctx, rec, start, msg, back)
	return nil
}

// reject surfaces a guardrail verdict as a policy rejection, not a fault.
func (e *Engine) reject(ctx context.Context, egress Egress, origin domain.Protocol, correlationID string, out guardrail.Outcome) {
	msg := &domain.CanonicalMessage{
		Kind:    domain.KindError,
		Headers: domain.Headers{},
		Payload: domain.Payload{
			"error":       "blocked",
			"interceptor": out.Interceptor,
			"reason":      out.Reason,
		},
		OriginProtocol: origin,
		CorrelationID:  correlationID,
		Terminal:       true,
	}
	if err := egress.Send(ctx, msg); err != nil {
		e.logger.Warn("failed to deliver rejection",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) abort(ctx context.Context, egress Egress, origin domain.Protocol, correlationID string, stage Stage, err error) error {
	e.logger.Error("exchange aborted",
		slog.String("correlation_id", correlationID),
		slog.String("stage", string(stage)),
		slog.String("error", err.Error()))
	e.sink.Record(audit.Event{
		Kind:          "aborted",
		Stage:         string(stage),
		CorrelationID: correlationID,
		Protocol:      string(origin),
		Reason:        err.Error(),
	})

	msg := &domain.CanonicalMessage{
		Kind:    domain.KindError,
		Headers: domain.Headers{},
		Payload: domain.Payload{
			"error":   errorName(err),
			"stage":   string(stage),
			"message": err.Error(),
		},
		OriginProtocol: origin,
		CorrelationID:  correlationID,
		Terminal:       true,
	}
	if sendErr := egress.Send(ctx, msg); sendErr != nil {
		e.logger.Warn("failed to deliver abort",
			slog.String("correlation_id", correlationID),
			slog.String("error", sendErr.Error()))
	}
	return &AbortError{Stage: stage, Err: err}
}

func (e *Engine) finish(ctx context.Context, rec usage.Record, start time.Time, request, response *domain.CanonicalMessage) {
	rec.Duration = time.Since(start)
	rec.Completed = time.Now()
	e.meter.Measure(&rec, request, response)
	e.recorder.Record(ctx, rec)
}

// annotate records the stage transition on the exchange span, if one is
// active (otelhttp starts it at ingress).
func annotate(ctx context.Context, stage Stage) {
	trace.SpanFromContext(ctx).AddEvent(string(stage))
}

func retryable(err error) bool {
	var de *domain.DispatchError
	return errors.As(err, &de)
}

func stageFor(err error) Stage {
	var (
		de *domain.DispatchError
		se *domain.StreamError
		ee *domain.EncodeError
	)
	switch {
	case errors.As(err, &se):
		return StageStreaming
	case errors.As(err, &de):
		return StageDispatched
	case errors.As(err, &ee):
		return StageMediated
	default:
		return StageDispatched
	}
}

func errorName(err error) string {
	var (
		de  *domain.DecodeError
		ee  *domain.EncodeError
		re  *domain.RouteError
		se  *domain.StreamError
		me  *domain.MediationError
		dpe *domain.DispatchError
	)
	switch {
	case errors.As(err, &de):
		return "decode_error"
	case errors.As(err, &ee):
		return "encode_error"
	case errors.As(err, &re):
		return "route_error"
	case errors.As(err, &se):
		return "stream_error"
	case errors.As(err, &me):
		return "mediation_error"
	case errors.As(err, &dpe):
		return "dispatch_error"
	default:
		return "internal_error"
	}
}
