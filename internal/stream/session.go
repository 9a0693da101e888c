package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/domain"
	"github.com/orchix-ai/orchix/internal/guardrail"
)

// State is the lifecycle phase of a streaming session.
type State string

const (
	StateOpen         State = "open"
	StateAccumulating State = "accumulating"
	StatePassThrough  State = "pass_through"
	StateToolCall     State = "tool_call_detected"
	StateClosed       State = "closed"
)

// Sink receives guardrail-checked messages for egress, in non-decreasing
// sequence order per correlation ID.
type Sink interface {
	Emit(ctx context.Context, msg *domain.CanonicalMessage) error
}

// Guard is the response-stage guardrail pass applied to every chunk and every
// reassembled tool call before it reaches the sink.
type Guard interface {
	Apply(ctx context.Context, stage guardrail.Stage, msg *domain.CanonicalMessage) guardrail.Outcome
}

// Session holds the per-correlation streaming state: the reorder buffer, the
// tool-call assembler, and deferral bookkeeping. A session is owned by the
// one exchange that created it; the mutex only covers the race between that
// owner and the idle janitor.
type Session struct {
	mu sync.Mutex

	cfg    config.StreamConfig
	guard  Guard
	sink   Sink
	logger *slog.Logger

	correlationID string
	origin        domain.Protocol
	headers       domain.Headers

	state    State
	expected uint64
	pending  map[uint64]*domain.CanonicalMessage
	asm      *assembler
	lastSeen time.Time

	// deferred buffers the full response when an interceptor cannot judge a
	// partial stream. Nothing is forwarded until the terminal chunk.
	deferred    bool
	deferredBuf strings.Builder

	// outbox collects guarded messages during an Offer; they are sent to
	// the sink after the lock is released.
	outbox []*domain.CanonicalMessage

	emitSeq uint64
	closed  error
}

func newSession(cfg config.StreamConfig, guard Guard, sink Sink, logger *slog.Logger, template *domain.CanonicalMessage) *Session {
	return &Session{
		cfg:           cfg,
		guard:         guard,
		sink:          sink,
		logger:        logger,
		correlationID: template.CorrelationID,
		origin:        template.OriginProtocol,
		headers:       template.Headers.Clone(),
		state:         StateOpen,
		pending:       make(map[uint64]*domain.CanonicalMessage),
		asm:           newAssembler(cfg.MaxToolCallBytes),
		lastSeen:      time.Now(),
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Offer hands the session its next chunk. Chunks arriving ahead of the
// expected sequence are buffered up to the reorder bound; duplicates are
// dropped. Guardrail checks run under the session lock; the resulting
// messages reach the sink only after the lock is released, so no lock is
// ever held across a sink write. The returned StreamError, when non-nil, is
// terminal for the whole session and all buffered content has been
// discarded.
func (s *Session) Offer(ctx context.Context, chunk *domain.CanonicalMessage) error {
	s.mu.Lock()
	if s.state == StateClosed {
		err := s.closed
		s.mu.Unlock()
		return err
	}
	s.lastSeen = time.Now()

	var err error
	switch {
	case chunk.Sequence < s.expected:
		s.logger.Debug("dropping duplicate stream chunk",
			slog.String("correlation_id", s.correlationID),
			slog.Uint64("sequence", chunk.Sequence))
	case chunk.Sequence > s.expected:
		s.pending[chunk.Sequence] = chunk
		if len(s.pending) > s.cfg.ReorderBound {
			err = s.fail(&domain.StreamError{
				Kind:          domain.StreamOutOfOrderOverflow,
				CorrelationID: s.correlationID,
				Detail:        "reorder buffer bound exceeded",
			})
		}
	default:
		err = s.drain(ctx, chunk)
	}

	outbox := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, msg := range outbox {
		if sendErr := s.sink.Emit(ctx, msg); sendErr != nil {
			return sendErr
		}
	}
	return err
}

// drain processes the in-order chunk plus any directly following buffered
// chunks. The caller holds the lock.
func (s *Session) drain(ctx context.Context, chunk *domain.CanonicalMessage) error {
	if err := s.process(ctx, chunk); err != nil {
		return err
	}
	s.expected++

	for {
		next, ok := s.pending[s.expected]
		if !ok {
			return nil
		}
		delete(s.pending, s.expected)
		if err := s.process(ctx, next); err != nil {
			return err
		}
		s.expected++
	}
}

// process feeds the chunk's content through the assembler. A terminal
// chunk's content is consumed first, then the session finishes; a closing
// brace arriving on the final chunk still completes its tool call.
func (s *Session) process(ctx context.Context, chunk *domain.CanonicalMessage) error {
	for _, seg := range s.asm.feed(chunk.Text()) {
		if seg.call != nil {
			s.state = StateToolCall
			s.emitToolCall(ctx, seg.call)
			continue
		}
		s.emitText(ctx, seg.text)
	}
	if chunk.Terminal {
		return s.finish(ctx)
	}
	if s.asm.pending() {
		s.state = StateAccumulating
	} else if s.state != StateToolCall {
		s.state = StatePassThrough
	}
	return nil
}

// finish closes the stream: a dangling tool-call capture is a truncation
// fault, a deferred session releases its buffered response, and the terminal
// marker itself is forwarded last.
func (s *Session) finish(ctx context.Context) error {
	if s.asm.pending() {
		return s.fail(&domain.StreamError{
			Kind:          domain.StreamTruncatedToolCall,
			CorrelationID: s.correlationID,
			Detail:        "stream ended inside an unterminated tool call",
		})
	}

	if s.deferred {
		full := s.message(domain.KindResponse, domain.Payload{"content": s.deferredBuf.String()})
		out := s.guard.Apply(ctx, guardrail.StageResponse, full)
		switch out.Action {
		case guardrail.ActionBlocked:
			s.emitBlocked(out)
		default:
			msg := full
			if out.Message != nil {
				msg = out.Message
			}
			s.emit(msg)
		}
	}

	end := s.message(domain.KindStreamChunk, domain.Payload{})
	end.Terminal = true
	s.emit(end)
	s.state = StateClosed
	return nil
}

func (s *Session) emitText(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if s.deferred {
		s.deferredBuf.WriteString(text)
		return
	}

	msg := s.message(domain.KindStreamChunk, domain.Payload{"content": text})
	out := s.guard.Apply(ctx, guardrail.StageResponse, msg)
	switch out.Action {
	case guardrail.ActionBlocked:
		s.emitBlocked(out)
	case guardrail.ActionDeferred:
		// From here on the whole response is buffered and judged once,
		// at the terminal chunk.
		s.deferred = true
		checked := msg
		if out.Message != nil {
			checked = out.Message
		}
		s.deferredBuf.WriteString(checked.Text())
	default:
		if out.Message != nil {
			msg = out.Message
		}
		s.emit(msg)
	}
}

func (s *Session) emitToolCall(ctx context.Context, call domain.Payload) {
	msg := s.message(domain.KindToolCall, call)
	out := s.guard.Apply(ctx, guardrail.StageResponse, msg)
	if out.Action == guardrail.ActionBlocked {
		s.emitBlocked(out)
		return
	}
	if out.Message != nil {
		msg = out.Message
	}
	s.emit(msg)
}

// emitBlocked surfaces a policy rejection to the caller as an in-stream
// error message. The stream continues; a rejection is a verdict on one
// message, not a transport fault.
func (s *Session) emitBlocked(out guardrail.Outcome) {
	s.emit(s.message(domain.KindError, domain.Payload{
		"error":       "blocked",
		"interceptor": out.Interceptor,
		"reason":      out.Reason,
	}))
}

// emit stamps the egress sequence and queues the message on the outbox.
func (s *Session) emit(msg *domain.CanonicalMessage) {
	msg.Sequence = s.emitSeq
	s.emitSeq++
	s.outbox = append(s.outbox, msg)
}

func (s *Session) message(kind domain.Kind, payload domain.Payload) *domain.CanonicalMessage {
	return &domain.CanonicalMessage{
		Kind:           kind,
		Headers:        s.headers.Clone(),
		Payload:        payload,
		OriginProtocol: s.origin,
		CorrelationID:  s.correlationID,
	}
}

// fail closes the session discarding every buffered chunk and capture.
// Unguarded content is never forwarded on the way down.
func (s *Session) fail(err *domain.StreamError) error {
	s.pending = nil
	s.deferredBuf.Reset()
	s.asm = newAssembler(s.cfg.MaxToolCallBytes)
	s.state = StateClosed
	s.closed = err
	return err
}

// expireIfIdle closes the session when no chunk has arrived within the idle
// interval. It returns the terminal error if it closed the session.
func (s *Session) expireIfIdle(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed || s.cfg.IdleTimeout <= 0 {
		return nil
	}
	if now.Sub(s.lastSeen) < s.cfg.IdleTimeout {
		return nil
	}
	return s.fail(&domain.StreamError{
		Kind:          domain.StreamTimeout,
		CorrelationID: s.correlationID,
		Detail:        "no chunk within idle interval",
	})
}
