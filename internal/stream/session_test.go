package stream

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/domain"
	"github.com/orchix-ai/orchix/internal/guardrail"
)

type passGuard struct{}

func (passGuard) Apply(_ context.Context, _ guardrail.Stage, msg *domain.CanonicalMessage) guardrail.Outcome {
	return guardrail.Passthrough(msg)
}

type funcGuard func(stage guardrail.Stage, msg *domain.CanonicalMessage) guardrail.Outcome

func (f funcGuard) Apply(_ context.Context, stage guardrail.Stage, msg *domain.CanonicalMessage) guardrail.Outcome {
	return f(stage, msg)
}

type memSink struct {
	msgs []*domain.CanonicalMessage
}

func (m *memSink) Emit(_ context.Context, msg *domain.CanonicalMessage) error {
	m.msgs = append(m.msgs, msg)
	return nil
}

func testConfig() config.StreamConfig {
	return config.StreamConfig{
		IdleTimeout:      30 * time.Second,
		ReorderBound:     4,
		MaxToolCallBytes: 1 << 10,
	}
}

func chunk(correlation string, seq uint64, content string, terminal bool) *domain.CanonicalMessage {
	payload := domain.Payload{}
	if content != "" {
		payload.Set("content", content)
	}
	return &domain.CanonicalMessage{
		Kind:           domain.KindStreamChunk,
		Headers:        domain.Headers{},
		Payload:        payload,
		OriginProtocol: domain.ProtocolHTTP,
		CorrelationID:  correlation,
		Sequence:       seq,
		Terminal:       terminal,
	}
}

func openSession(t *testing.T, guard Guard, sink Sink) *Session {
	t.Helper()
	a := NewAnalyzer(testConfig(), guard, slog.Default())
	return a.Open(chunk("c1", 0, "", false), sink)
}

func toolCalls(msgs []*domain.CanonicalMessage) []*domain.CanonicalMessage {
	var out []*domain.CanonicalMessage
	for _, m := range msgs {
		if m.Kind == domain.KindToolCall {
			out = append(out, m)
		}
	}
	return out
}

func TestToolCallSplitAcrossTwoChunks(t *testing.T) {
	sink := &memSink{}
	s := openSession(t, passGuard{}, sink)
	ctx := context.Background()

	if err := s.Offer(ctx, chunk("c1", 0, `{"tool":"se`, false)); err != nil {
		t.Fatal(err)
	}
	if len(toolCalls(sink.msgs)) != 0 {
		t.Fatal("partial tool call was forwarded before assembly completed")
	}
	if got := s.State(); got != StateAccumulating {
		t.Errorf("state = %q, want accumulating", got)
	}

	if err := s.Offer(ctx, chunk("c1", 1, `arch","q":"rust"}`, false)); err != nil {
		t.Fatal(err)
	}
	calls := toolCalls(sink.msgs)
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if name, _ := calls[0].Payload.GetString("tool"); name != "search" {
		t.Errorf("tool = %q, want search", name)
	}
	if q, _ := calls[0].Payload.GetString("q"); q != "rust" {
		t.Errorf("q = %q, want rust", q)
	}
}

func TestToolCallFragmentationEquivalence(t *testing.T) {
	const raw = `{"tool":"search","q":"rust"}`

	assemble := func(pieces []string) *domain.CanonicalMessage {
		sink := &memSink{}
		s := openSession(t, passGuard{}, sink)
		for i, p := range pieces {
			if err := s.Offer(context.Background(), chunk("c1", uint64(i), p, false)); err != nil {
				t.Fatal(err)
			}
		}
		calls := toolCalls(sink.msgs)
		if len(calls) != 1 {
			t.Fatalf("pieces %q: tool calls = %d, want 1", pieces, len(calls))
		}
		return calls[0]
	}

	want := assemble([]string{raw}).Payload
	for n := 2; n <= 5; n++ {
		var pieces []string
		for i := 0; i < n; i++ {
			lo, hi := i*len(raw)/n, (i+1)*len(raw)/n
			pieces = append(pieces, raw[lo:hi])
		}
		got := assemble(pieces).Payload
		if !reflect.DeepEqual(got, want) {
			t.Errorf("n=%d: payload = %v, want %v", n, got, want)
		}
	}
}

func TestTruncatedToolCallAtTerminal(t *testing.T) {
	sink := &memSink{}
	s := openSession(t, passGuard{}, sink)
	ctx := context.Background()

	if err := s.Offer(ctx, chunk("c1", 0, `{"tool":"search","q":"ru`, false)); err != nil {
		t.Fatal(err)
	}
	err := s.Offer(ctx, chunk("c1", 1, "", true))
	var se *domain.StreamError
	if !errors.As(err, &se) || se.Kind != domain.StreamTruncatedToolCall {
		t.Fatalf("err = %v, want TruncatedToolCall", err)
	}
	if len(toolCalls(sink.msgs)) != 0 {
		t.Error("partial tool call content was forwarded")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %q, want closed", s.State())
	}
}

func TestReorderWithinBound(t *testing.T) {
	sink := &memSink{}
	s := openSession(t, passGuard{}, sink)
	ctx := context.Background()

	// Arrival order 2, 0, 1; content must come out as a, b, c.
	if err := s.Offer(ctx, chunk("c1", 2, "c", false)); err != nil {
		t.Fatal(err)
	}
	if len(sink.msgs) != 0 {
		t.Fatal("out-of-order chunk forwarded early")
	}
	if err := s.Offer(ctx, chunk("c1", 0, "a", false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Offer(ctx, chunk("c1", 1, "b", false)); err != nil {
		t.Fatal(err)
	}

	var got string
	var lastSeq uint64
	for i, m := range sink.msgs {
		got += m.Text()
		if i > 0 && m.Sequence < lastSeq {
			t.Errorf("egress sequence decreased: %d after %d", m.Sequence, lastSeq)
		}
		lastSeq = m.Sequence
	}
	if got != "abc" {
		t.Fatalf("egress content = %q, want abc", got)
	}
}

func TestReorderOverflow(t *testing.T) {
	sink := &memSink{}
	s := openSession(t, passGuard{}, sink)
	ctx := context.Background()

	// Sequence 0 never arrives; bound is 4 pending chunks.
	var err error
	for seq := uint64(1); seq <= 5; seq++ {
		err = s.Offer(ctx, chunk("c1", seq, "x", false))
		if err != nil {
			break
		}
	}
	var se *domain.StreamError
	if !errors.As(err, &se) || se.Kind != domain.StreamOutOfOrderOverflow {
		t.Fatalf("err = %v, want OutOfOrderOverflow", err)
	}
	if len(sink.msgs) != 0 {
		t.Error("buffered content escaped after overflow")
	}
}

func TestDuplicateChunkDropped(t *testing.T) {
	sink := &memSink{}
	s := openSession(t, passGuard{}, sink)
	ctx := context.Background()

	if err := s.Offer(ctx, chunk("c1", 0, "a", false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Offer(ctx, chunk("c1", 0, "a", false)); err != nil {
		t.Fatal(err)
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(sink.msgs))
	}
}

func TestIdleTimeoutDiscardsBuffer(t *testing.T) {
	sink := &memSink{}
	s := openSession(t, passGuard{}, sink)

	if err := s.Offer(context.Background(), chunk("c1", 0, `{"tool":"sear`, false)); err != nil {
		t.Fatal(err)
	}
	err := s.expireIfIdle(time.Now().Add(time.Minute))
	var se *domain.StreamError
	if !errors.As(err, &se) || se.Kind != domain.StreamTimeout {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if len(sink.msgs) != 0 {
		t.Error("buffered content forwarded after timeout")
	}

	// The owner learns about the closure on its next Offer.
	if err := s.Offer(context.Background(), chunk("c1", 1, "late", false)); !errors.As(err, &se) {
		t.Errorf("post-timeout Offer err = %v, want StreamError", err)
	}
}

func TestBlockedToolCallSurfacesInStream(t *testing.T) {
	guard := funcGuard(func(_ guardrail.Stage, msg *domain.CanonicalMessage) guardrail.Outcome {
		if msg.Kind == domain.KindToolCall {
			return guardrail.Blocked("tool_policy", "tool is forbidden")
		}
		return guardrail.Passthrough(msg)
	})
	sink := &memSink{}
	s := openSession(t, guard, sink)
	ctx := context.Background()

	if err := s.Offer(ctx, chunk("c1", 0, `before {"tool":"shell_exec"} after`, false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Offer(ctx, chunk("c1", 1, "", true)); err != nil {
		t.Fatal(err)
	}

	if len(toolCalls(sink.msgs)) != 0 {
		t.Fatal("blocked tool call was forwarded")
	}
	var sawError, sawAfter bool
	for _, m := range sink.msgs {
		if m.Kind == domain.KindError {
			sawError = true
		}
		if m.Kind == domain.KindStreamChunk && m.Text() == " after" {
			sawAfter = true
		}
	}
	if !sawError {
		t.Error("no in-stream error message for the blocked call")
	}
	if !sawAfter {
		t.Error("stream did not continue past the blocked call")
	}
}

func TestDeferredBuffersWholeResponse(t *testing.T) {
	deferOnce := true
	guard := funcGuard(func(_ guardrail.Stage, msg *domain.CanonicalMessage) guardrail.Outcome {
		if msg.Kind == domain.KindStreamChunk && deferOnce {
			deferOnce = false
			out := guardrail.Deferred("full-scan")
			out.Message = msg
			return out
		}
		return guardrail.Passthrough(msg)
	})
	sink := &memSink{}
	s := openSession(t, guard, sink)
	ctx := context.Background()

	if err := s.Offer(ctx, chunk("c1", 0, "hello ", false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Offer(ctx, chunk("c1", 1, "world", false)); err != nil {
		t.Fatal(err)
	}
	if len(sink.msgs) != 0 {
		t.Fatal("deferred session forwarded content before terminal")
	}

	if err := s.Offer(ctx, chunk("c1", 2, "", true)); err != nil {
		t.Fatal(err)
	}
	var full *domain.CanonicalMessage
	for _, m := range sink.msgs {
		if m.Kind == domain.KindResponse {
			full = m
		}
	}
	if full == nil {
		t.Fatal("no buffered response emitted at terminal")
	}
	if full.Text() != "hello world" {
		t.Errorf("buffered response = %q, want %q", full.Text(), "hello world")
	}
}

func TestTerminalChunkContentForwarded(t *testing.T) {
	sink := &memSink{}
	s := openSession(t, passGuard{}, sink)
	ctx := context.Background()

	if err := s.Offer(ctx, chunk("c1", 0, "hello ", false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Offer(ctx, chunk("c1", 1, "world", true)); err != nil {
		t.Fatal(err)
	}

	var got string
	for _, m := range sink.msgs {
		if m.Kind == domain.KindStreamChunk && !m.Terminal {
			got += m.Text()
		}
	}
	if got != "hello world" {
		t.Fatalf("egress text = %q, want %q", got, "hello world")
	}
	if last := sink.msgs[len(sink.msgs)-1]; !last.Terminal {
		t.Error("terminal marker is not last")
	}
}

func TestToolCallClosedByTerminalChunk(t *testing.T) {
	sink := &memSink{}
	s := openSession(t, passGuard{}, sink)
	ctx := context.Background()

	if err := s.Offer(ctx, chunk("c1", 0, `{"tool":"search","q":"rust`, false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Offer(ctx, chunk("c1", 1, `"}`, true)); err != nil {
		t.Fatal(err)
	}

	calls := toolCalls(sink.msgs)
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if name, _ := calls[0].Payload.GetString("tool"); name != "search" {
		t.Errorf("tool = %q, want search", name)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %q, want closed", s.State())
	}
}

// reentrantSink takes the session lock from inside Emit; this deadlocks if
// Offer still holds it across the sink write.
type reentrantSink struct {
	sess *Session
	msgs []*domain.CanonicalMessage
}

func (r *reentrantSink) Emit(_ context.Context, msg *domain.CanonicalMessage) error {
	_ = r.sess.State()
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestSinkMayTouchSessionDuringEmit(t *testing.T) {
	sink := &reentrantSink{}
	s := openSession(t, passGuard{}, sink)
	sink.sess = s
	ctx := context.Background()

	if err := s.Offer(ctx, chunk("c1", 0, "hi", false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Offer(ctx, chunk("c1", 1, "", true)); err != nil {
		t.Fatal(err)
	}
	if len(sink.msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(sink.msgs))
	}
}

func TestTerminalEmitsFinalMarker(t *testing.T) {
	sink := &memSink{}
	s := openSession(t, passGuard{}, sink)
	ctx := context.Background()

	if err := s.Offer(ctx, chunk("c1", 0, "hi", false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Offer(ctx, chunk("c1", 1, "", true)); err != nil {
		t.Fatal(err)
	}
	last := sink.msgs[len(sink.msgs)-1]
	if !last.Terminal {
		t.Error("last emitted message is not terminal")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %q, want closed", s.State())
	}
}

func TestAnalyzerSessionLifecycle(t *testing.T) {
	a := NewAnalyzer(testConfig(), passGuard{}, slog.Default())
	template := chunk("c1", 0, "", false)

	s1 := a.Open(template, &memSink{})
	s2 := a.Open(template, &memSink{})
	if s1 != s2 {
		t.Error("Open created a second session for the same correlation ID")
	}
	if a.Active() != 1 {
		t.Errorf("Active = %d, want 1", a.Active())
	}
	a.Close("c1")
	if a.Active() != 0 {
		t.Errorf("Active = %d after Close, want 0", a.Active())
	}
}
