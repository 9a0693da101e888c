package guardrail

import (
	"context"
	"sync"
	"testing"

	"github.com/orchix-ai/orchix/internal/audit"
	"github.com/orchix-ai/orchix/internal/domain"
)

type stubInterceptor struct {
	name    string
	outcome func(msg *domain.CanonicalMessage) Outcome
	calls   int
}

func (s *stubInterceptor) Name() string { return s.name }

func (s *stubInterceptor) Intercept(_ context.Context, _ Stage, msg *domain.CanonicalMessage) Outcome {
	s.calls++
	return s.outcome(msg)
}

type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memSink) Record(ev audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func reqMsg() *domain.CanonicalMessage {
	return &domain.CanonicalMessage{
		Kind:           domain.KindRequest,
		Headers:        domain.Headers{},
		Payload:        domain.Payload{"content": "hi"},
		OriginProtocol: domain.ProtocolHTTP,
		CorrelationID:  "c1",
	}
}

func TestPipelineOrderAndTransform(t *testing.T) {
	first := &stubInterceptor{name: "first", outcome: func(msg *domain.CanonicalMessage) Outcome {
		out := msg.Clone()
		out.Payload.Set("touched_by", "first")
		return Passthrough(out)
	}}
	second := &stubInterceptor{name: "second", outcome: func(msg *domain.CanonicalMessage) Outcome {
		if got, _ := msg.Payload.GetString("touched_by"); got != "first" {
			t.Errorf("second saw touched_by = %q, want first", got)
		}
		return Passthrough(msg)
	}}

	p := NewPipeline([]Interceptor{first, second}, nil, nil)
	out := p.Apply(context.Background(), StageRequest, reqMsg())

	if out.Action != ActionPassthrough {
		t.Fatalf("Action = %q", out.Action)
	}
	if got, _ := out.Message.Payload.GetString("touched_by"); got != "first" {
		t.Errorf("transform lost: touched_by = %q", got)
	}
}

func TestPipelineBlockedShortCircuits(t *testing.T) {
	sink := &memSink{}
	blocker := &stubInterceptor{name: "blocker", outcome: func(*domain.CanonicalMessage) Outcome {
		return Blocked("blocker", "nope")
	}}
	after := &stubInterceptor{name: "after", outcome: func(msg *domain.CanonicalMessage) Outcome {
		return Passthrough(msg)
	}}

	p := NewPipeline([]Interceptor{blocker, after}, sink, nil)
	out := p.Apply(context.Background(), StageRequest, reqMsg())

	if out.Action != ActionBlocked {
		t.Fatalf("Action = %q", out.Action)
	}
	if after.calls != 0 {
		t.Error("interceptor after a block was still executed")
	}
	if len(sink.events) != 1 || sink.events[0].Interceptor != "blocker" {
		t.Fatalf("audit events = %+v", sink.events)
	}
}

func TestPipelineDeferred(t *testing.T) {
	deferring := &stubInterceptor{name: "full-scan", outcome: func(*domain.CanonicalMessage) Outcome {
		return Deferred("full-scan")
	}}
	after := &stubInterceptor{name: "after", outcome: func(msg *domain.CanonicalMessage) Outcome {
		return Passthrough(msg)
	}}

	p := NewPipeline([]Interceptor{deferring, after}, nil, nil)
	out := p.Apply(context.Background(), StageResponse, reqMsg())

	if out.Action != ActionDeferred {
		t.Fatalf("Action = %q, want deferred", out.Action)
	}
	if out.Interceptor != "full-scan" {
		t.Errorf("Interceptor = %q", out.Interceptor)
	}
	if after.calls != 1 {
		t.Error("deferral should not skip later interceptors")
	}
}

func TestAuthzInterceptor(t *testing.T) {
	authz := NewAuthz(NewAPIKeyAuthorizer([]string{"sk-good"}))

	tests := []struct {
		name   string
		header string
		stage  Stage
		want   Action
	}{
		{"valid key", "Bearer sk-good", StageRequest, ActionPassthrough},
		{"invalid key", "Bearer sk-bad", StageRequest, ActionBlocked},
		{"missing header", "", StageRequest, ActionBlocked},
		{"response stage skipped", "", StageResponse, ActionPassthrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := reqMsg()
			if tt.header != "" {
				msg.Headers.Set("Authorization", tt.header)
			}
			out := authz.Intercept(context.Background(), tt.stage, msg)
			if out.Action != tt.want {
				t.Errorf("Action = %q, want %q", out.Action, tt.want)
			}
		})
	}
}

func TestAuthzAllowsAllWithoutKeys(t *testing.T) {
	authz := NewAuthz(NewAPIKeyAuthorizer(nil))
	out := authz.Intercept(context.Background(), StageRequest, reqMsg())
	if out.Action != ActionPassthrough {
		t.Fatalf("Action = %q", out.Action)
	}
}
