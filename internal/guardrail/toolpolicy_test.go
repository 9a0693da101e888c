package guardrail

import (
	"context"
	"testing"

	"github.com/orchix-ai/orchix/internal/domain"
)

func toolCallMsg(name string) *domain.CanonicalMessage {
	msg := reqMsg()
	msg.Kind = domain.KindToolCall
	if name != "" {
		msg.Payload.Set("tool", name)
	}
	return msg
}

func TestToolPolicyDirectCalls(t *testing.T) {
	tests := []struct {
		name      string
		allowed   []string
		forbidden []string
		tool      string
		want      Action
	}{
		{"forbidden blocks", nil, []string{"shell_exec"}, "shell_exec", ActionBlocked},
		{"not forbidden passes", nil, []string{"shell_exec"}, "search", ActionPassthrough},
		{"allow list admits member", []string{"search"}, nil, "search", ActionPassthrough},
		{"allow list rejects others", []string{"search"}, nil, "browse", ActionBlocked},
		{"forbidden wins over allowed", []string{"shell_exec"}, []string{"shell_exec"}, "shell_exec", ActionBlocked},
		{"empty lists pass everything", nil, nil, "anything", ActionPassthrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewToolPolicy(tt.allowed, tt.forbidden)
			out := p.Intercept(context.Background(), StageRequest, toolCallMsg(tt.tool))
			if out.Action != tt.want {
				t.Errorf("Action = %q, want %q (reason %q)", out.Action, tt.want, out.Reason)
			}
		})
	}
}

func TestToolPolicyNamelessCallUnprocessable(t *testing.T) {
	p := NewToolPolicy(nil, nil)
	out := p.Intercept(context.Background(), StageRequest, toolCallMsg(""))
	if out.Action != ActionBlocked || out.Reason != ReasonUnprocessableInput {
		t.Fatalf("out = %+v, want blocked/unprocessable", out)
	}
}

func TestToolPolicyEmbeddedToolCalls(t *testing.T) {
	p := NewToolPolicy(nil, []string{"shell_exec"})

	msg := reqMsg()
	msg.Kind = domain.KindResponse
	msg.Payload["tool_calls"] = []any{
		map[string]any{"function": map[string]any{"name": "search"}},
		map[string]any{"function": map[string]any{"name": "shell_exec"}},
	}
	out := p.Intercept(context.Background(), StageResponse, msg)
	if out.Action != ActionBlocked {
		t.Fatalf("Action = %q, want blocked", out.Action)
	}

	legacy := reqMsg()
	legacy.Payload["function_call"] = map[string]any{"name": "shell_exec", "arguments": "{}"}
	out = p.Intercept(context.Background(), StageRequest, legacy)
	if out.Action != ActionBlocked {
		t.Fatalf("legacy function_call: Action = %q, want blocked", out.Action)
	}
}

type mapSchemaSource map[string]ToolSchema

func (m mapSchemaSource) ToolSchema(name string) (ToolSchema, bool) {
	s, ok := m[name]
	return s, ok
}

func TestSchemaValidator(t *testing.T) {
	source := mapSchemaSource{
		"search": {
			Name:     "search",
			Required: []string{"q"},
			Types:    map[string]string{"q": "string", "limit": "number"},
		},
	}
	v := NewSchemaValidator(source)

	tests := []struct {
		name string
		args map[string]any
		tool string
		want Action
	}{
		{"valid", map[string]any{"q": "rust"}, "search", ActionPassthrough},
		{"valid with optional", map[string]any{"q": "rust", "limit": float64(5)}, "search", ActionPassthrough},
		{"missing required", map[string]any{"limit": float64(5)}, "search", ActionBlocked},
		{"wrong type", map[string]any{"q": float64(7)}, "search", ActionBlocked},
		{"unregistered tool passes", map[string]any{"anything": true}, "browse", ActionPassthrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := toolCallMsg(tt.tool)
			msg.Payload["arguments"] = tt.args
			out := v.Intercept(context.Background(), StageRequest, msg)
			if out.Action != tt.want {
				t.Errorf("Action = %q, want %q (reason %q)", out.Action, tt.want, out.Reason)
			}
		})
	}
}
