package guardrail

import (
	"context"
	"fmt"

	"github.com/orchix-ai/orchix/internal/domain"
)

// ToolPolicy enforces the tool allow/deny lists. A tool call whose name is
// forbidden, or absent from a non-empty allow list, is blocked. Requests
// carrying embedded tool_calls are scanned the same way.
type ToolPolicy struct {
	allowed   map[string]struct{}
	forbidden map[string]struct{}
}

// NewToolPolicy creates a policy. An empty allow list permits every tool not
// explicitly forbidden.
func NewToolPolicy(allowed, forbidden []string) *ToolPolicy {
	p := &ToolPolicy{
		allowed:   make(map[string]struct{}, len(allowed)),
		forbidden: make(map[string]struct{}, len(forbidden)),
	}
	for _, name := range allowed {
		p.allowed[name] = struct{}{}
	}
	for _, name := range forbidden {
		p.forbidden[name] = struct{}{}
	}
	return p
}

func (p *ToolPolicy) Name() string { return "tool_policy" }

func (p *ToolPolicy) Intercept(_ context.Context, _ Stage, msg *domain.CanonicalMessage) Outcome {
	switch msg.Kind {
	case domain.KindToolCall:
		name := msg.ToolName()
		if name == "" {
			return Blocked(p.Name(), ReasonUnprocessableInput)
		}
		if reason, blocked := p.check(name); blocked {
			return Blocked(p.Name(), reason)
		}
	case domain.KindRequest, domain.KindResponse, domain.KindStreamChunk:
		for _, name := range embeddedToolNames(msg.Payload) {
			if reason, blocked := p.check(name); blocked {
				return Blocked(p.Name(), reason)
			}
		}
	}
	return Passthrough(msg)
}

func (p *ToolPolicy) check(name string) (string, bool) {
	if _, ok := p.forbidden[name]; ok {
		return fmt.Sprintf("tool %q is blocked by proxy policy", name), true
	}
	if len(p.allowed) > 0 {
		if _, ok := p.allowed[name]; !ok {
			return fmt.Sprintf("tool %q is not on the allow list", name), true
		}
	}
	return "", false
}

// embeddedToolNames extracts tool names from a request or response payload:
// the tool_calls array, the legacy function_call object, and the top-level
// "tool" field used by inline tool-call payloads.
func embeddedToolNames(p domain.Payload) []string {
	var names []string

	if name, ok := p.GetString("tool"); ok && name != "" {
		names = append(names, name)
	}

	if raw, ok := p.Get("tool_calls"); ok {
		if list, ok := raw.([]any); ok {
			for _, e := range list {
				call, ok := e.(map[string]any)
				if !ok {
					continue
				}
				if name := toolNameOf(call); name != "" {
					names = append(names, name)
				}
			}
		}
	}

	if raw, ok := p.Get("function_call"); ok {
		if call, ok := raw.(map[string]any); ok {
			if name, ok := call["name"].(string); ok && name != "" {
				names = append(names, name)
			}
		}
	}

	return names
}

func toolNameOf(call map[string]any) string {
	if fn, ok := call["function"].(map[string]any); ok {
		if name, ok := fn["name"].(string); ok {
			return name
		}
	}
	for _, key := range []string{"name", "tool"} {
		if name, ok := call[key].(string); ok && name != "" {
			return name
		}
	}
	return ""
}

var _ Interceptor = (*ToolPolicy)(nil)
