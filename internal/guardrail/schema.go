package guardrail

import (
	"context"
	"fmt"

	"github.com/orchix-ai/orchix/internal/domain"
)

// ToolSchema describes the argument contract of one tool.
type ToolSchema struct {
	Name     string
	Required []string
	// Types maps argument name to the expected JSON type ("string",
	// "number", "boolean", "object", "array"). Unlisted arguments are
	// unchecked.
	Types map[string]string
}

// SchemaSource supplies tool schemas, typically the tool registry
// collaborator.
type SchemaSource interface {
	ToolSchema(name string) (ToolSchema, bool)
}

// SchemaValidator validates tool-call arguments against registered schemas.
// Tools without a registered schema pass unchecked; the registry is a
// periodically refreshed advisory lookup, not an allow list.
type SchemaValidator struct {
	source SchemaSource
}

func NewSchemaValidator(source SchemaSource) *SchemaValidator {
	return &SchemaValidator{source: source}
}

func (v *SchemaValidator) Name() string { return "schema" }

func (v *SchemaValidator) Intercept(_ context.Context, _ Stage, msg *domain.CanonicalMessage) Outcome {
	if msg.Kind != domain.KindToolCall {
		return Passthrough(msg)
	}
	name := msg.ToolName()
	if name == "" {
		return Blocked(v.Name(), ReasonUnprocessableInput)
	}
	schema, ok := v.source.ToolSchema(name)
	if !ok {
		return Passthrough(msg)
	}

	args := callArguments(msg.Payload)
	for _, required := range schema.Required {
		if _, ok := args[required]; !ok {
			return Blocked(v.Name(), fmt.Sprintf("tool %q missing required argument %q", name, required))
		}
	}
	for arg, want := range schema.Types {
		value, ok := args[arg]
		if !ok {
			continue
		}
		if got := jsonType(value); got != want {
			return Blocked(v.Name(), fmt.Sprintf("tool %q argument %q is %s, want %s", name, arg, got, want))
		}
	}
	return Passthrough(msg)
}

func callArguments(p domain.Payload) map[string]any {
	for _, path := range []string{"arguments", "args", "function.arguments"} {
		if raw, ok := p.Get(path); ok {
			if m, ok := raw.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func jsonType(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

var _ Interceptor = (*SchemaValidator)(nil)
