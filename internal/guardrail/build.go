package guardrail

import (
	"fmt"
	"log/slog"

	"github.com/orchix-ai/orchix/internal/audit"
	"github.com/orchix-ai/orchix/internal/config"
)

// Build assembles a pipeline from configuration. The chain order in
// cfg.Chain is the execution order; unknown names are a configuration error
// rather than silently skipped.
func Build(cfg config.GuardrailConfig, authorizer Authorizer, schemas SchemaSource, sink audit.Sink, logger *slog.Logger) (*Pipeline, error) {
	var interceptors []Interceptor

	for _, name := range cfg.Chain {
		switch name {
		case "authz":
			if authorizer == nil {
				continue
			}
			interceptors = append(interceptors, NewAuthz(authorizer))
		case "pii":
			if !cfg.PII.Enabled {
				continue
			}
			masker, err := NewPIIMasker(cfg.PII.ExtraPatterns)
			if err != nil {
				return nil, fmt.Errorf("build pii masker: %w", err)
			}
			interceptors = append(interceptors, masker)
		case "tool_policy":
			if !cfg.ToolPolicy.Enabled {
				continue
			}
			interceptors = append(interceptors, NewToolPolicy(cfg.ToolPolicy.Allowed, cfg.ToolPolicy.Forbidden))
		case "schema":
			if !cfg.Schema.Enabled || schemas == nil {
				continue
			}
			interceptors = append(interceptors, NewSchemaValidator(schemas))
		default:
			return nil, fmt.Errorf("unknown guardrail interceptor %q", name)
		}
	}

	return NewPipeline(interceptors, sink, logger), nil
}
