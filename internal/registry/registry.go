// Package registry is the read-only tool registry collaborator. It supplies
// the tool schemas used by the schema validator and the field-mapping tables
// used by the mediator, loaded from a JSON file and refreshed periodically.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/domain"
	"github.com/orchix-ai/orchix/internal/guardrail"
	"github.com/orchix-ai/orchix/internal/mediator"
)

type fileSchema struct {
	Tools  []toolEntry      `json:"tools"`
	Tables []mediator.Table `json:"tables"`
}

type toolEntry struct {
	Name     string            `json:"name"`
	Required []string          `json:"required,omitempty"`
	Types    map[string]string `json:"types,omitempty"`
}

// snapshot is one immutable loaded state; Reload builds a new one and swaps
// it atomically.
type snapshot struct {
	tools  map[string]guardrail.ToolSchema
	tables mediator.StaticLookup
}

// Registry serves schema and mapping lookups against the latest snapshot.
// File tables override the built-in defaults per (origin, dest) pair.
type Registry struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	current atomic.Pointer[snapshot]
}

// New creates a registry and performs the initial load. A registry without a
// path serves only built-in defaults.
func New(cfg config.RegistryConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{path: cfg.Path, interval: cfg.RefreshInterval, logger: logger}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file and swaps the snapshot. A missing file
// is not an error; the registry then serves defaults only.
func (r *Registry) Reload() error {
	snap := &snapshot{
		tools:  make(map[string]guardrail.ToolSchema),
		tables: mediator.NewStaticLookup(mediator.DefaultTables()),
	}

	if r.path != "" {
		data, err := os.ReadFile(r.path)
		switch {
		case os.IsNotExist(err):
			r.logger.Debug("registry file absent, serving defaults", slog.String("path", r.path))
		case err != nil:
			return fmt.Errorf("read registry %s: %w", r.path, err)
		default:
			var fs fileSchema
			if err := json.Unmarshal(data, &fs); err != nil {
				return fmt.Errorf("parse registry %s: %w", r.path, err)
			}
			for _, tool := range fs.Tools {
				snap.tools[tool.Name] = guardrail.ToolSchema{
					Name:     tool.Name,
					Required: tool.Required,
					Types:    tool.Types,
				}
			}
			for _, table := range fs.Tables {
				snap.tables[[2]domain.Protocol{table.Origin, table.Dest}] = table
			}
		}
	}

	r.current.Store(snap)
	return nil
}

// Run refreshes the registry on its configured interval until the context is
// cancelled. A failed refresh keeps the previous snapshot.
func (r *Registry) Run(ctx context.Context) {
	if r.path == "" || r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(); err != nil {
				r.logger.Warn("registry refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ToolSchema implements the schema validator's lookup.
func (r *Registry) ToolSchema(name string) (guardrail.ToolSchema, bool) {
	s, ok := r.current.Load().tools[name]
	return s, ok
}

// MappingTable implements the mediator's lookup.
func (r *Registry) MappingTable(origin, dest domain.Protocol) (mediator.Table, bool) {
	return r.current.Load().tables.MappingTable(origin, dest)
}

// Tools returns the number of registered tool schemas.
func (r *Registry) Tools() int {
	return len(r.current.Load().tools)
}

var _ guardrail.SchemaSource = (*Registry)(nil)
var _ mediator.Lookup = (*Registry)(nil)
