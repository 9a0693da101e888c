// Package router selects the backend for a canonical request. Routing is
// table driven: rules are compiled into an immutable snapshot ordered by
// priority, and configuration reload swaps the whole snapshot atomically so
// a request never observes a half-updated table.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/domain"
)

// Target is the resolved destination of a routed request.
type Target struct {
	Backend  string
	Protocol domain.Protocol
}

// Decision records which rule produced a target. Rule is empty when the
// request fell through to the default backend.
type Decision struct {
	Target Target
	Rule   string
}

// Rule is one compiled routing rule. Match is a conjunction of its populated
// predicates.
type Rule struct {
	Name     string
	Priority int
	Target   Target

	headers      map[string]string
	modelExact   string
	modelPrefix  string
	payloadPaths []string
}

// Matches reports whether every populated predicate holds for the message.
func (r *Rule) Matches(msg *domain.CanonicalMessage) bool {
	for key, want := range r.headers {
		if msg.Headers.Get(key) != want {
			return false
		}
	}
	if r.modelExact != "" || r.modelPrefix != "" {
		model, _ := msg.Payload.GetString("model")
		if r.modelExact != "" && model != r.modelExact {
			return false
		}
		if r.modelPrefix != "" && !strings.HasPrefix(model, r.modelPrefix) {
			return false
		}
	}
	for _, path := range r.payloadPaths {
		if _, ok := msg.Payload.Get(path); !ok {
			return false
		}
	}
	return true
}

// Snapshot is an immutable compiled routing table. Rules are held in
// evaluation order: descending priority, declaration order breaking ties, so
// routing the same message against the same snapshot is deterministic.
type Snapshot struct {
	rules          []*Rule
	defaultBackend string
	useDefault     bool
	backends       map[string]domain.Protocol
}

// Compile builds a snapshot from configuration. Every rule must reference a
// declared backend.
func Compile(cfg config.RoutingConfig, backends []config.BackendConfig) (*Snapshot, error) {
	byName := make(map[string]domain.Protocol, len(backends))
	for _, b := range backends {
		proto, err := domain.ParseProtocol(b.Protocol)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.Name, err)
		}
		byName[b.Name] = proto
	}

	snap := &Snapshot{
		defaultBackend: cfg.DefaultBackend,
		useDefault:     cfg.OnNoMatch == "default",
		backends:       byName,
	}
	if snap.useDefault {
		if _, ok := byName[cfg.DefaultBackend]; !ok {
			return nil, fmt.Errorf("default backend %q is not declared", cfg.DefaultBackend)
		}
	}

	for i, rc := range cfg.Rules {
		proto, ok := byName[rc.Backend]
		if !ok {
			return nil, fmt.Errorf("rule %s: backend %q is not declared", rc.Name, rc.Backend)
		}
		if rc.DestProtocol != "" {
			proto, _ = domain.ParseProtocol(rc.DestProtocol)
			if proto == "" {
				return nil, fmt.Errorf("rule %s: unknown dest_protocol %q", rc.Name, rc.DestProtocol)
			}
		}
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		snap.rules = append(snap.rules, &Rule{
			Name:         name,
			Priority:     rc.Priority,
			Target:       Target{Backend: rc.Backend, Protocol: proto},
			headers:      rc.Match.Headers,
			modelExact:   rc.Match.ModelExact,
			modelPrefix:  rc.Match.ModelPrefix,
			payloadPaths: rc.Match.PayloadPaths,
		})
	}

	// Stable sort keeps declaration order among equal priorities.
	sort.SliceStable(snap.rules, func(i, j int) bool {
		return snap.rules[i].Priority > snap.rules[j].Priority
	})

	return snap, nil
}

// Route returns the decision for a message, or RouteError{NoRoute} when no
// rule matches and no fallthrough is configured.
func (s *Snapshot) Route(msg *domain.CanonicalMessage) (Decision, error) {
	for _, rule := range s.rules {
		if rule.Matches(msg) {
			return Decision{Target: rule.Target, Rule: rule.Name}, nil
		}
	}
	if s.useDefault {
		return Decision{Target: Target{
			Backend:  s.defaultBackend,
			Protocol: s.backends[s.defaultBackend],
		}}, nil
	}
	return Decision{}, &domain.RouteError{Kind: domain.RouteNoRoute, Detail: "no rule matched"}
}

// Len returns the number of compiled rules.
func (s *Snapshot) Len() int { return len(s.rules) }

// Router routes against the current snapshot. Swap publishes a new snapshot
// atomically; in-flight requests keep the snapshot they started with.
type Router struct {
	snapshot atomic.Pointer[Snapshot]
	logger   *slog.Logger
}

func New(snap *Snapshot, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{logger: logger}
	r.snapshot.Store(snap)
	return r
}

// Current returns the active snapshot. Callers that route more than once per
// exchange should hold onto it so the whole exchange sees one table.
func (r *Router) Current() *Snapshot {
	return r.snapshot.Load()
}

// Swap replaces the active snapshot.
func (r *Router) Swap(snap *Snapshot) {
	old := r.snapshot.Swap(snap)
	r.logger.Info("routing table swapped",
		slog.Int("rules", snap.Len()),
		slog.Int("previous_rules", old.Len()))
}

// Route routes against the current snapshot.
func (r *Router) Route(msg *domain.CanonicalMessage) (Decision, error) {
	return r.Current().Route(msg)
}
