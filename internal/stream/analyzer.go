// Package stream reassembles and guards streamed backend responses. Each
// correlation ID gets one Session that buffers out-of-order chunks, detects
// tool calls split across chunk boundaries, and forwards only
// guardrail-checked content.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/orchix-ai/orchix/internal/config"
	"github.com/orchix-ai/orchix/internal/domain"
)

// Analyzer owns the live streaming sessions. The map is only used to route
// chunks to their owning session; all per-stream state lives inside the
// Session itself.
type Analyzer struct {
	cfg    config.StreamConfig
	guard  Guard
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewAnalyzer(cfg config.StreamConfig, guard Guard, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		cfg:      cfg,
		guard:    guard,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open creates the session for a new streamed exchange. The template message
// supplies the correlation ID, origin protocol, and headers every emitted
// chunk inherits. Opening an already-open correlation ID returns the
// existing session.
func (a *Analyzer) Open(template *domain.CanonicalMessage, sink Sink) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.sessions[template.CorrelationID]; ok {
		return s
	}
	s := newSession(a.cfg, a.guard, sink, a.logger, template)
	a.sessions[template.CorrelationID] = s
	return s
}

// Close removes a session. Called by the owning exchange on completion or
// cancellation; buffered state is dropped with it.
func (a *Analyzer) Close(correlationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, correlationID)
}

// Active returns the number of live sessions.
func (a *Analyzer) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Run sweeps idle sessions until the context is cancelled. A session closed
// here reports StreamError{Timeout} to its owner on the next Offer.
func (a *Analyzer) Run(ctx context.Context) {
	interval := a.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sweep(now)
		}
	}
}

func (a *Analyzer) sweep(now time.Time) {
	a.mu.Lock()
	sessions := make([]*Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()

	for _, s := range sessions {
		if err := s.expireIfIdle(now); err != nil {
			a.logger.Warn("stream session expired",
				slog.String("correlation_id", s.correlationID),
				slog.String("error", err.Error()))
			a.Close(s.correlationID)
		}
	}
}
