// Package usage produces the post-hoc usage record for each completed
// exchange. The recorder is a fire-and-forget collaborator; it is never
// consulted for admission control.
package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/orchix-ai/orchix/internal/domain"
)

// Record summarizes one completed exchange.
type Record struct {
	CorrelationID  string
	Backend        string
	Rule           string
	Model          string
	Origin         domain.Protocol
	Dest           domain.Protocol
	RequestTokens  int
	ResponseTokens int
	// Estimated is true when any count came from the fallback estimator
	// rather than a real tokenizer.
	Estimated bool
	Duration  time.Duration
	Outcome   string
	Completed time.Time
}

// Recorder receives usage records. Failure to record never fails the
// exchange.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// NopRecorder discards records.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Record) {}

// LogRecorder writes each record as one structured log line.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(_ context.Context, rec Record) {
	r.logger.Info("exchange completed",
		slog.String("correlation_id", rec.CorrelationID),
		slog.String("backend", rec.Backend),
		slog.String("rule", rec.Rule),
		slog.String("model", rec.Model),
		slog.String("origin", string(rec.Origin)),
		slog.String("dest", string(rec.Dest)),
		slog.Int("request_tokens", rec.RequestTokens),
		slog.Int("response_tokens", rec.ResponseTokens),
		slog.Bool("estimated", rec.Estimated),
		slog.Duration("duration", rec.Duration),
		slog.String("outcome", rec.Outcome))
}

// Meter builds usage records from canonical messages.
type Meter struct {
	counter *Counter
}

func NewMeter() *Meter {
	return &Meter{counter: NewCounter()}
}

// Measure fills token counts for a request/response pair.
func (m *Meter) Measure(rec *Record, request, response *domain.CanonicalMessage) {
	if request != nil {
		n, est := m.counter.Count(rec.Model, request.Text())
		rec.RequestTokens = n
		rec.Estimated = rec.Estimated || est
	}
	if response != nil {
		n, est := m.counter.Count(rec.Model, response.Text())
		rec.ResponseTokens = n
		rec.Estimated = rec.Estimated || est
	}
}

var _ Recorder = (*LogRecorder)(nil)
var _ Recorder = NopRecorder{}
