package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Store persists audit events.
type Store interface {
	Insert(ctx context.Context, ev Event) error
	Close() error
}

// Queue is an asynchronous Sink draining to a Store. Record never blocks:
// when the buffer is full the event is dropped and counted.
type Queue struct {
	ch     chan Event
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	dropped uint64

	wg sync.WaitGroup
}

// NewQueue creates a queue with the given buffer size.
func NewQueue(store Store, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:     make(chan Event, size),
		store:  store,
		logger: logger,
	}
}

// Start launches the drain worker until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				q.drain()
				return
			case ev := <-q.ch:
				q.write(ev)
			}
		}
	}()
}

// Record enqueues an event, dropping it if the buffer is full.
func (q *Queue) Record(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	select {
	case q.ch <- ev:
	default:
		q.mu.Lock()
		q.dropped++
		dropped := q.dropped
		q.mu.Unlock()
		q.logger.Warn("audit queue full, event dropped",
			slog.String("kind", ev.Kind),
			slog.Uint64("dropped_total", dropped))
	}
}

// Dropped returns the number of events dropped so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Wait blocks until the drain worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) drain() {
	for {
		select {
		case ev := <-q.ch:
			q.write(ev)
		default:
			return
		}
	}
}

func (q *Queue) write(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.Insert(ctx, ev); err != nil {
		q.logger.Error("audit store insert failed", slog.String("error", err.Error()))
	}
}

var _ Sink = (*Queue)(nil)
