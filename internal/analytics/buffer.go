// Package analytics buffers SDK evaluation events in memory and flushes
// them to durable storage in batches. Ingestion never blocks on the
// database: a full buffer triggers an async flush, and when storage is down
// the buffer holds events up to a ceiling, shedding the oldest first.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TzachiGitHub/feature-flag-service-sub000/internal/repository"
)

const (
	DefaultFlushThreshold = 1000
	DefaultFlushInterval  = 10 * time.Second
	DefaultBufferCeiling  = 10000

	flushTimeout = 5 * time.Second
)

// Sink persists event batches.
type Sink interface {
	InsertAnalyticsEvents(ctx context.Context, events []repository.AnalyticsEvent) error
}

// Buffer accumulates events and flushes them on size or time triggers.
type Buffer struct {
	sink      Sink
	logger    *slog.Logger
	threshold int
	ceiling   int
	interval  time.Duration
	onDrop    func(count int)

	mu     sync.Mutex
	events []repository.AnalyticsEvent

	flushSignal chan struct{}
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithFlushThreshold sets the buffered event count that triggers an
// immediate flush.
func WithFlushThreshold(threshold int) Option {
	return func(b *Buffer) {
		if threshold > 0 {
			b.threshold = threshold
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(interval time.Duration) Option {
	return func(b *Buffer) {
		if interval > 0 {
			b.interval = interval
		}
	}
}

// WithBufferCeiling sets the hard cap on buffered events. Beyond it the
// oldest events are discarded.
func WithBufferCeiling(ceiling int) Option {
	return func(b *Buffer) {
		if ceiling > 0 {
			b.ceiling = ceiling
		}
	}
}

// WithDropCallback installs a callback invoked with the number of events
// shed at the ceiling.
func WithDropCallback(onDrop func(count int)) Option {
	return func(b *Buffer) {
		b.onDrop = onDrop
	}
}

// NewBuffer creates a buffer writing to sink.
func NewBuffer(sink Sink, logger *slog.Logger, opts ...Option) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Buffer{
		sink:        sink,
		logger:      logger,
		threshold:   DefaultFlushThreshold,
		ceiling:     DefaultBufferCeiling,
		interval:    DefaultFlushInterval,
		flushSignal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.ceiling < b.threshold {
		b.ceiling = b.threshold
	}
	return b
}

// Record buffers events for the next flush. It never blocks on storage;
// reaching the flush threshold only signals the background flusher.
func (b *Buffer) Record(events ...repository.AnalyticsEvent) {
	if len(events) == 0 {
		return
	}

	b.mu.Lock()
	b.events = append(b.events, events...)
	b.enforceCeilingLocked()
	full := len(b.events) >= b.threshold
	b.mu.Unlock()

	if full {
		select {
		case b.flushSignal <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Run flushes on the interval ticker and on threshold signals until ctx is
// cancelled, then performs a final flush.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.finalFlush()
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.flushSignal:
			b.Flush(ctx)
		}
	}
}

// Flush writes all buffered events to the sink. On failure the batch is put
// back at the front of the buffer so ordering survives a retry, subject to
// the ceiling.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()

	if err := b.sink.InsertAnalyticsEvents(flushCtx, batch); err != nil {
		b.logger.ErrorContext(ctx, "flush analytics events",
			slog.Int("batch_size", len(batch)),
			slog.String("error", err.Error()),
		)

		b.mu.Lock()
		b.events = append(batch, b.events...)
		b.enforceCeilingLocked()
		b.mu.Unlock()
	}
}

// finalFlush drains the buffer on shutdown with a context detached from the
// cancelled run context.
func (b *Buffer) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	b.Flush(ctx)
}

func (b *Buffer) enforceCeilingLocked() {
	if len(b.events) <= b.ceiling {
		return
	}

	excess := len(b.events) - b.ceiling
	b.events = b.events[excess:]

	if b.onDrop != nil {
		b.onDrop(excess)
	}
	b.logger.Warn("analytics buffer ceiling reached", slog.Int("dropped", excess))
}
