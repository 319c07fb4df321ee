// Package logsink persists operator-facing log records while passing every
// record on to a regular slog handler.
package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tgmirror/pkg/mirror"
)

const (
	// DefaultFlushInterval is the periodic flush cadence.
	DefaultFlushInterval = 5 * time.Second
	// DefaultBatchSize triggers an early flush once that many records are buffered.
	DefaultBatchSize = 50
)

// Writer persists buffered records.
type Writer interface {
	InsertLogs(ctx context.Context, records []mirror.LogRecord) error
}

// Option mutates Handler configuration.
type Option func(*sink)

// WithFlushInterval overrides the periodic flush cadence.
func WithFlushInterval(interval time.Duration) Option {
	return func(s *sink) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithBatchSize overrides the early-flush threshold.
func WithBatchSize(size int) Option {
	return func(s *sink) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithMinLevel sets the lowest level that is persisted.
func WithMinLevel(level slog.Level) Option {
	return func(s *sink) {
		s.minLevel = level
	}
}

// WithErrorLogger receives flush failures. They never go through the sink itself.
func WithErrorLogger(logger *slog.Logger) Option {
	return func(s *sink) {
		if logger != nil {
			s.errorLogger = logger
		}
	}
}

// Handler is a slog.Handler that tees records into a persistent buffer.
type Handler struct {
	next slog.Handler
	sink *sink
}

type sink struct {
	writer        Writer
	worker        mirror.Worker
	flushInterval time.Duration
	batchSize     int
	minLevel      slog.Level
	errorLogger   *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	buffer  []mirror.LogRecord
	flushMu sync.Mutex

	trigger   chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a Handler and starts its flush loop. Close stops the loop.
func New(next slog.Handler, writer Writer, worker mirror.Worker, options ...Option) (*Handler, error) {
	if next == nil {
		return nil, fmt.Errorf("new log sink: nil next handler")
	}
	if writer == nil {
		return nil, fmt.Errorf("new log sink: nil writer")
	}

	s := &sink{
		writer:        writer,
		worker:        worker,
		flushInterval: DefaultFlushInterval,
		batchSize:     DefaultBatchSize,
		minLevel:      slog.LevelInfo,
		errorLogger:   slog.New(next),
		now:           time.Now,
		trigger:       make(chan struct{}, 1),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, option := range options {
		option(s)
	}

	go s.loop()

	return &Handler{next: next, sink: s}, nil
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.sink.minLevel || h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= h.sink.minLevel {
		h.sink.add(mirror.LogRecord{
			WorkerID:   h.sink.worker.ID,
			WorkerName: h.sink.worker.Name,
			Level:      LevelName(record.Level),
			Message:    record.Message,
			CreatedAt:  record.Time,
		})
	}
	if !h.next.Enabled(ctx, record.Level) {
		return nil
	}

	return h.next.Handle(ctx, record)
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), sink: h.sink}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), sink: h.sink}
}

// Flush writes buffered records now. On failure the records stay buffered.
func (h *Handler) Flush(ctx context.Context) error {
	return h.sink.flush(ctx)
}

// Pending returns the number of buffered records.
func (h *Handler) Pending() int {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()

	return len(h.sink.buffer)
}

// Close stops the flush loop and performs a final flush.
func (h *Handler) Close(ctx context.Context) error {
	h.sink.closeOnce.Do(func() {
		close(h.sink.done)
	})
	<-h.sink.stopped

	return h.sink.flush(ctx)
}

func (s *sink) add(record mirror.LogRecord) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, record)
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if full {
		select {
		case s.trigger <- struct{}{}:
		default:
		}
	}
}

func (s *sink) loop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		if err := s.flush(context.Background()); err != nil {
			s.errorLogger.Warn("log sink flush failed", "error", err)
		}
	}
}

func (s *sink) flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := s.writer.InsertLogs(ctx, pending); err != nil {
		s.mu.Lock()
		s.buffer = append(pending, s.buffer...)
		s.mu.Unlock()
		return fmt.Errorf("flush %d log records: %w", len(pending), err)
	}

	return nil
}
