// Package copier bulk-copies a chat's history into the mirror target.
//
// Flat chats are copied in forward batches; forum chats are copied one
// message at a time so each lands in its corresponding topic.
package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tgmirror/internal/logsink"
	"tgmirror/internal/metrics"
	"tgmirror/internal/ratelimit"
	"tgmirror/pkg/mirror"
)

const (
	// DefaultBatchSize is the number of messages forwarded per call in batch mode.
	DefaultBatchSize = 100
	// DefaultBatchPause separates consecutive full batches.
	DefaultBatchPause = 500 * time.Millisecond
	// DefaultProgressInterval is the individual-mode progress cadence in messages.
	DefaultProgressInterval = 50
)

// Mode identifies the copy strategy chosen for a run.
type Mode string

const (
	// ModeBatch forwards many messages per call.
	ModeBatch Mode = "batch"
	// ModeIndividual forwards messages one at a time.
	ModeIndividual Mode = "individual"
)

// Transport is the subset of mirror.Transport the copy engine needs.
type Transport interface {
	Forward(ctx context.Context, request mirror.ForwardRequest) ([]int, error)
	History(ctx context.Context, chat mirror.ChatRef, minID int, fn func(mirror.Message) error) error
}

// MappingSaver records produced message pairs.
type MappingSaver interface {
	Save(ctx context.Context, source, target mirror.ChatRef, sourceMessageID, targetMessageID int) bool
}

// TopicSynchronizer detects forums and mirrors their topics.
type TopicSynchronizer interface {
	IsForumChat(ctx context.Context, chat mirror.ChatRef) bool
	Synchronize(ctx context.Context, source, target mirror.ChatRef) map[int]int
}

// Progress is one progress report of a running copy.
type Progress struct {
	RunID  string
	Mode   Mode
	Copied int
}

// ProgressFunc receives progress reports. A returned error disables further
// reports for the run.
type ProgressFunc func(ctx context.Context, progress Progress) error

// Request describes one copy run.
type Request struct {
	Source mirror.ChatRef
	Target mirror.ChatRef
	// MinID copies only messages with a greater id. Zero copies the full history.
	MinID    int
	Progress ProgressFunc
	// OnTopics receives the topic map once forum topics are synchronized,
	// before any history is copied.
	OnTopics func(topics map[int]int)
}

// Result summarizes one copy run.
type Result struct {
	RunID  string
	Mode   Mode
	Copied int
	Failed int
	// Topics is the source to target topic map established by a forum copy.
	Topics map[int]int
}

// Option mutates Engine configuration.
type Option func(*Engine)

// WithBatchSize overrides the batch-mode forward size.
func WithBatchSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.batchSize = size
		}
	}
}

// WithBatchPause overrides the pause between full batches.
func WithBatchPause(pause time.Duration) Option {
	return func(e *Engine) {
		if pause >= 0 {
			e.batchPause = pause
		}
	}
}

// WithProgressInterval overrides the individual-mode progress cadence.
func WithProgressInterval(interval int) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.progressInterval = interval
		}
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records forward outcomes.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = collector
	}
}

// WithRetryPolicy replaces the rate-limit retry policy.
func WithRetryPolicy(policy *ratelimit.Policy) Option {
	return func(e *Engine) {
		if policy != nil {
			e.retry = policy
		}
	}
}

// WithSleep replaces the pause implementation used between batches.
func WithSleep(sleep ratelimit.SleepFunc) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// Engine runs bulk copies.
type Engine struct {
	transport        Transport
	mappings         MappingSaver
	topics           TopicSynchronizer
	batchSize        int
	batchPause       time.Duration
	progressInterval int
	logger           *slog.Logger
	metrics          *metrics.Metrics
	retry            *ratelimit.Policy
	sleep            ratelimit.SleepFunc
	tracer           trace.Tracer
	newRunID         func() string
}

// New creates a copy engine.
func New(transport Transport, mappings MappingSaver, topics TopicSynchronizer, options ...Option) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("new copier: nil transport")
	}
	if mappings == nil {
		return nil, fmt.Errorf("new copier: nil mappings")
	}
	if topics == nil {
		return nil, fmt.Errorf("new copier: nil topic synchronizer")
	}

	engine := &Engine{
		transport:        transport,
		mappings:         mappings,
		topics:           topics,
		batchSize:        DefaultBatchSize,
		batchPause:       DefaultBatchPause,
		progressInterval: DefaultProgressInterval,
		logger:           slog.Default(),
		sleep:            ratelimit.SleepWithContext,
		tracer:           otel.Tracer("tgmirror/internal/copier"),
		newRunID:         uuid.NewString,
	}
	for _, option := range options {
		option(engine)
	}
	if engine.retry == nil {
		engine.retry = ratelimit.New(
			ratelimit.WithLogger(engine.logger),
			ratelimit.WithMetrics(engine.metrics),
		)
	}

	return engine, nil
}

// Copy copies the source history into the target.
//
// Forbidden transport errors abort the run; the returned Result then holds
// what was copied so far. All other per-message failures are counted in
// Result.Failed and the run continues.
func (e *Engine) Copy(ctx context.Context, request Request) (Result, error) {
	if request.Source.IsZero() || request.Target.IsZero() {
		return Result{}, fmt.Errorf("copy: %w", mirror.ErrNotBound)
	}

	run := &run{
		engine:   e,
		request:  request,
		progress: request.Progress,
		result:   Result{RunID: e.newRunID()},
	}
	run.logger = e.logger.With(
		"run_id", run.result.RunID,
		"source_chat_id", request.Source.ID,
		"target_chat_id", request.Target.ID,
	)

	ctx, span := e.tracer.Start(ctx, "copier.Copy", trace.WithAttributes(
		attribute.String("run_id", run.result.RunID),
		attribute.Int64("source_chat_id", request.Source.ID),
		attribute.Int64("target_chat_id", request.Target.ID),
		attribute.Int("min_id", request.MinID),
	))
	defer span.End()

	var err error
	if e.topics.IsForumChat(ctx, request.Source) {
		run.logger.InfoContext(ctx, "forum detected, synchronizing topics")
		run.result.Mode = ModeIndividual
		run.result.Topics = e.topics.Synchronize(ctx, request.Source, request.Target)
		if request.OnTopics != nil {
			request.OnTopics(maps.Clone(run.result.Topics))
		}
		err = run.copyIndividual(ctx)
	} else {
		run.result.Mode = ModeBatch
		err = run.copyBatches(ctx)
	}

	span.SetAttributes(
		attribute.String("mode", string(run.result.Mode)),
		attribute.Int("copied", run.result.Copied),
		attribute.Int("failed", run.result.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		run.logger.ErrorContext(ctx, "copy aborted",
			"mode", run.result.Mode,
			"copied", run.result.Copied,
			"error", err,
		)
		return run.result, fmt.Errorf("copy %s: %w", run.result.Mode, err)
	}

	run.logger.Log(ctx, logsink.LevelSuccess, fmt.Sprintf("copy finished: %d messages", run.result.Copied),
		"mode", run.result.Mode,
		"copied", run.result.Copied,
		"failed", run.result.Failed,
	)

	return run.result, nil
}

type run struct {
	engine   *Engine
	request  Request
	logger   *slog.Logger
	progress ProgressFunc
	result   Result
}

func (r *run) copyBatches(ctx context.Context) error {
	batch := make([]mirror.Message, 0, r.engine.batchSize)

	err := r.engine.transport.History(ctx, r.request.Source, r.request.MinID, func(message mirror.Message) error {
		batch = append(batch, message)
		if len(batch) < r.engine.batchSize {
			return nil
		}
		if err := r.sendBatch(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]

		return r.engine.sleep(ctx, r.engine.batchPause)
	})
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	return r.sendBatch(ctx, batch)
}

func (r *run) sendBatch(ctx context.Context, batch []mirror.Message) error {
	ids := make([]int, len(batch))
	for index, message := range batch {
		ids[index] = message.ID
	}

	targetIDs, err := ratelimit.Value(ctx, r.engine.retry, "forward batch", func(ctx context.Context) ([]int, error) {
		return r.engine.transport.Forward(ctx, mirror.ForwardRequest{
			From:       r.request.Source,
			To:         r.request.Target,
			MessageIDs: ids,
			DropAuthor: true,
		})
	})
	if err != nil {
		if mirror.IsForbidden(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if _, rateLimited := mirror.AsRateLimit(err); rateLimited {
			r.fail(ctx, len(batch), "batch still rate limited after retry", err)
			return nil
		}

		r.logger.WarnContext(ctx, "batch forward failed, falling back to single messages",
			"batch_size", len(batch),
			"first_message_id", ids[0],
			"error", err,
		)
		for _, message := range batch {
			if err := r.forwardOne(ctx, message, 0); err != nil {
				return err
			}
		}
		r.reportProgress(ctx)
		return nil
	}

	saved := r.saveAligned(ctx, ids, targetIDs)
	r.result.Copied += saved
	r.engine.metrics.Forwarded(string(ModeBatch), saved)
	if missing := len(batch) - saved; missing > 0 {
		r.result.Failed += missing
		r.engine.metrics.ForwardFailed(string(ModeBatch), missing)
	}
	r.reportProgress(ctx)

	return nil
}

func (r *run) copyIndividual(ctx context.Context) error {
	return r.engine.transport.History(ctx, r.request.Source, r.request.MinID, func(message mirror.Message) error {
		targetTopic := 0
		if message.TopicID != 0 {
			targetTopic = r.result.Topics[message.TopicID]
		}

		copiedBefore := r.result.Copied
		if err := r.forwardOne(ctx, message, targetTopic); err != nil {
			return err
		}
		if r.result.Copied != copiedBefore && r.result.Copied%r.engine.progressInterval == 0 {
			r.reportProgress(ctx)
		}

		return nil
	})
}

// forwardOne returns an error only when the run must abort.
func (r *run) forwardOne(ctx context.Context, message mirror.Message, topicID int) error {
	targetIDs, err := ratelimit.Value(ctx, r.engine.retry, "forward message", func(ctx context.Context) ([]int, error) {
		return r.engine.transport.Forward(ctx, mirror.ForwardRequest{
			From:       r.request.Source,
			To:         r.request.Target,
			MessageIDs: []int{message.ID},
			TopicID:    topicID,
			DropAuthor: true,
		})
	})
	switch {
	case err == nil:
	case mirror.IsForbidden(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case mirror.IsNotFound(err):
		r.logger.DebugContext(ctx, "message no longer exists, skipping", "message_id", message.ID)
		r.result.Failed++
		r.engine.metrics.ForwardFailed(string(r.result.Mode), 1)
		return nil
	default:
		r.fail(ctx, 1, fmt.Sprintf("forward message %d failed", message.ID), err)
		return nil
	}

	saved := r.saveAligned(ctx, []int{message.ID}, targetIDs)
	r.result.Copied += saved
	r.engine.metrics.Forwarded(string(r.result.Mode), saved)
	if saved == 0 {
		r.result.Failed++
		r.engine.metrics.ForwardFailed(string(r.result.Mode), 1)
	}

	return nil
}

// saveAligned pairs sent and returned ids by position up to the shorter list.
func (r *run) saveAligned(ctx context.Context, sourceIDs, targetIDs []int) int {
	paired := min(len(sourceIDs), len(targetIDs))
	if len(sourceIDs) != len(targetIDs) {
		r.logger.WarnContext(ctx, "forward result size mismatch",
			"sent", len(sourceIDs),
			"received", len(targetIDs),
		)
		r.engine.metrics.SizeMismatch()
	}

	for index := 0; index < paired; index++ {
		r.engine.mappings.Save(ctx, r.request.Source, r.request.Target, sourceIDs[index], targetIDs[index])
	}

	return paired
}

func (r *run) fail(ctx context.Context, count int, message string, err error) {
	r.result.Failed += count
	r.engine.metrics.ForwardFailed(string(r.result.Mode), count)
	r.logger.ErrorContext(ctx, message,
		"count", count,
		"error", err,
	)
}

func (r *run) reportProgress(ctx context.Context) {
	if r.progress == nil {
		return
	}
	if err := r.progress(ctx, Progress{
		RunID:  r.result.RunID,
		Mode:   r.result.Mode,
		Copied: r.result.Copied,
	}); err != nil {
		r.logger.WarnContext(ctx, "progress report failed, disabling further reports", "error", err)
		r.progress = nil
	}
}
