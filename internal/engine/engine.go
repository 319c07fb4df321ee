// Package engine owns one mirror session and exposes the operations the
// command layer drives: bind, start, stop, copy and stats.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"tgmirror/internal/copier"
	"tgmirror/internal/logsink"
	"tgmirror/internal/mapping"
	"tgmirror/internal/metrics"
	"tgmirror/internal/pipeline"
	"tgmirror/pkg/mirror"
)

// Mappings is the mapping store surface the engine and its pipeline need.
type Mappings interface {
	pipeline.Mappings
	LoadAll(ctx context.Context, source mirror.ChatRef, limit int) int
	ClearCache()
	Stats(ctx context.Context, source mirror.ChatRef) (mapping.Stats, error)
}

// Topics restores persisted topic correspondences.
type Topics interface {
	Load(ctx context.Context, source, target mirror.ChatRef) map[int]int
}

// Copier runs bulk copies.
type Copier interface {
	Copy(ctx context.Context, request copier.Request) (copier.Result, error)
}

// Option mutates Engine configuration.
type Option func(*Engine)

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics publishes the active flag.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = collector
	}
}

// WithPreloadLimit bounds how many mappings Start loads into the cache.
func WithPreloadLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.preloadLimit = limit
		}
	}
}

// WithPipelineOptions forwards options to the live event pipeline.
func WithPipelineOptions(options ...pipeline.Option) Option {
	return func(e *Engine) {
		e.pipelineOptions = append(e.pipelineOptions, options...)
	}
}

// StartResult summarizes a successful Start.
type StartResult struct {
	Preloaded int
	Copy      copier.Result
	Topics    int
}

// Stats is a point-in-time view of the mirror pair.
type Stats struct {
	Worker  mirror.Worker  `json:"worker"`
	Active  bool           `json:"active"`
	Source  mirror.ChatRef `json:"source"`
	Target  mirror.ChatRef `json:"target"`
	Topics  int            `json:"topics"`
	Mapping mapping.Stats  `json:"mapping"`
}

// Engine is the mirroring façade for one worker.
type Engine struct {
	worker          mirror.Worker
	session         *Session
	mappings        Mappings
	topics          Topics
	copier          Copier
	pipeline        *pipeline.Pipeline
	logger          *slog.Logger
	metrics         *metrics.Metrics
	preloadLimit    int
	pipelineOptions []pipeline.Option
}

// New creates an engine and installs its live event handlers.
func New(
	worker mirror.Worker,
	transport pipeline.Transport,
	mappings Mappings,
	topics Topics,
	copyEngine Copier,
	options ...Option,
) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("new engine: nil transport")
	}
	if mappings == nil {
		return nil, fmt.Errorf("new engine: nil mappings")
	}
	if topics == nil {
		return nil, fmt.Errorf("new engine: nil topics")
	}
	if copyEngine == nil {
		return nil, fmt.Errorf("new engine: nil copier")
	}

	engine := &Engine{
		worker:       worker,
		session:      newSession(),
		mappings:     mappings,
		topics:       topics,
		copier:       copyEngine,
		logger:       slog.Default(),
		preloadLimit: mapping.DefaultPreloadLimit,
	}
	for _, option := range options {
		option(engine)
	}

	pipelineOptions := append([]pipeline.Option{
		pipeline.WithLogger(engine.logger),
		pipeline.WithMetrics(engine.metrics),
	}, engine.pipelineOptions...)
	live, err := pipeline.New(engine.session, transport, mappings, pipelineOptions...)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}
	engine.pipeline = live

	return engine, nil
}

// Session exposes the mirror session state.
func (e *Engine) Session() *Session {
	return e.session
}

// BindSource sets the source chat. Changing it drops cached mappings of the
// previous source.
func (e *Engine) BindSource(chat mirror.ChatRef) error {
	if chat.IsZero() {
		return fmt.Errorf("bind source: %w", mirror.ErrInvalidChatRef)
	}
	if e.session.setSource(chat) {
		e.mappings.ClearCache()
	}
	e.logger.Info("source bound", "source_chat_id", chat.ID, "title", chat.Title)

	return nil
}

// BindTarget sets the target chat.
func (e *Engine) BindTarget(chat mirror.ChatRef) error {
	if chat.IsZero() {
		return fmt.Errorf("bind target: %w", mirror.ErrInvalidChatRef)
	}
	e.session.setTarget(chat)
	e.logger.Info("target bound", "target_chat_id", chat.ID, "title", chat.Title)

	return nil
}

// Start turns live mirroring on after an initial full copy.
//
// Live events are mirrored while the initial copy runs. When the copy fails
// mirroring is turned back off and the error is returned.
func (e *Engine) Start(ctx context.Context) (StartResult, error) {
	source, target, ok := e.session.bound()
	if !ok {
		return StartResult{}, fmt.Errorf("start: %w", mirror.ErrNotBound)
	}
	if !e.session.active.CompareAndSwap(false, true) {
		return StartResult{}, fmt.Errorf("start: %w", mirror.ErrAlreadyActive)
	}
	e.metrics.SetActive(true)

	e.logger.Log(ctx, logsink.LevelStart, "mirroring started",
		"source_chat_id", source.ID,
		"target_chat_id", target.ID,
	)

	result := StartResult{
		Preloaded: e.mappings.LoadAll(ctx, source, e.preloadLimit),
	}
	e.session.mergeTopics(e.topics.Load(ctx, source, target))

	copied, err := e.copier.Copy(ctx, copier.Request{
		Source:   source,
		Target:   target,
		OnTopics: e.session.mergeTopics,
	})
	result.Copy = copied
	if err != nil {
		e.session.active.Store(false)
		e.metrics.SetActive(false)
		e.logger.ErrorContext(ctx, fmt.Sprintf("mirroring start failed: %v", err),
			"source_chat_id", source.ID,
			"target_chat_id", target.ID,
		)
		return result, fmt.Errorf("start: %w", err)
	}
	e.session.mergeTopics(copied.Topics)
	result.Topics = len(e.session.Topics())

	e.logger.Log(ctx, logsink.LevelSuccess,
		fmt.Sprintf("initial copy finished: %d messages, live mirroring on", copied.Copied),
		"preloaded", result.Preloaded,
		"topics", result.Topics,
		"run_id", copied.RunID,
	)

	return result, nil
}

// Stop turns live mirroring off. In-flight operations finish normally.
func (e *Engine) Stop() error {
	if !e.session.active.CompareAndSwap(true, false) {
		return fmt.Errorf("stop: %w", mirror.ErrNotActive)
	}
	e.metrics.SetActive(false)
	e.logger.Log(context.Background(), logsink.LevelStop, "mirroring stopped")

	return nil
}

// Copy bulk-copies the source history without touching the active flag.
// fromID copies messages with id >= fromID; zero copies everything.
func (e *Engine) Copy(ctx context.Context, fromID int, progress copier.ProgressFunc) (copier.Result, error) {
	source, target, ok := e.session.bound()
	if !ok {
		return copier.Result{}, fmt.Errorf("copy: %w", mirror.ErrNotBound)
	}
	if fromID < 0 {
		return copier.Result{}, fmt.Errorf("copy: %w: negative start id %d", mirror.ErrInvalidRequest, fromID)
	}

	minID := 0
	message := "full copy started"
	if fromID > 0 {
		minID = fromID - 1
		message = fmt.Sprintf("range copy started (#%d~)", fromID)
	}
	e.logger.Log(ctx, logsink.LevelStart, message)

	result, err := e.copier.Copy(ctx, copier.Request{
		Source:   source,
		Target:   target,
		MinID:    minID,
		Progress: progress,
		OnTopics: e.session.mergeTopics,
	})
	e.session.mergeTopics(result.Topics)

	return result, err
}

// Handle feeds one live event into the pipeline.
func (e *Engine) Handle(ctx context.Context, event mirror.Event) {
	e.pipeline.Handle(ctx, event)
}

// Stats reports the session state together with mapping store statistics.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	source, target, _ := e.session.bound()
	stats := Stats{
		Worker: e.worker,
		Active: e.session.Active(),
		Source: source,
		Target: target,
		Topics: len(e.session.Topics()),
	}
	if source.IsZero() {
		return stats, nil
	}

	mappingStats, err := e.mappings.Stats(ctx, source)
	if err != nil {
		return stats, fmt.Errorf("engine stats: %w", err)
	}
	stats.Mapping = mappingStats

	return stats, nil
}
