// Package pipeline reacts to live source-chat events while mirroring is active.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tgmirror/internal/metrics"
	"tgmirror/internal/ratelimit"
	"tgmirror/pkg/mirror"
)

// Session exposes the mirror state the handlers read on every event.
type Session interface {
	Active() bool
	Source() mirror.ChatRef
	Target() mirror.ChatRef
	// TargetTopic returns the target topic corresponding to a source topic.
	TargetTopic(sourceTopicID int) (int, bool)
}

// Transport is the subset of mirror.Transport live handlers call.
type Transport interface {
	Forward(ctx context.Context, request mirror.ForwardRequest) ([]int, error)
	EditText(ctx context.Context, chat mirror.ChatRef, messageID int, text string) error
	Delete(ctx context.Context, chat mirror.ChatRef, messageIDs []int) error
}

// Mappings resolves and records message pairs.
type Mappings interface {
	Save(ctx context.Context, source, target mirror.ChatRef, sourceMessageID, targetMessageID int) bool
	Get(ctx context.Context, source mirror.ChatRef, sourceMessageID int) (int, bool)
	Delete(ctx context.Context, source mirror.ChatRef, sourceMessageID int) bool
}

// Option mutates Pipeline configuration.
type Option func(*Pipeline)

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records propagation outcomes.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = collector
	}
}

// WithRetryPolicy replaces the rate-limit retry policy.
func WithRetryPolicy(policy *ratelimit.Policy) Option {
	return func(p *Pipeline) {
		if policy != nil {
			p.retry = policy
		}
	}
}

type handlerFunc func(ctx context.Context, event mirror.Event) error

// Pipeline dispatches live events to the four mirroring handlers.
type Pipeline struct {
	session   Session
	transport Transport
	mappings  Mappings
	logger    *slog.Logger
	metrics   *metrics.Metrics
	retry     *ratelimit.Policy
	tracer    trace.Tracer
	handlers  map[mirror.EventKind]handlerFunc
}

// New creates a pipeline bound to one session.
func New(session Session, transport Transport, mappings Mappings, options ...Option) (*Pipeline, error) {
	if session == nil {
		return nil, fmt.Errorf("new pipeline: nil session")
	}
	if transport == nil {
		return nil, fmt.Errorf("new pipeline: nil transport")
	}
	if mappings == nil {
		return nil, fmt.Errorf("new pipeline: nil mappings")
	}

	pipeline := &Pipeline{
		session:   session,
		transport: transport,
		mappings:  mappings,
		logger:    slog.Default(),
		tracer:    otel.Tracer("tgmirror/internal/pipeline"),
	}
	for _, option := range options {
		option(pipeline)
	}
	if pipeline.retry == nil {
		pipeline.retry = ratelimit.New(
			ratelimit.WithLogger(pipeline.logger),
			ratelimit.WithMetrics(pipeline.metrics),
		)
	}
	pipeline.handlers = map[mirror.EventKind]handlerFunc{
		mirror.EventKindNewMessage: pipeline.handleNewMessage,
		mirror.EventKindAlbum:      pipeline.handleAlbum,
		mirror.EventKindEdit:       pipeline.handleEdit,
		mirror.EventKindDelete:     pipeline.handleDelete,
	}

	return pipeline, nil
}

// Handle processes one event. Failures are logged and never returned, so the
// caller can move on to the next event.
func (p *Pipeline) Handle(ctx context.Context, event mirror.Event) {
	if !p.session.Active() {
		return
	}
	if event.Chat.ID != p.session.Source().ID {
		return
	}
	if err := event.Validate(); err != nil {
		p.logger.WarnContext(ctx, "dropping invalid event", "error", err)
		return
	}
	handler, ok := p.handlers[event.Kind]
	if !ok {
		return
	}

	ctx, span := p.tracer.Start(ctx, "pipeline."+string(event.Kind), trace.WithAttributes(
		attribute.Int64("source_chat_id", event.Chat.ID),
	))
	defer span.End()

	if err := invokeHandler(ctx, handler, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.ErrorContext(ctx, "live event handling failed",
			"event_kind", event.Kind,
			"source_chat_id", event.Chat.ID,
			"error", err,
		)
	}
}

func (p *Pipeline) handleNewMessage(ctx context.Context, event mirror.Event) error {
	message := event.Message
	if message.InAlbum() {
		return nil
	}

	source, target := p.session.Source(), p.session.Target()
	targetIDs, err := ratelimit.Value(ctx, p.retry, "forward message", func(ctx context.Context) ([]int, error) {
		return p.transport.Forward(ctx, mirror.ForwardRequest{
			From:       source,
			To:         target,
			MessageIDs: []int{message.ID},
			TopicID:    p.targetTopic(message.TopicID),
			DropAuthor: true,
		})
	})
	if err != nil {
		p.metrics.ForwardFailed("live", 1)
		return fmt.Errorf("forward message %d: %w", message.ID, err)
	}
	if len(targetIDs) == 0 {
		p.metrics.SizeMismatch()
		p.logger.WarnContext(ctx, "forward returned no message", "message_id", message.ID)
		return nil
	}

	p.mappings.Save(ctx, source, target, message.ID, targetIDs[0])
	p.metrics.Forwarded("live", 1)
	p.logger.DebugContext(ctx, "message mirrored",
		"message_id", message.ID,
		"target_message_id", targetIDs[0],
	)

	return nil
}

func (p *Pipeline) handleAlbum(ctx context.Context, event mirror.Event) error {
	ids := make([]int, len(event.Album))
	for index, message := range event.Album {
		ids[index] = message.ID
	}

	source, target := p.session.Source(), p.session.Target()
	targetIDs, err := ratelimit.Value(ctx, p.retry, "forward album", func(ctx context.Context) ([]int, error) {
		return p.transport.Forward(ctx, mirror.ForwardRequest{
			From:       source,
			To:         target,
			MessageIDs: ids,
			TopicID:    p.targetTopic(event.Album[0].TopicID),
			DropAuthor: true,
		})
	})
	if err != nil {
		p.metrics.ForwardFailed("live", len(ids))
		return fmt.Errorf("forward album of %d: %w", len(ids), err)
	}

	paired := min(len(ids), len(targetIDs))
	if paired != len(ids) {
		p.metrics.SizeMismatch()
		p.logger.WarnContext(ctx, "album forward size mismatch",
			"sent", len(ids),
			"received", len(targetIDs),
		)
	}
	for index := 0; index < paired; index++ {
		p.mappings.Save(ctx, source, target, ids[index], targetIDs[index])
	}
	p.metrics.Forwarded("live", paired)

	return nil
}

func (p *Pipeline) handleDelete(ctx context.Context, event mirror.Event) error {
	source, target := p.session.Source(), p.session.Target()

	sourceIDs := make([]int, 0, len(event.DeletedIDs))
	targetIDs := make([]int, 0, len(event.DeletedIDs))
	for _, sourceID := range event.DeletedIDs {
		targetID, ok := p.mappings.Get(ctx, source, sourceID)
		if !ok {
			continue
		}
		sourceIDs = append(sourceIDs, sourceID)
		targetIDs = append(targetIDs, targetID)
	}
	if len(targetIDs) == 0 {
		return nil
	}

	if err := p.retry.Do(ctx, "delete messages", func(ctx context.Context) error {
		return p.transport.Delete(ctx, target, targetIDs)
	}); err != nil {
		return fmt.Errorf("delete %d messages: %w", len(targetIDs), err)
	}

	for _, sourceID := range sourceIDs {
		p.mappings.Delete(ctx, source, sourceID)
	}
	p.metrics.DeletesPropagated(len(targetIDs))
	p.logger.DebugContext(ctx, "deletions mirrored", "count", len(targetIDs))

	return nil
}

func (p *Pipeline) handleEdit(ctx context.Context, event mirror.Event) error {
	message := event.Message
	source, target := p.session.Source(), p.session.Target()

	targetID, ok := p.mappings.Get(ctx, source, message.ID)
	if !ok {
		return nil
	}
	if message.Text == "" && message.HasMedia {
		p.logger.DebugContext(ctx, "skipping media-only edit", "message_id", message.ID)
		return nil
	}

	if err := p.retry.Do(ctx, "edit message", func(ctx context.Context) error {
		return p.transport.EditText(ctx, target, targetID, message.Text)
	}); err != nil {
		return fmt.Errorf("edit message %d: %w", message.ID, err)
	}
	p.metrics.EditPropagated()

	return nil
}

func (p *Pipeline) targetTopic(sourceTopicID int) int {
	if sourceTopicID == 0 {
		return 0
	}
	targetTopicID, ok := p.session.TargetTopic(sourceTopicID)
	if !ok {
		return 0
	}

	return targetTopicID
}

// invokeHandler runs one handler and turns a panic into an error so a single
// malformed event cannot stop the event loop.
func invokeHandler(ctx context.Context, handler handlerFunc, event mirror.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handle %s: panic: %v", event.Kind, recovered)
		}
	}()

	if err := handler(ctx, event); err != nil {
		return fmt.Errorf("handle %s: %w", event.Kind, err)
	}

	return nil
}
