// Package topics replicates forum topics from a source chat into a target chat
// and keeps the resulting topic correspondence.
package topics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tgmirror/internal/logsink"
	"tgmirror/pkg/mirror"
)

const (
	// DefaultIconColor is used when the source topic carries no colour.
	DefaultIconColor = 0x6FB9F0
	// DefaultTopicLimit bounds one topic listing.
	DefaultTopicLimit = 100
)

// Transport is the subset of mirror.Transport the synchronizer needs.
type Transport interface {
	IsForum(ctx context.Context, chat mirror.ChatRef) (bool, error)
	ListTopics(ctx context.Context, chat mirror.ChatRef, limit int) ([]mirror.Topic, error)
	CreateTopic(ctx context.Context, request mirror.CreateTopicRequest) (int, error)
}

// Store persists topic correspondences.
type Store interface {
	UpsertTopicMapping(ctx context.Context, mapping mirror.TopicMapping) error
	TopicMappings(ctx context.Context, workerID, sourceChatID, targetChatID int64) ([]mirror.TopicMapping, error)
}

// Option mutates Synchronizer configuration.
type Option func(*Synchronizer)

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIconColor overrides the fallback icon colour for created topics.
func WithIconColor(color int) Option {
	return func(s *Synchronizer) {
		if color > 0 {
			s.iconColor = color
		}
	}
}

// WithTopicLimit overrides how many topics one listing returns.
func WithTopicLimit(limit int) Option {
	return func(s *Synchronizer) {
		if limit > 0 {
			s.topicLimit = limit
		}
	}
}

// Synchronizer mirrors forum topic structure.
type Synchronizer struct {
	transport  Transport
	store      Store
	worker     mirror.Worker
	logger     *slog.Logger
	iconColor  int
	topicLimit int
}

// New creates a topic synchronizer for one worker.
func New(transport Transport, store Store, worker mirror.Worker, options ...Option) (*Synchronizer, error) {
	if transport == nil {
		return nil, fmt.Errorf("new topic synchronizer: nil transport")
	}
	if store == nil {
		return nil, fmt.Errorf("new topic synchronizer: nil store")
	}

	synchronizer := &Synchronizer{
		transport:  transport,
		store:      store,
		worker:     worker,
		logger:     slog.Default(),
		iconColor:  DefaultIconColor,
		topicLimit: DefaultTopicLimit,
	}
	for _, option := range options {
		option(synchronizer)
	}

	return synchronizer, nil
}

// IsForumChat reports whether chat has topics. Transport errors count as a flat chat.
func (s *Synchronizer) IsForumChat(ctx context.Context, chat mirror.ChatRef) bool {
	forum, err := s.transport.IsForum(ctx, chat)
	if err != nil {
		s.logger.WarnContext(ctx, "forum check failed, treating chat as flat",
			"chat_id", chat.ID,
			"error", err,
		)
		return false
	}

	return forum
}

// ListTopics returns the chat's topics, or none when listing fails.
func (s *Synchronizer) ListTopics(ctx context.Context, chat mirror.ChatRef) []mirror.Topic {
	topics, err := s.transport.ListTopics(ctx, chat, s.topicLimit)
	if err != nil {
		s.logger.ErrorContext(ctx, "list forum topics failed",
			"chat_id", chat.ID,
			"error", err,
		)
		return nil
	}
	if len(topics) > s.topicLimit {
		topics = topics[:s.topicLimit]
	}

	return topics
}

// CreateCorrespondingTopic creates a same-titled topic in target.
// A creation that yields no usable id is a failure.
func (s *Synchronizer) CreateCorrespondingTopic(ctx context.Context, target mirror.ChatRef, topic mirror.Topic) (int, bool) {
	color := topic.IconColor
	if color <= 0 {
		color = s.iconColor
	}

	topicID, err := s.transport.CreateTopic(ctx, mirror.CreateTopicRequest{
		Chat:        target,
		Title:       topic.Title,
		IconColor:   color,
		IconEmojiID: topic.IconEmojiID,
	})
	if err == nil && topicID <= 0 {
		err = mirror.ErrTopicIDUnavailable
	}
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, mirror.ErrTopicIDUnavailable) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, fmt.Sprintf("topic creation failed: %s", topic.Title),
			"target_chat_id", target.ID,
			"source_topic_id", topic.ID,
			"error", err,
		)
		return 0, false
	}

	return topicID, true
}

// Synchronize creates every source topic in target, persists each pair and
// returns the source→target topic map. Failed topics are logged and skipped.
func (s *Synchronizer) Synchronize(ctx context.Context, source, target mirror.ChatRef) map[int]int {
	mapping := make(map[int]int)

	sourceTopics := s.ListTopics(ctx, source)
	if len(sourceTopics) == 0 {
		s.logger.InfoContext(ctx, "source has no forum topics", "source_chat_id", source.ID)
		return mapping
	}

	s.logger.InfoContext(ctx, fmt.Sprintf("forum topic sync started: %d topics", len(sourceTopics)),
		"source_chat_id", source.ID,
		"target_chat_id", target.ID,
	)

	for _, topic := range sourceTopics {
		targetTopicID, ok := s.CreateCorrespondingTopic(ctx, target, topic)
		if !ok {
			continue
		}
		mapping[topic.ID] = targetTopicID

		if err := s.store.UpsertTopicMapping(ctx, mirror.TopicMapping{
			WorkerID:      s.worker.ID,
			SourceChatID:  source.ID,
			TargetChatID:  target.ID,
			SourceTopicID: topic.ID,
			TargetTopicID: targetTopicID,
			Title:         topic.Title,
		}); err != nil {
			s.logger.ErrorContext(ctx, "persist topic mapping failed",
				"source_topic_id", topic.ID,
				"target_topic_id", targetTopicID,
				"error", err,
			)
		}

		s.logger.Log(ctx, logsink.LevelSuccess,
			fmt.Sprintf("topic created: %s (source #%d → target #%d)", topic.Title, topic.ID, targetTopicID),
			"source_topic_id", topic.ID,
			"target_topic_id", targetTopicID,
		)
	}

	s.logger.Log(ctx, logsink.LevelSuccess, fmt.Sprintf("forum topic sync finished: %d topics", len(mapping)),
		"source_chat_id", source.ID,
		"target_chat_id", target.ID,
	)

	return mapping
}

// Load returns the persisted topic map for a chat pair without creating topics.
func (s *Synchronizer) Load(ctx context.Context, source, target mirror.ChatRef) map[int]int {
	mappings, err := s.store.TopicMappings(ctx, s.worker.ID, source.ID, target.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "load topic mappings failed",
			"source_chat_id", source.ID,
			"target_chat_id", target.ID,
			"error", err,
		)
		return map[int]int{}
	}

	loaded := make(map[int]int, len(mappings))
	for _, mapping := range mappings {
		loaded[mapping.SourceTopicID] = mapping.TargetTopicID
	}

	return loaded
}
