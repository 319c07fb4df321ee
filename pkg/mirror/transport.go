package mirror

import (
	"context"
	"fmt"
	"strings"
)

// Transport is the messaging service the mirroring engine drives.
//
// Implementations return *TransportError for remote failures so callers can
// match rate-limit, permission and not-found conditions explicitly.
type Transport interface {
	// Forward copies messages between chats and returns the produced target ids
	// in request order. The result may be shorter than the request.
	Forward(ctx context.Context, request ForwardRequest) ([]int, error)
	// EditText replaces the text of an existing message.
	EditText(ctx context.Context, chat ChatRef, messageID int, text string) error
	// Delete removes messages for everyone.
	Delete(ctx context.Context, chat ChatRef, messageIDs []int) error
	// History walks messages newer than minID from oldest to newest.
	History(ctx context.Context, chat ChatRef, minID int, fn func(Message) error) error
	// IsForum reports whether the chat has forum topics enabled.
	IsForum(ctx context.Context, chat ChatRef) (bool, error)
	// ListTopics returns up to limit forum topics.
	ListTopics(ctx context.Context, chat ChatRef, limit int) ([]Topic, error)
	// CreateTopic creates a forum topic and returns its identifier.
	CreateTopic(ctx context.Context, request CreateTopicRequest) (int, error)
}

// ForwardRequest describes one forward call.
type ForwardRequest struct {
	From       ChatRef
	To         ChatRef
	MessageIDs []int
	// TopicID routes the forwarded messages into a target forum topic when non-zero.
	TopicID int
	// DropAuthor suppresses the "forwarded from" attribution.
	DropAuthor bool
}

// Validate checks forward request invariants.
func (r ForwardRequest) Validate() error {
	if r.From.IsZero() {
		return fmt.Errorf("%w: missing source chat", ErrInvalidRequest)
	}
	if r.To.IsZero() {
		return fmt.Errorf("%w: missing target chat", ErrInvalidRequest)
	}
	if len(r.MessageIDs) == 0 {
		return fmt.Errorf("%w: no message ids", ErrInvalidRequest)
	}
	for _, id := range r.MessageIDs {
		if id <= 0 {
			return fmt.Errorf("%w: invalid message id %d", ErrInvalidRequest, id)
		}
	}
	if r.TopicID < 0 {
		return fmt.Errorf("%w: invalid topic id %d", ErrInvalidRequest, r.TopicID)
	}

	return nil
}

// CreateTopicRequest describes one forum topic creation.
type CreateTopicRequest struct {
	Chat        ChatRef
	Title       string
	IconColor   int
	IconEmojiID int64
}

// Validate checks topic creation invariants.
func (r CreateTopicRequest) Validate() error {
	if r.Chat.IsZero() {
		return fmt.Errorf("%w: missing chat", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("%w: missing topic title", ErrInvalidRequest)
	}

	return nil
}
