package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
)

const defaultUpdateBuffer = 256

// UpdateChannel is the gotd update handler feeding the event source.
//
// gotd calls Handle from its own goroutine; the source loop drains Updates.
type UpdateChannel struct {
	updates chan gotdUpdateEnvelope
}

// NewUpdateChannel creates a buffered bridge between gotd and the event source.
func NewUpdateChannel(buffer int) *UpdateChannel {
	if buffer <= 0 {
		buffer = defaultUpdateBuffer
	}

	return &UpdateChannel{updates: make(chan gotdUpdateEnvelope, buffer)}
}

// Updates returns the receive side of the stream.
func (s *UpdateChannel) Updates() <-chan gotdUpdateEnvelope {
	return s.updates
}

// Handle flattens one gotd update container and publishes each unit in order.
func (s *UpdateChannel) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	batch, err := flattenGotdUpdates(updates)
	if err != nil {
		return fmt.Errorf("handle gotd updates: %w", err)
	}

	for _, item := range batch {
		if err := s.publish(ctx, item); err != nil {
			return fmt.Errorf("handle gotd updates publish: %w", err)
		}
	}

	return nil
}

func (s *UpdateChannel) publish(ctx context.Context, item gotdUpdateEnvelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.updates <- item:
		return nil
	}
}

func flattenGotdUpdates(updates tg.UpdatesClass) ([]gotdUpdateEnvelope, error) {
	if updates == nil {
		return nil, fmt.Errorf("flatten gotd updates: nil updates")
	}

	switch typed := updates.(type) {
	case *tg.Updates:
		return flattenGotdBatch(typed.Updates, typed.Date, typed.Chats), nil
	case *tg.UpdatesCombined:
		return flattenGotdBatch(typed.Updates, typed.Date, typed.Chats), nil
	case *tg.UpdateShort:
		return []gotdUpdateEnvelope{{update: typed.Update, occurredAt: intToTimeUTC(typed.Date)}}, nil
	case *tg.UpdateShortChatMessage:
		return []gotdUpdateEnvelope{flattenShortChatMessage(typed)}, nil
	case *tg.UpdateShortMessage, *tg.UpdateShortSentMessage, *tg.UpdatesTooLong:
		// Private dialogs and our own outgoing sends are never mirror sources.
		return nil, nil
	default:
		return nil, fmt.Errorf("flatten gotd updates %s: unsupported container", updates.TypeName())
	}
}

func flattenGotdBatch(updates []tg.UpdateClass, date int, chats []tg.ChatClass) []gotdUpdateEnvelope {
	occurredAt := intToTimeUTC(date)
	chatsByID := indexGotdChats(chats)

	batch := make([]gotdUpdateEnvelope, 0, len(updates))
	for _, update := range updates {
		if update == nil {
			continue
		}
		batch = append(batch, gotdUpdateEnvelope{
			update:     update,
			occurredAt: occurredAt,
			chatsByID:  chatsByID,
		})
	}

	return batch
}

func flattenShortChatMessage(update *tg.UpdateShortChatMessage) gotdUpdateEnvelope {
	message := &tg.Message{
		ID:      update.ID,
		PeerID:  &tg.PeerChat{ChatID: update.ChatID},
		Date:    update.Date,
		Message: update.Message,
	}
	if replyTo, ok := update.GetReplyTo(); ok {
		message.SetReplyTo(replyTo)
	}

	return gotdUpdateEnvelope{
		update: &tg.UpdateNewMessage{
			Message:  message,
			Pts:      update.Pts,
			PtsCount: update.PtsCount,
		},
		occurredAt: intToTimeUTC(update.Date),
	}
}

func intToTimeUTC(value int) time.Time {
	if value <= 0 {
		return time.Time{}
	}

	return time.Unix(int64(value), 0).UTC()
}
