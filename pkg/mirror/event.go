package mirror

import (
	"fmt"
	"time"
)

// EventKind identifies which live reaction an event triggers.
type EventKind string

const (
	// EventKindNewMessage is a single new message outside any album.
	EventKindNewMessage EventKind = "new_message"
	// EventKindAlbum is a complete grouped album.
	EventKindAlbum EventKind = "album"
	// EventKindEdit is an edited message.
	EventKindEdit EventKind = "edit"
	// EventKindDelete is a batch of deleted message ids.
	EventKindDelete EventKind = "delete"
)

// Event is one live change observed in a chat.
type Event struct {
	Kind       EventKind
	Chat       ChatRef
	Message    *Message
	Album      []Message
	DeletedIDs []int
	OccurredAt time.Time
}

// Validate checks that the payload matching Kind is present.
func (e Event) Validate() error {
	switch e.Kind {
	case EventKindNewMessage, EventKindEdit:
		if e.Message == nil {
			return fmt.Errorf("%w: %s event without message", ErrInvalidRequest, e.Kind)
		}
	case EventKindAlbum:
		if len(e.Album) == 0 {
			return fmt.Errorf("%w: empty album", ErrInvalidRequest)
		}
	case EventKindDelete:
		if len(e.DeletedIDs) == 0 {
			return fmt.Errorf("%w: delete event without ids", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidRequest, e.Kind)
	}

	return nil
}
