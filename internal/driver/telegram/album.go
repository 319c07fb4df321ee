package telegram

import (
	"slices"
	"time"

	"tgmirror/pkg/mirror"
)

const defaultAlbumWindow = 500 * time.Millisecond

type albumKey struct {
	chatID    int64
	groupedID int64
}

type pendingAlbum struct {
	chat       mirror.ChatRef
	messages   []mirror.Message
	occurredAt time.Time
	deadline   time.Time
}

// albumCollector groups album members that Telegram delivers as separate
// updates. It owns no goroutines; the source loop drives it with a timer.
type albumCollector struct {
	window  time.Duration
	pending map[albumKey]*pendingAlbum
	order   []albumKey
}

func newAlbumCollector(window time.Duration) *albumCollector {
	if window <= 0 {
		window = defaultAlbumWindow
	}

	return &albumCollector{
		window:  window,
		pending: make(map[albumKey]*pendingAlbum),
	}
}

// Add accepts one mapped event and returns the events ready for dispatch.
//
// Album members are held until their window elapses. Any other event from the
// same chat first releases that chat's pending albums so target order follows
// source order.
func (c *albumCollector) Add(event mirror.Event, now time.Time) []mirror.Event {
	if event.Kind == mirror.EventKindNewMessage && event.Message != nil && event.Message.InAlbum() {
		key := albumKey{chatID: event.Chat.ID, groupedID: event.Message.GroupedID}
		album, ok := c.pending[key]
		if !ok {
			album = &pendingAlbum{chat: event.Chat, occurredAt: event.OccurredAt}
			c.pending[key] = album
			c.order = append(c.order, key)
		}
		album.messages = append(album.messages, *event.Message)
		album.deadline = now.Add(c.window)

		return nil
	}

	ready := c.release(func(key albumKey, _ *pendingAlbum) bool {
		return key.chatID == event.Chat.ID
	})

	return append(ready, event)
}

// Due releases albums whose window elapsed at now.
func (c *albumCollector) Due(now time.Time) []mirror.Event {
	return c.release(func(_ albumKey, album *pendingAlbum) bool {
		return !album.deadline.After(now)
	})
}

// Flush releases every pending album.
func (c *albumCollector) Flush() []mirror.Event {
	return c.release(func(albumKey, *pendingAlbum) bool { return true })
}

// NextDeadline reports the earliest pending album deadline.
func (c *albumCollector) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, album := range c.pending {
		if !found || album.deadline.Before(next) {
			next = album.deadline
			found = true
		}
	}

	return next, found
}

// Len reports the number of pending albums.
func (c *albumCollector) Len() int {
	return len(c.pending)
}

func (c *albumCollector) release(match func(albumKey, *pendingAlbum) bool) []mirror.Event {
	if len(c.pending) == 0 {
		return nil
	}

	var ready []mirror.Event
	kept := c.order[:0]
	for _, key := range c.order {
		album := c.pending[key]
		if !match(key, album) {
			kept = append(kept, key)
			continue
		}
		delete(c.pending, key)

		messages := slices.Clone(album.messages)
		slices.SortFunc(messages, func(a, b mirror.Message) int { return a.ID - b.ID })
		messages = slices.CompactFunc(messages, func(a, b mirror.Message) bool { return a.ID == b.ID })
		ready = append(ready, mirror.Event{
			Kind:       mirror.EventKindAlbum,
			Chat:       album.chat,
			Album:      messages,
			OccurredAt: album.occurredAt,
		})
	}
	c.order = kept

	return ready
}
