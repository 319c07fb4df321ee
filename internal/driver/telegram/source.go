package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tgmirror/pkg/mirror"
)

// EventHandler consumes mapped mirror events one at a time.
type EventHandler func(ctx context.Context, event mirror.Event)

// EventSource turns the raw gotd update stream into ordered mirror events.
type EventSource struct {
	updates <-chan gotdUpdateEnvelope
	peers   *PeerCache
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// SourceOption mutates EventSource configuration.
type SourceOption func(*EventSource)

// WithAlbumWindow sets how long album members are collected after the last one arrived.
func WithAlbumWindow(window time.Duration) SourceOption {
	return func(s *EventSource) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithSourceLogger configures structured logging.
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(s *EventSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewEventSource creates an event source reading from channel.
func NewEventSource(channel *UpdateChannel, peers *PeerCache, options ...SourceOption) (*EventSource, error) {
	if channel == nil {
		return nil, fmt.Errorf("new event source: nil update channel")
	}

	source := &EventSource{
		updates: channel.Updates(),
		peers:   peers,
		window:  defaultAlbumWindow,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// Consume dispatches events to handler until ctx ends or the stream closes.
// Events are delivered sequentially; the handler never runs concurrently with itself.
func (s *EventSource) Consume(ctx context.Context, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("consume events: nil handler")
	}

	albums := newAlbumCollector(s.window)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	dispatch := func(events []mirror.Event) {
		for _, event := range events {
			handler(ctx, event)
		}
	}

	for {
		var fire <-chan time.Time
		if deadline, ok := albums.NextDeadline(); ok {
			timer.Reset(max(deadline.Sub(s.now()), 0))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if albums.Len() > 0 {
				s.logger.WarnContext(ctx, "dropping pending albums on shutdown", "albums", albums.Len())
			}
			return nil
		case <-fire:
			dispatch(albums.Due(s.now()))
		case envelope, ok := <-s.updates:
			if !ok {
				dispatch(albums.Flush())
				return nil
			}
			timer.Stop()

			event, accepted := s.mapSafely(ctx, envelope)
			if !accepted {
				continue
			}
			dispatch(albums.Add(event, s.now()))
		}
	}
}

// mapSafely isolates mapper panics so one malformed update cannot stop the loop.
func (s *EventSource) mapSafely(ctx context.Context, envelope gotdUpdateEnvelope) (event mirror.Event, accepted bool) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.ErrorContext(ctx, "map telegram update panic", "panic", recovered)
			event, accepted = mirror.Event{}, false
		}
	}()

	s.peers.RememberChats(envelope.chatsByID)

	return mapEnvelope(envelope)
}
