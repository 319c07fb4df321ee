package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/goleak"

	"tgmirror/pkg/mirror"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func channelMessage(channelID int64, id int, groupedID int64) tg.UpdateClass {
	message := &tg.Message{ID: id, PeerID: &tg.PeerChannel{ChannelID: channelID}, Message: "text"}
	if groupedID != 0 {
		message.SetGroupedID(groupedID)
		message.Media = &tg.MessageMediaPhoto{}
	}

	return &tg.UpdateNewChannelMessage{Message: message}
}

func collect(ctx context.Context, source *EventSource) (<-chan mirror.Event, <-chan error) {
	events := make(chan mirror.Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- source.Consume(ctx, func(_ context.Context, event mirror.Event) {
			events <- event
		})
	}()

	return events, done
}

func nextEvent(t *testing.T, events <-chan mirror.Event) mirror.Event {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return mirror.Event{}
	}
}

func TestNewEventSourceRequiresChannel(t *testing.T) {
	t.Parallel()

	if _, err := NewEventSource(nil, NewPeerCache()); err == nil {
		t.Fatal("expected nil channel error")
	}
}

func TestEventSourceConsumeOrdersAlbumsBeforeLaterMessages(t *testing.T) {
	t.Parallel()

	channel := NewUpdateChannel(16)
	peers := NewPeerCache()
	source, err := NewEventSource(channel, peers, WithAlbumWindow(time.Hour))
	if err != nil {
		t.Fatalf("new event source failed: %v", err)
	}

	ctx := context.Background()
	err = channel.Handle(ctx, &tg.Updates{
		Updates: []tg.UpdateClass{
			channelMessage(100, 1, 0),
			channelMessage(100, 3, 9),
			channelMessage(100, 2, 9),
			channelMessage(100, 4, 0),
			&tg.UpdateDeleteChannelMessages{ChannelID: 100, Messages: []int{1, 2}},
		},
		Chats: []tg.ChatClass{&tg.Channel{ID: 100, AccessHash: 5, Title: "Source"}},
	})
	if err != nil {
		t.Fatalf("handle updates failed: %v", err)
	}
	close(channel.updates)

	events, done := collect(ctx, source)

	first := nextEvent(t, events)
	if first.Kind != mirror.EventKindNewMessage || first.Message.ID != 1 || first.Chat.Title != "Source" {
		t.Fatalf("first = %+v", first)
	}
	album := nextEvent(t, events)
	if album.Kind != mirror.EventKindAlbum || len(album.Album) != 2 || album.Album[0].ID != 2 {
		t.Fatalf("album = %+v", album)
	}
	if fourth := nextEvent(t, events); fourth.Message == nil || fourth.Message.ID != 4 {
		t.Fatalf("fourth = %+v", fourth)
	}
	deleted := nextEvent(t, events)
	if deleted.Kind != mirror.EventKindDelete || len(deleted.DeletedIDs) != 2 {
		t.Fatalf("delete = %+v", deleted)
	}

	if err := <-done; err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if _, _, ok := peers.Lookup(100); !ok {
		t.Fatal("source peer not cached from update entities")
	}
}

func TestEventSourceConsumeReleasesAlbumOnTimer(t *testing.T) {
	t.Parallel()

	channel := NewUpdateChannel(16)
	source, err := NewEventSource(channel, NewPeerCache(), WithAlbumWindow(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new event source failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, done := collect(ctx, source)
	err = channel.Handle(ctx, &tg.Updates{Updates: []tg.UpdateClass{
		channelMessage(100, 10, 3),
		channelMessage(100, 11, 3),
	}})
	if err != nil {
		t.Fatalf("handle updates failed: %v", err)
	}

	album := nextEvent(t, events)
	if album.Kind != mirror.EventKindAlbum || len(album.Album) != 2 {
		t.Fatalf("album = %+v", album)
	}
	if !album.Album[0].HasMedia {
		t.Fatal("album member lost media flag")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("consume failed: %v", err)
	}
}

func TestEventSourceConsumeRequiresHandler(t *testing.T) {
	t.Parallel()

	source, err := NewEventSource(NewUpdateChannel(1), nil)
	if err != nil {
		t.Fatalf("new event source failed: %v", err)
	}
	if err := source.Consume(context.Background(), nil); err == nil {
		t.Fatal("expected nil handler error")
	}
}
