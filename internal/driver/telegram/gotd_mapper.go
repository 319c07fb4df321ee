package telegram

import (
	"time"

	"github.com/gotd/td/tg"

	"tgmirror/pkg/mirror"
)

type gotdUpdateEnvelope struct {
	update     tg.UpdateClass
	occurredAt time.Time
	chatsByID  map[int64]gotdChatInfo
}

type gotdChatInfo struct {
	title     string
	forum     bool
	inputPeer tg.InputPeerClass
}

// mapEnvelope converts one gotd update into a mirror event.
// The second result is false for updates the mirror does not react to.
func mapEnvelope(envelope gotdUpdateEnvelope) (mirror.Event, bool) {
	switch update := envelope.update.(type) {
	case *tg.UpdateNewMessage:
		return mapMessageEvent(mirror.EventKindNewMessage, update.Message, envelope)
	case *tg.UpdateNewChannelMessage:
		return mapMessageEvent(mirror.EventKindNewMessage, update.Message, envelope)
	case *tg.UpdateEditMessage:
		return mapMessageEvent(mirror.EventKindEdit, update.Message, envelope)
	case *tg.UpdateEditChannelMessage:
		return mapMessageEvent(mirror.EventKindEdit, update.Message, envelope)
	case *tg.UpdateDeleteChannelMessages:
		if len(update.Messages) == 0 {
			return mirror.Event{}, false
		}
		return mirror.Event{
			Kind:       mirror.EventKindDelete,
			Chat:       chatRefFromID(update.ChannelID, envelope),
			DeletedIDs: append([]int(nil), update.Messages...),
			OccurredAt: envelope.occurredAt,
		}, true
	default:
		// UpdateDeleteMessages carries no chat id, so basic-group deletions
		// cannot be attributed to a source chat.
		return mirror.Event{}, false
	}
}

func mapMessageEvent(kind mirror.EventKind, raw tg.MessageClass, envelope gotdUpdateEnvelope) (mirror.Event, bool) {
	message, ok := raw.(*tg.Message)
	if !ok || message == nil {
		return mirror.Event{}, false
	}

	chatID := peerID(message.PeerID)
	if chatID == 0 {
		return mirror.Event{}, false
	}

	occurredAt := intToTimeUTC(message.Date)
	if kind == mirror.EventKindEdit {
		if editedAt, ok := message.GetEditDate(); ok {
			occurredAt = intToTimeUTC(editedAt)
		}
	}
	if occurredAt.IsZero() {
		occurredAt = envelope.occurredAt
	}

	converted := toMirrorMessage(message)

	return mirror.Event{
		Kind:       kind,
		Chat:       chatRefFromID(chatID, envelope),
		Message:    &converted,
		OccurredAt: occurredAt,
	}, true
}

func toMirrorMessage(message *tg.Message) mirror.Message {
	converted := mirror.Message{
		ID:       message.ID,
		Text:     message.Message,
		HasMedia: hasMedia(message.Media),
	}
	if groupedID, ok := message.GetGroupedID(); ok {
		converted.GroupedID = groupedID
	}
	converted.TopicID = topicIDFromReply(message.ReplyTo)

	return converted
}

// topicIDFromReply resolves the forum topic a message belongs to. Messages in
// the general topic carry no forum reply header and resolve to zero.
func topicIDFromReply(replyTo tg.MessageReplyHeaderClass) int {
	header, ok := replyTo.(*tg.MessageReplyHeader)
	if !ok || header == nil || !header.ForumTopic {
		return 0
	}
	if topID, ok := header.GetReplyToTopID(); ok && topID > 0 {
		return topID
	}
	if replyID, ok := header.GetReplyToMsgID(); ok && replyID > 0 {
		return replyID
	}

	return 0
}

func hasMedia(media tg.MessageMediaClass) bool {
	switch media.(type) {
	case nil, *tg.MessageMediaEmpty, *tg.MessageMediaWebPage:
		return false
	default:
		return true
	}
}

func peerID(peer tg.PeerClass) int64 {
	switch typed := peer.(type) {
	case *tg.PeerChannel:
		return typed.ChannelID
	case *tg.PeerChat:
		return typed.ChatID
	case *tg.PeerUser:
		return typed.UserID
	default:
		return 0
	}
}

func chatRefFromID(id int64, envelope gotdUpdateEnvelope) mirror.ChatRef {
	ref := mirror.ChatRef{ID: id}
	if info, ok := envelope.chatsByID[id]; ok {
		ref.Title = info.title
	}

	return ref
}

func indexGotdChats(chats []tg.ChatClass) map[int64]gotdChatInfo {
	if len(chats) == 0 {
		return nil
	}

	out := make(map[int64]gotdChatInfo, len(chats))
	for _, chat := range chats {
		id, info, ok := chatInfo(chat)
		if !ok {
			continue
		}
		out[id] = info
	}

	return out
}

func chatInfo(chat tg.ChatClass) (int64, gotdChatInfo, bool) {
	switch typed := chat.(type) {
	case *tg.Chat:
		return typed.ID, gotdChatInfo{title: typed.Title, inputPeer: typed.AsInputPeer()}, true
	case *tg.ChatForbidden:
		return typed.ID, gotdChatInfo{title: typed.Title, inputPeer: &tg.InputPeerChat{ChatID: typed.ID}}, true
	case *tg.Channel:
		return typed.ID, gotdChatInfo{
			title:     typed.Title,
			forum:     typed.Forum,
			inputPeer: typed.AsInputPeer(),
		}, true
	case *tg.ChannelForbidden:
		return typed.ID, gotdChatInfo{
			title: typed.Title,
			inputPeer: &tg.InputPeerChannel{
				ChannelID:  typed.ID,
				AccessHash: typed.AccessHash,
			},
		}, true
	default:
		return 0, gotdChatInfo{}, false
	}
}
