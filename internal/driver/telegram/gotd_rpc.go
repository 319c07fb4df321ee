package telegram

import (
	"context"
	"fmt"
	"io"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/query"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
)

const dialogBatchSize = 100

// transportRPC isolates the raw Telegram calls Transport depends on.
type transportRPC interface {
	RandomID() (int64, error)
	ForwardMessages(ctx context.Context, request *tg.MessagesForwardMessagesRequest) (tg.UpdatesClass, error)
	EditMessage(ctx context.Context, peer tg.InputPeerClass, messageID int, text string) error
	DeleteMessages(ctx context.Context, peer tg.InputPeerClass, messageIDs []int) error
	GetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	GetChannels(ctx context.Context, channels []tg.InputChannelClass) ([]tg.ChatClass, error)
	GetForumTopics(ctx context.Context, channel tg.InputChannelClass, limit int) ([]tg.ForumTopicClass, error)
	CreateForumTopic(ctx context.Context, request *tg.ChannelsCreateForumTopicRequest) (tg.UpdatesClass, error)
	ScanDialogs(ctx context.Context, fn func(id int64, info gotdChatInfo) error) error
	SendMessage(ctx context.Context, request *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	ChatAbout(ctx context.Context, peer tg.InputPeerClass) (string, error)
	CreateChannel(ctx context.Context, request *tg.ChannelsCreateChannelRequest) (tg.UpdatesClass, error)
}

type gotdRPC struct {
	raw    *tg.Client
	rand   io.Reader
	sender *message.Sender
}

func newGotdRPC(raw *tg.Client) gotdRPC {
	return gotdRPC{
		raw:    raw,
		rand:   crypto.DefaultRand(),
		sender: message.NewSender(raw),
	}
}

func (r gotdRPC) RandomID() (int64, error) {
	return crypto.RandInt64(r.rand)
}

func (r gotdRPC) ForwardMessages(ctx context.Context, request *tg.MessagesForwardMessagesRequest) (tg.UpdatesClass, error) {
	updates, err := r.raw.MessagesForwardMessages(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("forward messages: %w", err)
	}

	return updates, nil
}

func (r gotdRPC) EditMessage(ctx context.Context, peer tg.InputPeerClass, messageID int, text string) error {
	_, err := r.raw.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer,
		ID:      messageID,
		Message: text,
	})
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}

	return nil
}

func (r gotdRPC) DeleteMessages(ctx context.Context, peer tg.InputPeerClass, messageIDs []int) error {
	if _, err := r.sender.To(peer).Revoke().Messages(ctx, messageIDs...); err != nil {
		return fmt.Errorf("revoke delete messages: %w", err)
	}

	return nil
}

func (r gotdRPC) GetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	page, err := r.raw.MessagesGetHistory(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	return page, nil
}

func (r gotdRPC) GetChannels(ctx context.Context, channels []tg.InputChannelClass) ([]tg.ChatClass, error) {
	result, err := r.raw.ChannelsGetChannels(ctx, channels)
	if err != nil {
		return nil, fmt.Errorf("get channels: %w", err)
	}

	return result.GetChats(), nil
}

func (r gotdRPC) GetForumTopics(ctx context.Context, channel tg.InputChannelClass, limit int) ([]tg.ForumTopicClass, error) {
	result, err := r.raw.ChannelsGetForumTopics(ctx, &tg.ChannelsGetForumTopicsRequest{
		Channel: channel,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("get forum topics: %w", err)
	}

	return result.Topics, nil
}

func (r gotdRPC) CreateForumTopic(ctx context.Context, request *tg.ChannelsCreateForumTopicRequest) (tg.UpdatesClass, error) {
	updates, err := r.raw.ChannelsCreateForumTopic(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("create forum topic: %w", err)
	}

	return updates, nil
}

func (r gotdRPC) ScanDialogs(ctx context.Context, fn func(id int64, info gotdChatInfo) error) error {
	return query.GetDialogs(r.raw).BatchSize(dialogBatchSize).ForEach(ctx, func(_ context.Context, elem dialogs.Elem) error {
		var raw tg.ChatClass
		switch peer := elem.Dialog.GetPeer().(type) {
		case *tg.PeerChannel:
			channel, ok := elem.Entities.Channel(peer.ChannelID)
			if !ok {
				return nil
			}
			raw = channel
		case *tg.PeerChat:
			chat, ok := elem.Entities.Chat(peer.ChatID)
			if !ok {
				return nil
			}
			raw = chat
		default:
			return nil
		}

		id, info, ok := chatInfo(raw)
		if !ok {
			return nil
		}

		return fn(id, info)
	})
}

func (r gotdRPC) SendMessage(ctx context.Context, request *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error) {
	updates, err := r.raw.MessagesSendMessage(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	return updates, nil
}

// ChatAbout returns the description of a basic group or supergroup.
func (r gotdRPC) ChatAbout(ctx context.Context, peer tg.InputPeerClass) (string, error) {
	var (
		full *tg.MessagesChatFull
		err  error
	)
	switch typed := peer.(type) {
	case *tg.InputPeerChannel:
		full, err = r.raw.ChannelsGetFullChannel(ctx, &tg.InputChannel{
			ChannelID:  typed.ChannelID,
			AccessHash: typed.AccessHash,
		})
	case *tg.InputPeerChat:
		full, err = r.raw.MessagesGetFullChat(ctx, typed.ChatID)
	default:
		return "", fmt.Errorf("chat about: unsupported peer %T", peer)
	}
	if err != nil {
		return "", fmt.Errorf("get full chat: %w", err)
	}

	return full.FullChat.GetAbout(), nil
}

func (r gotdRPC) CreateChannel(ctx context.Context, request *tg.ChannelsCreateChannelRequest) (tg.UpdatesClass, error) {
	updates, err := r.raw.ChannelsCreateChannel(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}

	return updates, nil
}
