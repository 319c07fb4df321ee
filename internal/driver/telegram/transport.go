package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/gotd/td/tg"

	"tgmirror/pkg/mirror"
)

const (
	defaultRPCTimeout  = 30 * time.Second
	defaultHistoryPage = 100
	writeCheckText     = "tgmirror write check"
)

// TransportOption mutates Transport configuration.
type TransportOption func(*Transport)

// WithRPCTimeout bounds each individual RPC call.
func WithRPCTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		if timeout > 0 {
			t.rpcTimeout = timeout
		}
	}
}

// WithHistoryPageSize sets how many messages one history request fetches.
func WithHistoryPageSize(size int) TransportOption {
	return func(t *Transport) {
		if size > 0 {
			t.historyPage = size
		}
	}
}

// WithTransportLogger configures structured logging.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport implements mirror.Transport over a logged-in Telegram user session.
type Transport struct {
	rpc         transportRPC
	peers       *PeerCache
	rpcTimeout  time.Duration
	historyPage int
	logger      *slog.Logger
}

var _ mirror.Transport = (*Transport)(nil)

func newTransportWithRPC(rpc transportRPC, peers *PeerCache, options ...TransportOption) (*Transport, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new telegram transport: nil rpc adapter")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram transport: nil peer cache")
	}

	transport := &Transport{
		rpc:         rpc,
		peers:       peers,
		rpcTimeout:  defaultRPCTimeout,
		historyPage: defaultHistoryPage,
		logger:      slog.Default(),
	}
	for _, option := range options {
		option(transport)
	}

	return transport, nil
}

// Forward forwards messages and returns the new target ids in request order.
func (t *Transport) Forward(ctx context.Context, request mirror.ForwardRequest) ([]int, error) {
	if err := request.Validate(); err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}

	from, err := t.resolvePeer(ctx, request.From)
	if err != nil {
		return nil, mapTransportError(mirror.OperationForward, err)
	}
	to, err := t.resolvePeer(ctx, request.To)
	if err != nil {
		return nil, mapTransportError(mirror.OperationForward, err)
	}

	randomIDs := make([]int64, 0, len(request.MessageIDs))
	for range request.MessageIDs {
		randomID, err := t.rpc.RandomID()
		if err != nil {
			return nil, fmt.Errorf("forward random id: %w", err)
		}
		randomIDs = append(randomIDs, randomID)
	}

	rpcRequest := &tg.MessagesForwardMessagesRequest{
		FromPeer:   from,
		ToPeer:     to,
		ID:         slices.Clone(request.MessageIDs),
		RandomID:   randomIDs,
		DropAuthor: request.DropAuthor,
	}
	if request.TopicID > 0 {
		rpcRequest.SetTopMsgID(request.TopicID)
	}

	rpcCtx, cancel := t.withTimeout(ctx)
	defer cancel()

	updates, err := t.rpc.ForwardMessages(rpcCtx, rpcRequest)
	if err != nil {
		return nil, mapTransportError(mirror.OperationForward, err)
	}

	return forwardedIDs(updates, randomIDs), nil
}

// EditText replaces the text of a target message. An unchanged text is not an error.
func (t *Transport) EditText(ctx context.Context, chat mirror.ChatRef, messageID int, text string) error {
	if messageID <= 0 {
		return fmt.Errorf("edit text: %w: invalid message id %d", mirror.ErrInvalidRequest, messageID)
	}

	peer, err := t.resolvePeer(ctx, chat)
	if err != nil {
		return mapTransportError(mirror.OperationEditText, err)
	}

	rpcCtx, cancel := t.withTimeout(ctx)
	defer cancel()

	if err := t.rpc.EditMessage(rpcCtx, peer, messageID, text); err != nil {
		if isNotModified(err) {
			return nil
		}
		return mapTransportError(mirror.OperationEditText, err)
	}

	return nil
}

// Delete revokes messages for every participant.
func (t *Transport) Delete(ctx context.Context, chat mirror.ChatRef, messageIDs []int) error {
	if len(messageIDs) == 0 {
		return nil
	}

	peer, err := t.resolvePeer(ctx, chat)
	if err != nil {
		return mapTransportError(mirror.OperationDelete, err)
	}

	rpcCtx, cancel := t.withTimeout(ctx)
	defer cancel()

	if err := t.rpc.DeleteMessages(rpcCtx, peer, slices.Clone(messageIDs)); err != nil {
		return mapTransportError(mirror.OperationDelete, err)
	}

	return nil
}

// History walks messages with id > minID from oldest to newest. Service and
// empty messages are skipped. Returning an error from fn stops the walk.
func (t *Transport) History(ctx context.Context, chat mirror.ChatRef, minID int, fn func(mirror.Message) error) error {
	if fn == nil {
		return fmt.Errorf("history: %w: nil callback", mirror.ErrInvalidRequest)
	}
	if minID < 0 {
		minID = 0
	}

	peer, err := t.resolvePeer(ctx, chat)
	if err != nil {
		return mapTransportError(mirror.OperationHistory, err)
	}

	cursor := minID + 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := t.historyPageFrom(ctx, peer, cursor, minID)
		if err != nil {
			return mapTransportError(mirror.OperationHistory, err)
		}
		if len(page) == 0 {
			return nil
		}

		next := cursor
		for _, message := range page {
			if err := fn(message); err != nil {
				return err
			}
			next = message.ID + 1
		}
		if next <= cursor {
			return nil
		}
		cursor = next
	}
}

// historyPageFrom fetches up to one page of messages with id >= cursor in
// ascending order.
func (t *Transport) historyPageFrom(ctx context.Context, peer tg.InputPeerClass, cursor, minID int) ([]mirror.Message, error) {
	rpcCtx, cancel := t.withTimeout(ctx)
	defer cancel()

	result, err := t.rpc.GetHistory(rpcCtx, &tg.MessagesGetHistoryRequest{
		Peer:      peer,
		OffsetID:  cursor,
		AddOffset: -t.historyPage,
		Limit:     t.historyPage,
		MinID:     minID,
	})
	if err != nil {
		return nil, err
	}

	modified, ok := result.AsModified()
	if !ok {
		return nil, nil
	}
	t.peers.RememberChats(indexGotdChats(modified.GetChats()))

	page := make([]mirror.Message, 0, len(modified.GetMessages()))
	for _, raw := range modified.GetMessages() {
		message, ok := raw.(*tg.Message)
		if !ok || message == nil {
			continue
		}
		if message.ID <= minID || message.ID < cursor {
			continue
		}
		page = append(page, toMirrorMessage(message))
	}
	slices.SortFunc(page, func(a, b mirror.Message) int { return a.ID - b.ID })

	return page, nil
}

// IsForum reports whether chat is a supergroup with topics enabled.
// Basic groups never have topics.
func (t *Transport) IsForum(ctx context.Context, chat mirror.ChatRef) (bool, error) {
	peer, err := t.resolvePeer(ctx, chat)
	if err != nil {
		return false, mapTransportError(mirror.OperationIsForum, err)
	}
	channel, ok := inputChannel(peer)
	if !ok {
		return false, nil
	}

	rpcCtx, cancel := t.withTimeout(ctx)
	defer cancel()

	chats, err := t.rpc.GetChannels(rpcCtx, []tg.InputChannelClass{channel})
	if err != nil {
		return false, mapTransportError(mirror.OperationIsForum, err)
	}
	for _, raw := range chats {
		if typed, ok := raw.(*tg.Channel); ok && typed.ID == chat.ID {
			return typed.Forum, nil
		}
	}

	return false, mapTransportError(mirror.OperationIsForum, fmt.Errorf("channel %d: %w", chat.ID, mirror.ErrPeerNotFound))
}

// ListTopics returns up to limit forum topics of chat.
func (t *Transport) ListTopics(ctx context.Context, chat mirror.ChatRef, limit int) ([]mirror.Topic, error) {
	if limit <= 0 {
		limit = defaultHistoryPage
	}

	peer, err := t.resolvePeer(ctx, chat)
	if err != nil {
		return nil, mapTransportError(mirror.OperationListTopics, err)
	}
	channel, ok := inputChannel(peer)
	if !ok {
		return nil, nil
	}

	rpcCtx, cancel := t.withTimeout(ctx)
	defer cancel()

	raw, err := t.rpc.GetForumTopics(rpcCtx, channel, limit)
	if err != nil {
		return nil, mapTransportError(mirror.OperationListTopics, err)
	}

	topics := make([]mirror.Topic, 0, len(raw))
	for _, item := range raw {
		topic, ok := item.(*tg.ForumTopic)
		if !ok || topic == nil {
			continue
		}
		converted := mirror.Topic{
			ID:        topic.ID,
			Title:     topic.Title,
			IconColor: topic.IconColor,
		}
		if emojiID, ok := topic.GetIconEmojiID(); ok {
			converted.IconEmojiID = emojiID
		}
		topics = append(topics, converted)
		if len(topics) == limit {
			break
		}
	}

	return topics, nil
}

// CreateTopic creates a forum topic and extracts its id from the returned
// service message.
func (t *Transport) CreateTopic(ctx context.Context, request mirror.CreateTopicRequest) (int, error) {
	if err := request.Validate(); err != nil {
		return 0, fmt.Errorf("create topic: %w", err)
	}

	peer, err := t.resolvePeer(ctx, request.Chat)
	if err != nil {
		return 0, mapTransportError(mirror.OperationCreateTopic, err)
	}
	channel, ok := inputChannel(peer)
	if !ok {
		return 0, fmt.Errorf("create topic in chat %d: %w: not a supergroup", request.Chat.ID, mirror.ErrInvalidRequest)
	}

	randomID, err := t.rpc.RandomID()
	if err != nil {
		return 0, fmt.Errorf("create topic random id: %w", err)
	}

	rpcRequest := &tg.ChannelsCreateForumTopicRequest{
		Channel:  channel,
		Title:    request.Title,
		RandomID: randomID,
	}
	if request.IconColor > 0 {
		rpcRequest.SetIconColor(request.IconColor)
	}
	if request.IconEmojiID != 0 {
		rpcRequest.SetIconEmojiID(request.IconEmojiID)
	}

	rpcCtx, cancel := t.withTimeout(ctx)
	defer cancel()

	updates, err := t.rpc.CreateForumTopic(rpcCtx, rpcRequest)
	if err != nil {
		return 0, mapTransportError(mirror.OperationCreateTopic, err)
	}

	topicID := createdTopicID(updates)
	if topicID <= 0 {
		return 0, mirror.ErrTopicIDUnavailable
	}

	return topicID, nil
}

// CheckWritable posts a short message into chat and deletes it again, so a
// target without write permission is rejected before any copy starts.
func (t *Transport) CheckWritable(ctx context.Context, chat mirror.ChatRef) error {
	peer, err := t.resolvePeer(ctx, chat)
	if err != nil {
		return mapTransportError(mirror.OperationCheckWritable, err)
	}
	randomID, err := t.rpc.RandomID()
	if err != nil {
		return fmt.Errorf("check writable random id: %w", err)
	}

	rpcCtx, cancel := t.withTimeout(ctx)
	defer cancel()

	updates, err := t.rpc.SendMessage(rpcCtx, &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  writeCheckText,
		RandomID: randomID,
	})
	if err != nil {
		return mapTransportError(mirror.OperationCheckWritable, err)
	}

	sentID := sentMessageID(updates, randomID)
	if sentID <= 0 {
		t.logger.WarnContext(ctx, "write check message id unavailable, leaving it in place", "chat_id", chat.ID)
		return nil
	}
	if err := t.rpc.DeleteMessages(rpcCtx, peer, []int{sentID}); err != nil {
		t.logger.WarnContext(ctx, "delete write check message failed",
			"chat_id", chat.ID,
			"message_id", sentID,
			"error", mapTransportError(mirror.OperationDelete, err),
		)
	}

	return nil
}

// CloneChat creates a supergroup carrying the title and description of source.
// A forum source yields a forum clone so topics can be mirrored into it.
func (t *Transport) CloneChat(ctx context.Context, source mirror.ChatRef) (mirror.ChatRef, error) {
	resolved, err := t.Resolve(ctx, source)
	if err != nil {
		return mirror.ChatRef{}, mapTransportError(mirror.OperationCloneChat, err)
	}
	peer, err := t.resolvePeer(ctx, resolved)
	if err != nil {
		return mirror.ChatRef{}, mapTransportError(mirror.OperationCloneChat, err)
	}
	forum, err := t.IsForum(ctx, resolved)
	if err != nil {
		return mirror.ChatRef{}, err
	}

	rpcCtx, cancel := t.withTimeout(ctx)
	defer cancel()

	about, err := t.rpc.ChatAbout(rpcCtx, peer)
	if err != nil {
		t.logger.WarnContext(ctx, "read source description failed, cloning without it",
			"source_chat_id", source.ID,
			"error", err,
		)
		about = ""
	}

	title := resolved.Title
	if title == "" {
		title = fmt.Sprintf("Mirror of %d", source.ID)
	}
	updates, err := t.rpc.CreateChannel(rpcCtx, &tg.ChannelsCreateChannelRequest{
		Megagroup: true,
		Forum:     forum,
		Title:     title,
		About:     about,
	})
	if err != nil {
		return mirror.ChatRef{}, mapTransportError(mirror.OperationCloneChat, err)
	}

	for _, raw := range updateChats(updates) {
		id, info, ok := chatInfo(raw)
		if !ok {
			continue
		}
		t.peers.Remember(id, info.title, info.inputPeer)
		return mirror.ChatRef{ID: id, Title: info.title}, nil
	}

	return mirror.ChatRef{}, fmt.Errorf("clone chat %d: %w: created chat missing from response", source.ID, mirror.ErrPeerNotFound)
}

// Dialog describes one chat visible to the logged-in account.
type Dialog struct {
	Chat  mirror.ChatRef `json:"chat"`
	Forum bool           `json:"forum"`
}

// Dialogs lists every group, supergroup and channel the account has joined.
// Each listed chat is also cached for later peer resolution.
func (t *Transport) Dialogs(ctx context.Context) ([]Dialog, error) {
	var out []Dialog
	err := t.rpc.ScanDialogs(ctx, func(id int64, info gotdChatInfo) error {
		t.peers.Remember(id, info.title, info.inputPeer)
		out = append(out, Dialog{
			Chat:  mirror.ChatRef{ID: id, Title: info.title},
			Forum: info.forum,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dialogs: %w", err)
	}

	return out, nil
}

// Resolve returns chat with its title filled in, scanning dialogs when the
// peer has not been seen yet.
func (t *Transport) Resolve(ctx context.Context, chat mirror.ChatRef) (mirror.ChatRef, error) {
	if _, err := t.resolvePeer(ctx, chat); err != nil {
		return mirror.ChatRef{}, err
	}
	if _, title, ok := t.peers.Lookup(chat.ID); ok && title != "" {
		chat.Title = title
	}

	return chat, nil
}

func (t *Transport) resolvePeer(ctx context.Context, chat mirror.ChatRef) (tg.InputPeerClass, error) {
	if chat.IsZero() {
		return nil, fmt.Errorf("resolve peer: %w", mirror.ErrInvalidChatRef)
	}
	if peer, _, ok := t.peers.Lookup(chat.ID); ok {
		return peer, nil
	}

	t.logger.DebugContext(ctx, "peer cache miss, scanning dialogs", "chat_id", chat.ID)
	errFound := errors.New("found")
	err := t.rpc.ScanDialogs(ctx, func(id int64, info gotdChatInfo) error {
		t.peers.Remember(id, info.title, info.inputPeer)
		if id == chat.ID {
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return nil, fmt.Errorf("resolve peer %d: %w", chat.ID, err)
	}
	if peer, _, ok := t.peers.Lookup(chat.ID); ok {
		return peer, nil
	}

	return nil, fmt.Errorf("resolve peer %d: %w", chat.ID, mirror.ErrPeerNotFound)
}

func (t *Transport) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.rpcTimeout)
}

func inputChannel(peer tg.InputPeerClass) (*tg.InputChannel, bool) {
	channel, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return nil, false
	}

	return &tg.InputChannel{ChannelID: channel.ChannelID, AccessHash: channel.AccessHash}, true
}

func updateList(updates tg.UpdatesClass) []tg.UpdateClass {
	switch typed := updates.(type) {
	case *tg.Updates:
		return typed.Updates
	case *tg.UpdatesCombined:
		return typed.Updates
	case *tg.UpdateShort:
		return []tg.UpdateClass{typed.Update}
	default:
		return nil
	}
}

func updateChats(updates tg.UpdatesClass) []tg.ChatClass {
	switch typed := updates.(type) {
	case *tg.Updates:
		return typed.Chats
	case *tg.UpdatesCombined:
		return typed.Chats
	default:
		return nil
	}
}

// sentMessageID returns the id of a message sent with randomID.
func sentMessageID(updates tg.UpdatesClass, randomID int64) int {
	if short, ok := updates.(*tg.UpdateShortSentMessage); ok {
		return short.ID
	}
	if ids := forwardedIDs(updates, []int64{randomID}); len(ids) == 1 {
		return ids[0]
	}

	return 0
}

// forwardedIDs extracts target ids in request order. Ids are matched through
// UpdateMessageID random ids and truncated at the first message Telegram did
// not produce.
func forwardedIDs(updates tg.UpdatesClass, randomIDs []int64) []int {
	list := updateList(updates)

	byRandomID := make(map[int64]int, len(randomIDs))
	for _, update := range list {
		if typed, ok := update.(*tg.UpdateMessageID); ok {
			byRandomID[typed.RandomID] = typed.ID
		}
	}

	if len(byRandomID) > 0 {
		out := make([]int, 0, len(randomIDs))
		for _, randomID := range randomIDs {
			id, ok := byRandomID[randomID]
			if !ok {
				break
			}
			out = append(out, id)
		}
		return out
	}

	out := make([]int, 0, len(randomIDs))
	for _, update := range list {
		var raw tg.MessageClass
		switch typed := update.(type) {
		case *tg.UpdateNewChannelMessage:
			raw = typed.Message
		case *tg.UpdateNewMessage:
			raw = typed.Message
		default:
			continue
		}
		if message, ok := raw.(*tg.Message); ok {
			out = append(out, message.ID)
		}
	}
	if len(out) > len(randomIDs) {
		out = out[:len(randomIDs)]
	}

	return out
}

func createdTopicID(updates tg.UpdatesClass) int {
	for _, update := range updateList(updates) {
		var raw tg.MessageClass
		switch typed := update.(type) {
		case *tg.UpdateNewChannelMessage:
			raw = typed.Message
		case *tg.UpdateNewMessage:
			raw = typed.Message
		default:
			continue
		}

		service, ok := raw.(*tg.MessageService)
		if !ok {
			continue
		}
		if _, created := service.Action.(*tg.MessageActionTopicCreate); !created {
			continue
		}
		if header, ok := service.ReplyTo.(*tg.MessageReplyHeader); ok {
			if topID, ok := header.GetReplyToTopID(); ok && topID > 0 {
				return topID
			}
		}

		return service.ID
	}

	return 0
}
