package mirror

import "time"

// Message is the transport-neutral view of one chat message needed for mirroring.
type Message struct {
	// ID is the message identifier inside its chat.
	ID int
	// GroupedID is non-zero when the message belongs to an album.
	GroupedID int64
	// TopicID is the forum topic the message was posted in, or 0.
	TopicID int
	// Text is the message text or media caption.
	Text string
	// HasMedia reports whether the message carries a media attachment.
	HasMedia bool
}

// InAlbum reports whether the message is part of a grouped album.
func (m Message) InAlbum() bool {
	return m.GroupedID != 0
}

// Topic describes one forum topic.
type Topic struct {
	ID          int
	Title       string
	IconColor   int
	IconEmojiID int64
}

// MessageMapping records that a source message produced one target message.
type MessageMapping struct {
	WorkerID        int64
	SourceChatID    int64
	TargetChatID    int64
	SourceMessageID int
	TargetMessageID int
	CreatedAt       time.Time
}

// TopicMapping records that a source forum topic corresponds to a target topic.
type TopicMapping struct {
	WorkerID      int64
	SourceChatID  int64
	TargetChatID  int64
	SourceTopicID int
	TargetTopicID int
	Title         string
	CreatedAt     time.Time
}

// Worker identifies the automation identity owning a mirror pair.
type Worker struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// LogRecord is one operator-facing worker log line awaiting delivery.
type LogRecord struct {
	WorkerID   int64
	WorkerName string
	Level      string
	Message    string
	CreatedAt  time.Time
	Sent       bool
}
