package mirror

import (
	"fmt"
	"strconv"
	"strings"
)

// channelIDPrefix is the Bot API marker prepended to channel and supergroup ids.
const channelIDPrefix = "-100"

// ChatRef identifies one chat by its bare MTProto peer id.
type ChatRef struct {
	// ID is the bare peer id without any Bot API prefix.
	ID int64 `json:"id"`
	// Title is an optional display title captured at bind time.
	Title string `json:"title,omitempty"`
}

// IsZero reports whether the reference is unbound.
func (c ChatRef) IsZero() bool {
	return c.ID == 0
}

// String returns the numeric id, followed by the title when known.
func (c ChatRef) String() string {
	if c.Title == "" {
		return strconv.FormatInt(c.ID, 10)
	}

	return fmt.Sprintf("%d (%s)", c.ID, c.Title)
}

// ParseChatRef parses bare ids and Bot API style ids ("-100<id>", "-<id>").
func ParseChatRef(raw string) (ChatRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ChatRef{}, fmt.Errorf("%w: empty", ErrInvalidChatRef)
	}

	digits := trimmed
	switch {
	case strings.HasPrefix(trimmed, channelIDPrefix) && len(trimmed) > len(channelIDPrefix):
		digits = trimmed[len(channelIDPrefix):]
	case strings.HasPrefix(trimmed, "-"):
		digits = trimmed[1:]
	}

	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return ChatRef{}, fmt.Errorf("%w: %q: %w", ErrInvalidChatRef, raw, err)
	}
	if id <= 0 {
		return ChatRef{}, fmt.Errorf("%w: %q", ErrInvalidChatRef, raw)
	}

	return ChatRef{ID: id}, nil
}
