package chat

import (
	"time"

	"github.com/mikhailofff/chat-sync/internal/api"
)

// PageSize is the fixed backward-pagination page size. A page shorter
// than this means history is exhausted.
const PageSize = 20

// Message is a chat message in the view-model. CreatedAt is zero when
// the server timestamp could not be parsed; such messages are rendered
// but never get a date separator.
type Message struct {
	ID        int64
	Content   string
	Author    string
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// DateHeader is a synthetic day separator. It carries no id and is
// never persisted; headers are derived state, rebuilt after every
// structural change.
type DateHeader struct {
	Label string
}

// Entry is one element of the rendered sequence: exactly one of Header
// or Message is set.
type Entry struct {
	Header  *DateHeader
	Message *Message
}

// IsHeader reports whether the entry is a day separator.
func (e Entry) IsHeader() bool {
	return e.Header != nil
}

// timestampLayouts are tried in order when parsing server timestamps.
// The server emits RFC 3339 with or without fractional seconds, and
// naive datetimes for rows written before timezones were stored.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a server timestamp, returning the zero time
// when no known layout matches.
func ParseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}

	return time.Time{}
}

// FromWire converts a wire message into the view-model shape.
func FromWire(m api.Message) Message {
	msg := Message{
		ID:        m.ID,
		Content:   m.Content,
		Author:    m.CreatedBy,
		CreatedAt: ParseTimestamp(m.CreatedAt),
	}

	if m.UpdatedAt != "" {
		if t := ParseTimestamp(m.UpdatedAt); !t.IsZero() {
			msg.UpdatedAt = &t
		}
	}

	return msg
}
