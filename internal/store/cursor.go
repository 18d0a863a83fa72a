// ABOUTME: Opaque pagination cursors pointing at the last document of a descending page
// ABOUTME: Encodes as base64(timestamp|id) so callers can hand it across process boundaries

package store

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cursor remembers the oldest document of the previous page. The next page
// starts strictly after it in descending (Timestamp, ID) order.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// Encode returns the opaque string form. Format is base64(rfc3339nano|id).
func (c Cursor) Encode() string {
	data := fmt.Sprintf("%s|%s", c.Timestamp.UTC().Format(time.RFC3339Nano), c.ID)
	return base64.StdEncoding.EncodeToString([]byte(data))
}

// DecodeCursor parses a string produced by Encode.
func DecodeCursor(s string) (Cursor, error) {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Cursor{}, errors.New("invalid cursor format: expected timestamp|id")
	}

	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor timestamp: %w", err)
	}

	return Cursor{Timestamp: ts, ID: parts[1]}, nil
}

// MessageCursor points at m.
func MessageCursor(m Message) Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

// ConversationCursor points at c by its UpdatedAt.
func ConversationCursor(c Conversation) Cursor {
	return Cursor{Timestamp: c.UpdatedAt, ID: c.ID}
}

// AuditCursor points at e.
func AuditCursor(e AuditEntry) Cursor {
	return Cursor{Timestamp: e.Timestamp, ID: e.ID}
}

// olderThan reports whether (ts, id) lies strictly after c in descending order.
func (c *Cursor) olderThan(ts time.Time, id string) bool {
	if c == nil {
		return true
	}
	return newer(c.Timestamp, c.ID, ts, id)
}
