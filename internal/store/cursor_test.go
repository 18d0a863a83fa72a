// ABOUTME: Tests for opaque pagination cursors
// ABOUTME: Checks encoding round trips and malformed input

package store

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 891011121, time.UTC)
	c := Cursor{Timestamp: ts, ID: "msg|with|pipes"}

	decoded, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.True(t, ts.Equal(decoded.Timestamp), "nanoseconds must survive encoding")
	assert.Equal(t, "msg|with|pipes", decoded.ID)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{"not base64", "!!!"},
		{"missing separator", base64.StdEncoding.EncodeToString([]byte("2026-01-01T00:00:00Z"))},
		{"bad timestamp", base64.StdEncoding.EncodeToString([]byte("yesterday|abc"))},
		{"empty id", base64.StdEncoding.EncodeToString([]byte("2026-01-01T00:00:00Z|"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}

func TestCursor_OlderThan(t *testing.T) {
	base := time.Now().UTC()
	c := &Cursor{Timestamp: base, ID: "m5"}

	assert.True(t, c.olderThan(base.Add(-time.Second), "m9"))
	assert.True(t, c.olderThan(base, "m4"), "same timestamp breaks ties on id")
	assert.False(t, c.olderThan(base, "m5"), "cursor document itself is excluded")
	assert.False(t, c.olderThan(base.Add(time.Second), "m1"))

	var none *Cursor
	assert.True(t, none.olderThan(base, "anything"))
}
