// ABOUTME: Tests for content and attachment sanitization
// ABOUTME: Table tests for escaping, control characters, limits, and metadata rules

package sanitize

import (
	"html"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-sync/internal/apperr"
	"github.com/2389/support-sync/internal/store"
)

func TestContent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"plain", "hello", "hello", false},
		{"trims", "  hello \n", "hello", false},
		{"escapes html", `<script>alert("x")</script>`, "&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;", false},
		{"keeps newlines and tabs", "line one\n\tline two", "line one\n\tline two", false},
		{"strips control chars", "bell\x07 here", "bell here", false},
		{"empty", "", "", true},
		{"whitespace only", " \n\t ", "", true},
		{"control only", "\x00\x01", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Content(tt.raw, 2000)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.IsKind(err, apperr.KindValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContent_LengthCountsRunesBeforeEscaping(t *testing.T) {
	_, err := Content(strings.Repeat("é", 2000), 2000)
	assert.NoError(t, err, "2000 runes is within the limit even though it is 4000 bytes")

	escaped, err := Content(strings.Repeat("<", 2000), 2000)
	require.NoError(t, err, "escaping grows the string but the limit applies first")
	assert.Equal(t, 8000, len(escaped))
	assert.Equal(t, 2000, utf8.RuneCountInString(html.UnescapeString(escaped)))

	_, err = Content(strings.Repeat("a", 2001), 2000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2001")
}

func validAttachment() store.Attachment {
	return store.Attachment{
		ID:         "att-1",
		Type:       store.AttachmentImage,
		URL:        "https://cdn.example.com/a.png",
		Name:       "a.png",
		Size:       1024,
		MimeType:   "image/png",
		UploadedAt: time.Now(),
	}
}

var testLimits = Limits{
	MaxCount:         5,
	MaxBytes:         10 * 1024 * 1024,
	AllowedMimeTypes: []string{"image/png", "image/jpeg", "application/pdf"},
}

func TestAttachments_Valid(t *testing.T) {
	doc := validAttachment()
	doc.Type = store.AttachmentDocument
	doc.MimeType = "application/pdf"
	doc.Name = "invoice.pdf"

	assert.NoError(t, Attachments([]store.Attachment{validAttachment(), doc}, testLimits))
	assert.NoError(t, Attachments(nil, testLimits))
}

func TestAttachments_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(a *store.Attachment)
		wantErr string
	}{
		{"missing url", func(a *store.Attachment) { a.URL = "" }, "url is required"},
		{"bad url", func(a *store.Attachment) { a.URL = "not a url" }, "valid URL"},
		{"bad type", func(a *store.Attachment) { a.Type = "video" }, "type must be one of"},
		{"zero size", func(a *store.Attachment) { a.Size = 0 }, "size must be greater than"},
		{"oversize", func(a *store.Attachment) { a.Size = 11 * 1024 * 1024 }, "limit is"},
		{"disallowed mime", func(a *store.Attachment) { a.MimeType = "application/x-msdownload" }, "disallowed type"},
		{"image with pdf mime", func(a *store.Attachment) { a.MimeType = "application/pdf" }, "marked image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAttachment()
			tt.mutate(&a)
			err := Attachments([]store.Attachment{a}, testLimits)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.KindValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAttachments_TooMany(t *testing.T) {
	list := make([]store.Attachment, 6)
	for i := range list {
		list[i] = validAttachment()
	}
	err := Attachments(list, testLimits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "6 attachments")
}
