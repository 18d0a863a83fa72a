// ABOUTME: Content normalization and attachment metadata validation
// ABOUTME: Trims, length-checks, strips control characters, and HTML-escapes message text

package sanitize

import (
	"errors"
	"fmt"
	"html"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/2389/support-sync/internal/apperr"
	"github.com/2389/support-sync/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Limits bounds attachment metadata.
type Limits struct {
	MaxCount         int
	MaxBytes         int64
	AllowedMimeTypes []string
}

// Content trims raw, rejects empty or over-length text, drops control
// characters other than newline and tab, and HTML-escapes the result.
//
// maxLen bounds the unescaped text in runes. The returned, escaped string may
// be longer (up to five bytes per escaped character); readers that enforce
// the limit again must unescape first.
func Content(raw string, maxLen int) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", apperr.Validation("sanitize", "message is empty")
	}
	if n := utf8.RuneCountInString(trimmed); n > maxLen {
		return "", apperr.Validationf("sanitize", "message is %d characters, limit is %d", n, maxLen)
	}

	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, trimmed)

	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", apperr.Validation("sanitize", "message is empty")
	}
	return html.EscapeString(cleaned), nil
}

// Attachments checks the count, struct tags, size, and MIME type of each attachment.
func Attachments(list []store.Attachment, limits Limits) error {
	if len(list) > limits.MaxCount {
		return apperr.Validationf("sanitize", "%d attachments, limit is %d", len(list), limits.MaxCount)
	}

	for i, a := range list {
		if err := validate.Struct(a); err != nil {
			return apperr.Validationf("sanitize", "attachment %d: %s", i, describe(err))
		}
		if a.Size > limits.MaxBytes {
			return apperr.Validationf("sanitize", "attachment %q is %d bytes, limit is %d", a.Name, a.Size, limits.MaxBytes)
		}
		mime := strings.ToLower(a.MimeType)
		if !slices.Contains(limits.AllowedMimeTypes, mime) {
			return apperr.Validationf("sanitize", "attachment %q has disallowed type %s", a.Name, a.MimeType)
		}
		if a.Type == store.AttachmentImage && !strings.HasPrefix(mime, "image/") {
			return apperr.Validationf("sanitize", "attachment %q is marked image but has type %s", a.Name, a.MimeType)
		}
	}
	return nil
}

// describe turns the first validator failure into a readable phrase.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}

	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "url":
		return field + " must be a valid URL"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "gt":
		return field + " must be greater than " + fe.Param()
	case "max":
		return field + " must be at most " + fe.Param() + " characters"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
