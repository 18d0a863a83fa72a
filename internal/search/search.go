// ABOUTME: Cancellable case-insensitive content search over conversation history
// ABOUTME: Pages through each conversation newest first and stops at the result limit

package search

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/2389/support-sync/internal/store"
)

// Source is the store surface search reads.
type Source interface {
	ListMessages(ctx context.Context, convID string, limit int, after *store.Cursor) ([]store.Message, error)
}

// Options bounds a search.
type Options struct {
	PageSize   int // messages per fetch; default 50
	MaxResults int // 0 means unlimited
	MaxPages   int // per conversation; 0 means unlimited
}

// Result is one matching message.
type Result struct {
	ConversationID string
	Message        store.Message
}

// Messages returns messages whose content contains query, ignoring case.
// Results are grouped by conversation in the order given, newest first
// within each conversation.
func Messages(ctx context.Context, src Source, conversationIDs []string, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	needle := strings.ToLower(query)
	// Stored content is HTML-escaped; match the escaped form as well.
	escaped := strings.ToLower(html.EscapeString(query))

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	var results []Result
	for _, convID := range conversationIDs {
		var after *store.Cursor
		for page := 0; opts.MaxPages == 0 || page < opts.MaxPages; page++ {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			msgs, err := src.ListMessages(ctx, convID, pageSize, after)
			if err := ctx.Err(); err != nil {
				return results, err
			}
			if err != nil {
				return results, fmt.Errorf("searching conversation %s: %w", convID, err)
			}

			for _, m := range msgs {
				content := strings.ToLower(m.Content)
				if strings.Contains(content, needle) || strings.Contains(content, escaped) {
					results = append(results, Result{ConversationID: convID, Message: m})
					if opts.MaxResults > 0 && len(results) >= opts.MaxResults {
						return results, nil
					}
				}
			}

			if len(msgs) < pageSize {
				break
			}
			c := store.MessageCursor(msgs[len(msgs)-1])
			after = &c
		}
	}
	return results, nil
}
