// ABOUTME: SQLite store for drafts and the persisted offline queue using modernc.org/sqlite
// ABOUTME: Creates the schema on open and keeps queue entries in insertion order

package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/support-sync/internal/store"
)

// Store persists drafts and queued messages.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path.
// Parent directories are created if needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "local")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("local store initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS drafts (
			conversation_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS offline_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments TEXT NOT NULL DEFAULT '[]',
			ts TEXT NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Drafts

// SaveDraft upserts the draft for convID. Empty content deletes it.
func (s *Store) SaveDraft(ctx context.Context, convID, content string) error {
	if content == "" {
		return s.ClearDraft(ctx, convID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (conversation_id, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at
	`, convID, content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving draft: %w", err)
	}
	return nil
}

// LoadDraft returns the saved draft, or "" when there is none.
func (s *Store) LoadDraft(ctx context.Context, convID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM drafts WHERE conversation_id = ?`, convID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading draft: %w", err)
	}
	return content, nil
}

// ClearDraft deletes the draft for convID.
func (s *Store) ClearDraft(ctx context.Context, convID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE conversation_id = ?`, convID); err != nil {
		return fmt.Errorf("clearing draft: %w", err)
	}
	return nil
}

// Offline queue

// SaveQueued appends p, or replaces the entry with the same ID in place.
func (s *Store) SaveQueued(ctx context.Context, p store.PendingMessage) error {
	attachments, err := json.Marshal(p.Attachments)
	if err != nil {
		return fmt.Errorf("encoding attachments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_queue (id, conversation_id, content, attachments, ts, status, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			attachments = excluded.attachments,
			status = excluded.status,
			last_error = excluded.last_error
	`, p.ID, p.ConversationID, p.Content, string(attachments),
		p.Timestamp.UTC().Format(time.RFC3339Nano), string(p.Status), p.LastError)
	if err != nil {
		return fmt.Errorf("saving queued message: %w", err)
	}
	return nil
}

// UpdateQueuedStatus sets the status and last error of one entry.
func (s *Store) UpdateQueuedStatus(ctx context.Context, id string, status store.MessageStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE offline_queue SET status = ?, last_error = ? WHERE id = ?`,
		string(status), lastError, id)
	if err != nil {
		return fmt.Errorf("updating queued message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeleteQueued removes one entry. Removing a missing entry is not an error.
func (s *Store) DeleteQueued(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting queued message: %w", err)
	}
	return nil
}

// ListQueued returns every entry in insertion order.
func (s *Store) ListQueued(ctx context.Context) ([]store.PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, content, attachments, ts, status, last_error
		FROM offline_queue ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying offline queue: %w", err)
	}
	defer rows.Close()

	var out []store.PendingMessage
	for rows.Next() {
		var (
			p           store.PendingMessage
			attachments string
			ts          string
			status      string
		)
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.Content, &attachments, &ts, &status, &p.LastError); err != nil {
			return nil, fmt.Errorf("scanning queued message: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &p.Attachments); err != nil {
			return nil, fmt.Errorf("decoding attachments for %s: %w", p.ID, err)
		}
		p.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp for %s: %w", p.ID, err)
		}
		p.Status = store.MessageStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating offline queue: %w", err)
	}
	return out, nil
}

// ClearQueued deletes every entry.
func (s *Store) ClearQueued(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue`); err != nil {
		return fmt.Errorf("clearing offline queue: %w", err)
	}
	return nil
}
