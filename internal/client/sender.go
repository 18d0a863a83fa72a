// ABOUTME: HTTP client for the conversation-scoped message send endpoint
// ABOUTME: Attaches the CSRF header and carries the client idempotency key

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/support-sync/internal/apperr"
	"github.com/2389/support-sync/internal/store"
)

const (
	// CSRFHeader carries the CSRF token on every state-changing request.
	CSRFHeader = "X-CSRF-Token"

	// Identity headers name the sender to endpoints that have no session
	// cookie of their own, such as the dev server.
	UserIDHeader   = "X-Support-User-Id"
	UserNameHeader = "X-Support-User-Name"
	RoleHeader     = "X-Support-Role"

	defaultTimeout = 10 * time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 1 << 20
)

// MessagesPath returns the send endpoint path for a conversation.
func MessagesPath(convID string) string {
	return "/api/support/conversations/" + url.PathEscape(convID) + "/messages"
}

// SendRequest is the JSON body of a send.
type SendRequest struct {
	Content         string             `json:"content"`
	Attachments     []store.Attachment `json:"attachments,omitempty"`
	ClientMessageID string             `json:"clientMessageId,omitempty"`
}

// SendResponse is the JSON body the endpoint answers with.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StatusError is a non-success answer from the endpoint.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("send endpoint returned %d", e.StatusCode)
	}
	return fmt.Sprintf("send endpoint returned %d: %s", e.StatusCode, e.Message)
}

// Options configures a Sender.
type Options struct {
	BaseURL    string
	CSRFToken  string
	Timeout    time.Duration
	HTTPClient *http.Client // optional; overrides Timeout
	Identity   store.Identity
	Role       store.Role
	Logger     *slog.Logger
}

// Sender posts messages to the send endpoint.
type Sender struct {
	baseURL  string
	csrf     string
	identity store.Identity
	role     store.Role
	http     *http.Client
	logger   *slog.Logger
}

// New creates a Sender.
func New(opts Options) *Sender {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Sender{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		csrf:     opts.CSRFToken,
		identity: opts.Identity,
		role:     opts.Role,
		http:     hc,
		logger:   logger.With("component", "client"),
	}
}

// Send posts one message and returns the server-assigned message id.
func (s *Sender) Send(ctx context.Context, convID string, req SendRequest) (string, error) {
	const op = "client.send"

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+MessagesPath(convID), bytes.NewReader(body))
	if err != nil {
		return "", apperr.Network(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(CSRFHeader, s.csrf)
	if s.identity.ID != "" {
		httpReq.Header.Set(UserIDHeader, s.identity.ID)
		httpReq.Header.Set(UserNameHeader, s.identity.DisplayName)
	}
	if s.role != "" {
		httpReq.Header.Set(RoleHeader, string(s.role))
	}

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return "", apperr.Network(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", apperr.Network(op, err)
	}

	var out SendResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode/100 != 2 || decodeErr != nil || !out.Success {
		msg := out.Error
		if msg == "" && decodeErr != nil {
			msg = "malformed response"
		}
		s.logger.Debug("send rejected",
			"conversation_id", convID,
			"status", resp.StatusCode,
			"error", msg,
		)
		return "", apperr.Network(op, &StatusError{StatusCode: resp.StatusCode, Message: msg})
	}

	return out.MessageID, nil
}
