// ABOUTME: Dev HTTP server implementing the conversation-scoped send endpoint
// ABOUTME: Dedupes by client message id and writes through the configured store

package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/support-sync/internal/client"
	"github.com/2389/support-sync/internal/dedupe"
	"github.com/2389/support-sync/internal/metrics"
	"github.com/2389/support-sync/internal/sanitize"
	"github.com/2389/support-sync/internal/store"
)

const (
	maxBodyBytes = 1 << 20
	dedupeTTL    = 24 * time.Hour
	dedupeSize   = 10000

	// inFlight marks a key whose message is still being written.
	inFlight = "\x00"
)

// MessageWriter is the store surface the server writes through.
type MessageWriter interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	CreateMessage(ctx context.Context, convID string, msg store.Message) (store.Message, error)
}

// Options configures a Server.
type Options struct {
	Addr        string
	CSRFToken   string // empty disables the check
	Store       MessageWriter
	MaxLength   int
	Attachments sanitize.Limits
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer // optional; enables the metrics path
	MetricsPath string
	Logger      *slog.Logger
}

// Server is the dev send endpoint.
type Server struct {
	opts    Options
	seen    *dedupe.Cache
	metrics *metrics.Metrics
	logger  *slog.Logger
	http    *http.Server
}

// New creates a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{
		opts:    opts,
		seen:    dedupe.New(dedupeTTL, dedupeSize),
		metrics: opts.Metrics,
		logger:  logger.With("component", "devserver"),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/support/conversations/{id}/messages", s.handleSend)
	mux.HandleFunc("/health", s.handleHealth)
	if s.opts.Gatherer != nil {
		mux.Handle(s.opts.MetricsPath, metrics.Handler(s.opts.Gatherer))
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dev server listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serveErr = <-errCh:
		s.logger.Error("server error", "error", serveErr)
	}

	// The original context is already canceled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.http.Shutdown(shutdownCtx)
	s.seen.Close()
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")

	if s.opts.CSRFToken != "" && r.Header.Get(client.CSRFHeader) != s.opts.CSRFToken {
		s.reject(w, http.StatusForbidden, "invalid csrf token", "csrf")
		return
	}

	var req client.SendRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, "invalid request body", "bad_request")
		return
	}

	// Content arrives already sanitized by the client; escaping again would
	// double-encode it.
	content := strings.TrimSpace(req.Content)
	if content == "" {
		s.reject(w, http.StatusBadRequest, "message is empty", "bad_request")
		return
	}
	if s.opts.MaxLength > 0 && utf8.RuneCountInString(html.UnescapeString(content)) > s.opts.MaxLength {
		s.reject(w, http.StatusBadRequest, "message is too long", "bad_request")
		return
	}
	if err := sanitize.Attachments(req.Attachments, s.opts.Attachments); err != nil {
		s.reject(w, http.StatusBadRequest, err.Error(), "bad_request")
		return
	}

	conv, err := s.opts.Store.GetConversation(r.Context(), convID)
	if errors.Is(err, store.ErrNotFound) {
		s.reject(w, http.StatusNotFound, "conversation not found", "not_found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load conversation", "conversation_id", convID, "error", err)
		s.reject(w, http.StatusInternalServerError, "internal server error", "error")
		return
	}

	// Check, process, mark: a retried send returns the original message id.
	key := ""
	if req.ClientMessageID != "" {
		key = convID + "/" + req.ClientMessageID
		if id, loaded := s.seen.GetOrPut(key, inFlight); loaded {
			if id == inFlight {
				s.reject(w, http.StatusConflict, "send already in progress", "conflict")
				return
			}
			s.logger.Debug("duplicate send", "conversation_id", convID, "message_id", id)
			s.metrics.EndpointRequest("duplicate")
			s.writeJSON(w, http.StatusOK, client.SendResponse{Success: true, MessageID: id})
			return
		}
	}

	sender, role := senderFrom(r, conv)
	msg, err := s.opts.Store.CreateMessage(r.Context(), convID, store.Message{
		Sender:          sender,
		SenderRole:      role,
		Content:         content,
		Attachments:     req.Attachments,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		if key != "" {
			s.seen.Delete(key)
		}
		s.logger.Error("failed to write message", "conversation_id", convID, "error", err)
		s.reject(w, http.StatusInternalServerError, "failed to store message", "error")
		return
	}
	if key != "" {
		s.seen.Put(key, msg.ID)
	}

	s.logger.Info("message stored",
		"conversation_id", convID,
		"message_id", msg.ID,
		"sender_role", role,
	)
	s.metrics.EndpointRequest("ok")
	s.writeJSON(w, http.StatusOK, client.SendResponse{Success: true, MessageID: msg.ID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) reject(w http.ResponseWriter, status int, msg, outcome string) {
	s.metrics.EndpointRequest(outcome)
	s.writeJSON(w, status, client.SendResponse{Success: false, Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body client.SendResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// senderFrom resolves the sender from identity headers, defaulting to the
// conversation's owner.
func senderFrom(r *http.Request, conv *store.Conversation) (store.Identity, store.Role) {
	role := store.Role(r.Header.Get(client.RoleHeader))
	if role != store.RoleAdmin {
		role = store.RoleUser
	}
	id := store.Identity{
		ID:          r.Header.Get(client.UserIDHeader),
		DisplayName: r.Header.Get(client.UserNameHeader),
	}
	if id.ID == "" && role == store.RoleUser {
		id.ID = conv.UserID
		for _, p := range conv.Participants {
			if p.ID == conv.UserID {
				id = p
				break
			}
		}
	}
	return id, role
}
