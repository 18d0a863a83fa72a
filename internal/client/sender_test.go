// ABOUTME: Tests for the HTTP message sender
// ABOUTME: Uses httptest servers to check headers, bodies, and error mapping

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-sync/internal/apperr"
	"github.com/2389/support-sync/internal/store"
)

func TestSender_Success(t *testing.T) {
	var got SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/support/conversations/conv-1/messages", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get(CSRFHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(SendResponse{Success: true, MessageID: "srv-1"})
	}))
	defer srv.Close()

	s := New(Options{BaseURL: srv.URL + "/", CSRFToken: "tok"})
	id, err := s.Send(context.Background(), "conv-1", SendRequest{
		Content:         "hello",
		ClientMessageID: "key-1",
		Attachments: []store.Attachment{{
			ID: "a1", Type: store.AttachmentImage, URL: "https://x/a.png",
			Name: "a.png", Size: 10, MimeType: "image/png",
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "key-1", got.ClientMessageID)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "a.png", got.Attachments[0].Name)
}

func TestSender_ApplicationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(SendResponse{Success: false, Error: "bad csrf token"})
	}))
	defer srv.Close()

	s := New(Options{BaseURL: srv.URL})
	_, err := s.Send(context.Background(), "conv-1", SendRequest{Content: "hello"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNetwork))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, "bad csrf token", se.Message)
}

func TestSender_SuccessFalseWith200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"conversation closed"}`))
	}))
	defer srv.Close()

	_, err := New(Options{BaseURL: srv.URL}).Send(context.Background(), "conv-1", SendRequest{Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conversation closed")
}

func TestSender_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(Options{BaseURL: srv.URL}).Send(context.Background(), "conv-1", SendRequest{Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed response")
}

func TestSender_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(Options{BaseURL: url}).Send(context.Background(), "conv-1", SendRequest{Content: "x"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNetwork))
}

func TestMessagesPath_Escapes(t *testing.T) {
	assert.Equal(t, "/api/support/conversations/a%2Fb/messages", MessagesPath("a/b"))
}

func TestSender_IdentityHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "admin-1", r.Header.Get(UserIDHeader))
		assert.Equal(t, "Support", r.Header.Get(UserNameHeader))
		assert.Equal(t, "admin", r.Header.Get(RoleHeader))
		_ = json.NewEncoder(w).Encode(SendResponse{Success: true, MessageID: "srv-1"})
	}))
	defer srv.Close()

	s := New(Options{
		BaseURL:  srv.URL,
		Identity: store.Identity{ID: "admin-1", DisplayName: "Support"},
		Role:     store.RoleAdmin,
	})
	_, err := s.Send(context.Background(), "conv-1", SendRequest{Content: "hi"})
	require.NoError(t, err)
}
