package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"skatedm-client/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL + "/api/v1/")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetMessagesSendsPagingAndToken(t *testing.T) {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/dm/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, models.MessagePage{
			Messages:   []*models.Message{{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "hi", CreatedAt: created, Status: models.StatusSent}},
			Pagination: models.Pagination{Page: 2, Limit: 50, HasMore: true},
		})
	})

	page, err := client.GetMessages(context.Background(), "c1", PageRequest{Page: 2, Limit: 50}, "tok")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m1", page.Messages[0].ID)
	assert.True(t, page.Messages[0].CreatedAt.Equal(created))
	assert.Equal(t, models.Pagination{Page: 2, Limit: 50, HasMore: true}, page.Pagination)
}

func TestSendMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body models.SendMessageRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "kickflip?", body.Content)
		writeJSON(w, http.StatusCreated, models.MessageEnvelope{Message: &models.Message{
			ID: "m9", ConversationID: "c1", SenderID: "u1", Content: body.Content, Status: models.StatusSent,
		}})
	})

	msg, err := client.SendMessage(context.Background(), "c1", "kickflip?", "tok")
	require.NoError(t, err)
	assert.Equal(t, "m9", msg.ID)
	assert.Equal(t, models.StatusSent, msg.Status)
}

func TestSendMessageRejectsBlankContentLocally(t *testing.T) {
	called := false
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := client.SendMessage(context.Background(), "c1", content, "tok")
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.False(t, called, "blank content must not reach the backend")
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, kind: ErrAuth},
		{name: "forbidden", status: http.StatusForbidden, kind: ErrAuth},
		{name: "missing", status: http.StatusNotFound, kind: ErrNotFound},
		{name: "bad request", status: http.StatusBadRequest, kind: ErrValidation},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, kind: ErrValidation},
		{name: "internal", status: http.StatusInternalServerError, kind: ErrServer},
		{name: "unavailable", status: http.StatusServiceUnavailable, kind: ErrServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]string{"error": "nope"})
			})
			_, err := client.GetConversation(context.Background(), "c1", "tok")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)

			var apiErr *Error
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewClient(srv.URL)
	_, err := client.GetUnreadCount(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrServer)
}

func TestGetUnreadCountAndMarkAsRead(t *testing.T) {
	var readPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/dm/unread-count":
			writeJSON(w, http.StatusOK, models.UnreadCountResponse{UnreadCount: 7})
		case "/api/v1/dm/conversations/c1/read":
			readPath = r.Method + " " + r.URL.Path
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	n, err := client.GetUnreadCount(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	require.NoError(t, client.MarkAsRead(context.Background(), "c1", "tok"))
	assert.Equal(t, "POST /api/v1/dm/conversations/c1/read", readPath)
}

func TestListAndStartConversation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, models.ConversationList{Conversations: []*models.Conversation{
				{ID: "c1", OtherUser: models.PublicUser{ID: "u2", Name: "bob"}, UnreadCount: 2},
			}})
		case http.MethodPost:
			var body models.StartConversationRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			writeJSON(w, http.StatusCreated, models.ConversationEnvelope{Conversation: &models.Conversation{
				ID: "c2", OtherUser: models.PublicUser{ID: body.UserID},
			}})
		}
	})

	convs, err := client.ListConversations(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Nil(t, convs[0].LastMessage)
	assert.Equal(t, 2, convs[0].UnreadCount)

	conv, err := client.StartConversation(context.Background(), "u3", "tok")
	require.NoError(t, err)
	assert.Equal(t, "u3", conv.OtherUser.ID)
}

func TestLoginAndFindUser(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			assert.Empty(t, r.Header.Get("Authorization"))
			var body models.LoginUserRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.Password != "password1" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid username or password"})
				return
			}
			writeJSON(w, http.StatusOK, models.LoginResponse{Token: "tok", User: &models.PublicUser{ID: "u1", Name: body.Username}})
		case "/api/v1/users":
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			if r.URL.Query().Get("name") != "bob" {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "User not found"})
				return
			}
			writeJSON(w, http.StatusOK, models.PublicUser{ID: "u2", Name: "bob"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	resp, err := client.Login(ctx, "alice", "password1")
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.Token)
	assert.Equal(t, "alice", resp.User.Name)

	_, err = client.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrAuth)

	u, err := client.FindUser(ctx, "bob", "tok")
	require.NoError(t, err)
	assert.Equal(t, "u2", u.ID)

	_, err = client.FindUser(ctx, "nobody", "tok")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = client.FindUser(ctx, " ", "tok")
	assert.ErrorIs(t, err, ErrValidation)
}
