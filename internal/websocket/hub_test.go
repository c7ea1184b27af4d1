package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"skatedm-client/internal/models"
	"skatedm-client/internal/store"
	"skatedm-client/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "hub-test-secret"

type rig struct {
	hub     *Hub
	handler *Handler
	srv     *httptest.Server
	conv    *store.ConversationRecord
	stop    context.CancelFunc
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	convs := store.NewMemoryConversationStore()
	rec, _, err := convs.GetOrCreateConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)

	hub := NewHub(convs, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	handler := NewHandler(hub, testSecret, zap.NewNop())
	handler.hold = 100 * time.Millisecond
	router := gin.New()
	handler.RegisterRoutes(router.Group("/rt"))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &rig{hub: hub, handler: handler, srv: srv, conv: rec, stop: cancel}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := utils.GenerateJWT(userID, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func (r *rig) openPoll(t *testing.T, ns, userID string) string {
	t.Helper()
	resp, err := http.Post(r.srv.URL+"/rt/"+ns+"/poll?token="+token(t, userID), "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		SID string `json:"sid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.SID)
	return body.SID
}

func (r *rig) emit(t *testing.T, ns, sid, event string, payload interface{}) int {
	t.Helper()
	f, err := models.NewFrame(event, payload)
	require.NoError(t, err)
	data, err := json.Marshal(f)
	require.NoError(t, err)
	resp, err := http.Post(r.srv.URL+"/rt/"+ns+"/poll/emit?sid="+sid, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (r *rig) poll(t *testing.T, ns, sid string) (int, []models.Frame) {
	t.Helper()
	resp, err := http.Get(r.srv.URL + "/rt/" + ns + "/poll?sid=" + sid)
	require.NoError(t, err)
	defer resp.Body.Close()
	var frames []models.Frame
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
	}
	return resp.StatusCode, frames
}

// pollFor polls until a frame named event arrives.
func (r *rig) pollFor(t *testing.T, ns, sid, event string) models.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, frames := r.poll(t, ns, sid)
		require.Equal(t, http.StatusOK, status)
		for _, f := range frames {
			if f.Event == event {
				return f
			}
		}
	}
	t.Fatalf("no %s frame within deadline", event)
	return models.Frame{}
}

func (r *rig) joinAndWait(t *testing.T, sid, userID string) {
	t.Helper()
	require.Equal(t, http.StatusNoContent, r.emit(t, "messages", sid, models.EventJoinConversation, models.RoomPayload{ConversationID: r.conv.ID}))
	require.Eventually(t, func() bool { return r.hub.InRoom(r.conv.ID, userID) }, 2*time.Second, 5*time.Millisecond)
}

func errorCode(t *testing.T, f models.Frame) int {
	t.Helper()
	var p models.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	return p.Code
}

func TestTypingIsRelayedToTheOtherParticipant(t *testing.T) {
	r := newRig(t)
	alice := r.openPoll(t, "messages", "alice")
	bob := r.openPoll(t, "messages", "bob")
	r.joinAndWait(t, alice, "alice")
	r.joinAndWait(t, bob, "bob")

	require.Equal(t, http.StatusNoContent, r.emit(t, "messages", alice, models.EventTypingStart, models.TypingPayload{ConversationID: r.conv.ID}))

	f := r.pollFor(t, "messages", bob, models.EventTypingStart)
	var p models.TypingPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, r.conv.ID, p.ConversationID)
	assert.Equal(t, "alice", p.UserID)

	status, frames := r.poll(t, "messages", alice)
	require.Equal(t, http.StatusOK, status)
	for _, f := range frames {
		assert.NotEqual(t, models.EventTypingStart, f.Event, "sender must not receive its own typing event")
	}
}

func TestJoinRequiresParticipation(t *testing.T) {
	r := newRig(t)
	carol := r.openPoll(t, "messages", "carol")

	r.emit(t, "messages", carol, models.EventJoinConversation, models.RoomPayload{ConversationID: r.conv.ID})
	assert.Equal(t, codeForbidden, errorCode(t, r.pollFor(t, "messages", carol, models.EventError)))
	assert.False(t, r.hub.InRoom(r.conv.ID, "carol"))

	r.emit(t, "messages", carol, models.EventJoinConversation, models.RoomPayload{ConversationID: "missing"})
	assert.Equal(t, codeNotFound, errorCode(t, r.pollFor(t, "messages", carol, models.EventError)))
}

func TestTypingBeforeJoinIsRejected(t *testing.T) {
	r := newRig(t)
	alice := r.openPoll(t, "messages", "alice")

	r.emit(t, "messages", alice, models.EventTypingStart, models.TypingPayload{ConversationID: r.conv.ID})
	assert.Equal(t, codeForbidden, errorCode(t, r.pollFor(t, "messages", alice, models.EventError)))
}

func TestLeaveStopsTypingRelay(t *testing.T) {
	r := newRig(t)
	alice := r.openPoll(t, "messages", "alice")
	bob := r.openPoll(t, "messages", "bob")
	r.joinAndWait(t, alice, "alice")
	r.joinAndWait(t, bob, "bob")

	r.emit(t, "messages", bob, models.EventLeaveConversation, models.RoomPayload{ConversationID: r.conv.ID})
	require.Eventually(t, func() bool { return !r.hub.InRoom(r.conv.ID, "bob") }, 2*time.Second, 5*time.Millisecond)
}

func TestEmitToUsersReachesEveryClientInNamespace(t *testing.T) {
	r := newRig(t)
	polling := r.openPoll(t, "messages", "alice")
	feed := r.openPoll(t, "feed", "alice")

	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/rt/messages?token=" + token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return r.hub.ClientCount(models.NamespaceMessages, "alice") == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, r.hub.ClientCount(models.NamespaceFeed, "alice"))

	r.hub.EmitToUsers(models.NamespaceMessages, []string{"alice", "nobody"}, models.EventMessagesRead,
		models.MessagesReadPayload{ConversationID: r.conv.ID, ReadBy: "bob"})

	r.pollFor(t, "messages", polling, models.EventMessagesRead)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f models.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, models.EventMessagesRead, f.Event)

	status, frames := r.poll(t, "feed", feed)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, frames)
}

func TestWebsocketMalformedFrameGetsError(t *testing.T) {
	r := newRig(t)
	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/rt/messages?token=" + token(t, "alice")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f models.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, models.EventError, f.Event)
	assert.Equal(t, codeBadRequest, errorCode(t, f))
}

func TestRejectsBadRequests(t *testing.T) {
	r := newRig(t)

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown namespace", http.MethodPost, "/rt/chat/poll?token=" + token(t, "alice"), http.StatusNotFound},
		{"missing token", http.MethodPost, "/rt/messages/poll", http.StatusUnauthorized},
		{"bad token", http.MethodPost, "/rt/messages/poll?token=garbage", http.StatusUnauthorized},
		{"unknown sid", http.MethodGet, "/rt/messages/poll?sid=nope", http.StatusNotFound},
		{"unknown sid on close", http.MethodDelete, "/rt/messages/poll?sid=nope", http.StatusNotFound},
		{"websocket without token", http.MethodGet, "/rt/messages", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, r.srv.URL+tc.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}

	sid := r.openPoll(t, "messages", "alice")
	resp, err := http.Post(r.srv.URL+"/rt/messages/poll/emit?sid="+sid, "application/json", strings.NewReader(`{"data":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClosePollEndsSession(t *testing.T) {
	r := newRig(t)
	sid := r.openPoll(t, "messages", "alice")
	require.Eventually(t, func() bool { return r.hub.ClientCount(models.NamespaceMessages, "alice") == 1 }, 2*time.Second, 5*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, r.srv.URL+"/rt/messages/poll?sid="+sid, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool { return r.hub.ClientCount(models.NamespaceMessages, "alice") == 0 }, 2*time.Second, 5*time.Millisecond)
	status, _ := r.poll(t, "messages", sid)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestReapIdleClosesAbandonedSessions(t *testing.T) {
	r := newRig(t)
	sid := r.openPoll(t, "messages", "alice")

	assert.Zero(t, r.handler.ReapIdle(time.Now().Add(-time.Minute)))
	assert.Equal(t, 1, r.handler.ReapIdle(time.Now().Add(time.Minute)))

	require.Eventually(t, func() bool { return r.hub.ClientCount(models.NamespaceMessages, "alice") == 0 }, 2*time.Second, 5*time.Millisecond)
	status, _ := r.poll(t, "messages", sid)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHubShutdownEndsPollingSessions(t *testing.T) {
	r := newRig(t)
	sid := r.openPoll(t, "messages", "alice")
	require.Eventually(t, func() bool { return r.hub.ClientCount(models.NamespaceMessages, "alice") == 1 }, 2*time.Second, 5*time.Millisecond)

	r.stop()
	<-r.hub.done

	status, _ := r.poll(t, "messages", sid)
	assert.Equal(t, http.StatusGone, status)

	resp, err := http.Post(r.srv.URL+"/rt/messages/poll?token="+token(t, "alice"), "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
