package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"skatedm-client/internal/models"
	"skatedm-client/internal/store"

	"go.uber.org/zap"
)

const lookupTimeout = 5 * time.Second

// Hub tracks connected clients per namespace and user, and conversation
// rooms in the messages namespace. Client frames are handled one at a time
// by Run; broadcasts may come from any goroutine.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[string]map[*Client]bool // namespace → user → clients
	rooms   map[string]map[*Client]bool            // conversation → clients

	inbound    chan inboundFrame
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	conversations store.ConversationStore
	logger        *zap.Logger
}

// NewHub returns a Hub that checks room membership against conversations.
func NewHub(conversations store.ConversationStore, logger *zap.Logger) *Hub {
	return &Hub{
		clients:       make(map[string]map[string]map[*Client]bool),
		rooms:         make(map[string]map[*Client]bool),
		inbound:       make(chan inboundFrame, sendBuffer),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		done:          make(chan struct{}),
		conversations: conversations,
		logger:        logger.Named("hub"),
	}
}

// Run processes hub events until ctx ends, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub started")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("hub stopped")
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case in := <-h.inbound:
			h.handleFrame(in.client, in.frame)
		}
	}
}

// Register adds c. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes c and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch hands a frame read from c to the hub loop.
func (h *Hub) Dispatch(c *Client, f models.Frame) bool {
	select {
	case h.inbound <- inboundFrame{client: c, frame: f}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	users, ok := h.clients[c.namespace]
	if !ok {
		users = make(map[string]map[*Client]bool)
		h.clients[c.namespace] = users
	}
	if _, ok := users[c.userID]; !ok {
		users[c.userID] = make(map[*Client]bool)
	}
	users[c.userID][c] = true
	c.logger.Info("client registered", zap.Int("user_clients", len(users[c.userID])))
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userClients, ok := h.clients[c.namespace][c.userID]
	if !ok || !userClients[c] {
		return
	}
	delete(userClients, c)
	if len(userClients) == 0 {
		delete(h.clients[c.namespace], c.userID)
	}
	for convID := range c.rooms {
		h.leaveLocked(c, convID)
	}
	close(c.send)
	c.logger.Info("client unregistered", zap.Int("user_clients", len(userClients)))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, users := range h.clients {
		for _, set := range users {
			for c := range set {
				close(c.send)
			}
		}
	}
	h.clients = make(map[string]map[string]map[*Client]bool)
	h.rooms = make(map[string]map[*Client]bool)
}

func (h *Hub) registered(c *Client) bool {
	return h.clients[c.namespace][c.userID][c]
}

func (h *Hub) handleFrame(c *Client, f models.Frame) {
	h.mu.RLock()
	ok := h.registered(c)
	h.mu.RUnlock()
	if !ok {
		return
	}
	if f.Event == "" {
		h.sendError(c, codeBadRequest, "Invalid frame format")
		return
	}
	if c.namespace != models.NamespaceMessages {
		h.sendError(c, codeBadRequest, "Unknown event")
		return
	}

	switch f.Event {
	case models.EventJoinConversation:
		var p models.RoomPayload
		if !decode(f, &p) || p.ConversationID == "" {
			h.sendError(c, codeBadRequest, "Invalid join:conversation payload")
			return
		}
		h.join(c, p.ConversationID)

	case models.EventLeaveConversation:
		var p models.RoomPayload
		if !decode(f, &p) || p.ConversationID == "" {
			h.sendError(c, codeBadRequest, "Invalid leave:conversation payload")
			return
		}
		h.mu.Lock()
		h.leaveLocked(c, p.ConversationID)
		h.mu.Unlock()

	case models.EventTypingStart, models.EventTypingStop:
		var p models.TypingPayload
		if !decode(f, &p) || p.ConversationID == "" {
			h.sendError(c, codeBadRequest, "Invalid typing payload")
			return
		}
		h.relayTyping(c, f.Event, p.ConversationID)

	default:
		c.logger.Debug("unknown event", zap.String("event", f.Event))
		h.sendError(c, codeBadRequest, "Unknown event")
	}
}

func decode(f models.Frame, v interface{}) bool {
	return len(f.Data) > 0 && json.Unmarshal(f.Data, v) == nil
}

func (h *Hub) join(c *Client, conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	rec, err := h.conversations.GetConversation(ctx, conversationID)
	switch {
	case errors.Is(err, store.ErrConversationNotFound):
		h.sendError(c, codeNotFound, "Conversation not found")
		return
	case err != nil:
		c.logger.Error("conversation lookup failed", zap.String("conversation_id", conversationID), zap.Error(err))
		h.sendError(c, codeBadRequest, "Could not join conversation")
		return
	case !rec.Has(c.userID):
		h.sendError(c, codeForbidden, "Not a participant of this conversation")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.registered(c) {
		return
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[conversationID] = room
	}
	room[c] = true
	c.rooms[conversationID] = true
	c.logger.Debug("joined conversation", zap.String("conversation_id", conversationID), zap.Int("room_size", len(room)))
}

func (h *Hub) leaveLocked(c *Client, conversationID string) {
	delete(c.rooms, conversationID)
	room, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}

// relayTyping forwards a typing event to the other participant's clients in
// the room. The sender must have joined the room.
func (h *Hub) relayTyping(c *Client, event, conversationID string) {
	f, err := models.NewFrame(event, models.TypingPayload{ConversationID: conversationID, UserID: c.userID})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !c.rooms[conversationID] {
		c.enqueue(errorFrame(codeForbidden, "Join the conversation before sending typing events"))
		return
	}
	for member := range h.rooms[conversationID] {
		if member.userID != c.userID {
			member.enqueue(f)
		}
	}
}

func errorFrame(code int, message string) models.Frame {
	f, _ := models.NewFrame(models.EventError, models.ErrorPayload{Message: message, Code: code})
	return f
}

func (h *Hub) sendError(c *Client, code int, message string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.registered(c) {
		c.enqueue(errorFrame(code, message))
	}
}

// EmitToUsers sends event to every client of the given users in namespace.
func (h *Hub) EmitToUsers(namespace string, userIDs []string, event string, payload interface{}) {
	f, err := models.NewFrame(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range userIDs {
		set, ok := h.clients[namespace][userID]
		if !ok {
			h.logger.Debug("recipient not connected", zap.String("event", event), zap.String("user_id", userID))
			continue
		}
		for c := range set {
			c.enqueue(f)
		}
	}
}

// ClientCount reports how many clients userID has in namespace.
func (h *Hub) ClientCount(namespace, userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[namespace][userID])
}

// InRoom reports whether any client of userID has joined the conversation.
func (h *Hub) InRoom(conversationID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[conversationID] {
		if c.userID == userID {
			return true
		}
	}
	return false
}
