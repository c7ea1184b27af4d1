package chat

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"skatedm-client/internal/middleware"
	"skatedm-client/internal/models"
	"skatedm-client/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// Broadcaster pushes real-time events to users' connected clients.
type Broadcaster interface {
	EmitToUsers(namespace string, userIDs []string, event string, payload interface{})
}

// RestHandler serves the direct-message REST API.
type RestHandler struct {
	conversations store.ConversationStore
	messages      store.MessageStore
	users         store.UserStore
	broadcaster   Broadcaster
	logger        *zap.Logger
	now           func() time.Time
}

// NewRestHandler creates a new RestHandler.
func NewRestHandler(cs store.ConversationStore, ms store.MessageStore, us store.UserStore, b Broadcaster, logger *zap.Logger) *RestHandler {
	return &RestHandler{
		conversations: cs,
		messages:      ms,
		users:         us,
		broadcaster:   b,
		logger:        logger.Named("chat"),
		now:           time.Now,
	}
}

// RegisterRoutes mounts the /dm routes on an authenticated group.
func (h *RestHandler) RegisterRoutes(rg *gin.RouterGroup) {
	dm := rg.Group("/dm")
	dm.GET("/conversations", h.ListConversations)
	dm.POST("/conversations", h.StartConversation)
	dm.GET("/conversations/:id", h.GetConversation)
	dm.GET("/conversations/:id/messages", h.GetMessages)
	dm.POST("/conversations/:id/messages", h.PostMessage)
	dm.POST("/conversations/:id/read", h.MarkRead)
	dm.GET("/unread-count", h.UnreadCount)
}

// timestamp matches the millisecond precision of the JSON encoding so stored
// and delivered copies of a message compare equal.
func (h *RestHandler) timestamp() time.Time {
	return h.now().UTC().Truncate(time.Millisecond)
}

// view renders rec as seen by viewerID.
func (h *RestHandler) view(ctx context.Context, rec *store.ConversationRecord, viewerID string) (*models.Conversation, error) {
	otherID := rec.Other(viewerID)
	other := models.PublicUser{ID: otherID}
	u, err := h.users.GetUserByID(ctx, otherID)
	switch {
	case err == nil:
		other = *u.ToPublicUser()
	case !errors.Is(err, store.ErrUserNotFound):
		return nil, err
	}

	last, err := h.messages.GetLastMessage(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	unread, err := h.messages.CountUnread(ctx, rec.ID, viewerID)
	if err != nil {
		return nil, err
	}
	return &models.Conversation{
		ID:          rec.ID,
		OtherUser:   other,
		LastMessage: last,
		UnreadCount: unread,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

func activity(c *models.Conversation) time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// participantConversation loads :id and checks the caller takes part in it.
// Conversations the caller is not in are reported as missing.
func (h *RestHandler) participantConversation(c *gin.Context) (*store.ConversationRecord, bool) {
	userID := middleware.UserID(c)
	rec, err := h.conversations.GetConversation(c.Request.Context(), c.Param("id"))
	if err == nil && !rec.Has(userID) {
		err = store.ErrConversationNotFound
	}
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return nil, false
		}
		h.logger.Error("conversation lookup failed", zap.String("conversation_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve conversation"})
		return nil, false
	}
	return rec, true
}

// ListConversations returns the caller's conversations, most recent first.
// GET /dm/conversations
func (h *RestHandler) ListConversations(c *gin.Context) {
	userID := middleware.UserID(c)
	ctx := c.Request.Context()

	records, err := h.conversations.ListUserConversations(ctx, userID)
	if err != nil {
		h.logger.Error("list conversations failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve conversations"})
		return
	}

	convs := make([]*models.Conversation, 0, len(records))
	for _, rec := range records {
		v, err := h.view(ctx, rec, userID)
		if err != nil {
			h.logger.Error("render conversation failed", zap.String("conversation_id", rec.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve conversations"})
			return
		}
		convs = append(convs, v)
	}
	slices.SortStableFunc(convs, func(a, b *models.Conversation) int {
		return activity(b).Compare(activity(a))
	})

	c.JSON(http.StatusOK, models.ConversationList{Conversations: convs})
}

// StartConversation opens or returns the caller's conversation with userId.
// POST /dm/conversations
func (h *RestHandler) StartConversation(c *gin.Context) {
	var req models.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}
	userID := middleware.UserID(c)
	ctx := c.Request.Context()

	if _, err := h.users.GetUserByID(ctx, req.UserID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
			return
		}
		h.logger.Error("user lookup failed", zap.String("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start conversation"})
		return
	}

	rec, created, err := h.conversations.GetOrCreateConversation(ctx, userID, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrSelfConversation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot start a conversation with yourself"})
			return
		}
		h.logger.Error("start conversation failed", zap.String("user_id", userID), zap.String("other_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start conversation"})
		return
	}

	v, err := h.view(ctx, rec, userID)
	if err != nil {
		h.logger.Error("render conversation failed", zap.String("conversation_id", rec.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start conversation"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.Info("conversation created", zap.String("conversation_id", rec.ID))
	}
	c.JSON(status, models.ConversationEnvelope{Conversation: v})
}

// GetConversation returns one conversation.
// GET /dm/conversations/:id
func (h *RestHandler) GetConversation(c *gin.Context) {
	rec, ok := h.participantConversation(c)
	if !ok {
		return
	}
	v, err := h.view(c.Request.Context(), rec, middleware.UserID(c))
	if err != nil {
		h.logger.Error("render conversation failed", zap.String("conversation_id", rec.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve conversation"})
		return
	}
	c.JSON(http.StatusOK, models.ConversationEnvelope{Conversation: v})
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

// GetMessages returns one page of history. Page 1 holds the newest messages;
// each page is in chronological order.
// GET /dm/conversations/:id/messages?page=<int>&limit=<int>
func (h *RestHandler) GetMessages(c *gin.Context) {
	page, ok := queryInt(c, "page", 1)
	if !ok || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "page must be a positive integer"})
		return
	}
	limit, ok := queryInt(c, "limit", defaultPageLimit)
	if !ok || limit < 1 || limit > maxPageLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
		return
	}

	rec, ok := h.participantConversation(c)
	if !ok {
		return
	}

	// One extra row tells whether an older page exists.
	newestFirst, err := h.messages.GetMessages(c.Request.Context(), rec.ID, limit+1, (page-1)*limit)
	if err != nil {
		h.logger.Error("get messages failed", zap.String("conversation_id", rec.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve messages"})
		return
	}
	hasMore := len(newestFirst) > limit
	if hasMore {
		newestFirst = newestFirst[:limit]
	}
	msgs := make([]*models.Message, len(newestFirst))
	for i, m := range newestFirst {
		msgs[len(newestFirst)-1-i] = m
	}

	c.JSON(http.StatusOK, models.MessagePage{
		Messages:   msgs,
		Pagination: models.Pagination{Page: page, Limit: limit, HasMore: hasMore},
	})
}

// PostMessage stores a message and pushes it to the recipient.
// POST /dm/conversations/:id/messages
func (h *RestHandler) PostMessage(c *gin.Context) {
	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message content cannot be empty"})
		return
	}
	rec, ok := h.participantConversation(c)
	if !ok {
		return
	}
	senderID := middleware.UserID(c)
	ctx := c.Request.Context()

	message := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: rec.ID,
		SenderID:       senderID,
		Content:        req.Content,
		CreatedAt:      h.timestamp(),
		Status:         models.StatusSent,
	}
	if err := h.messages.CreateMessage(ctx, message); err != nil {
		h.logger.Error("store message failed", zap.String("conversation_id", rec.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send message"})
		return
	}

	recipientID := rec.Other(senderID)
	payload := models.NewMessagePayload{Message: message}
	if v, err := h.view(ctx, rec, recipientID); err == nil {
		payload.Conversation = v
	} else {
		h.logger.Warn("render recipient conversation failed", zap.String("conversation_id", rec.ID), zap.Error(err))
	}
	h.broadcaster.EmitToUsers(models.NamespaceMessages, []string{recipientID}, models.EventMessageNew, payload)

	c.JSON(http.StatusCreated, models.MessageEnvelope{Message: message})
}

// MarkRead marks every message addressed to the caller as read and tells
// both participants when anything changed.
// POST /dm/conversations/:id/read
func (h *RestHandler) MarkRead(c *gin.Context) {
	rec, ok := h.participantConversation(c)
	if !ok {
		return
	}
	readerID := middleware.UserID(c)

	n, err := h.messages.MarkRead(c.Request.Context(), rec.ID, readerID)
	if err != nil {
		h.logger.Error("mark read failed", zap.String("conversation_id", rec.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark conversation as read"})
		return
	}
	if n > 0 {
		h.broadcaster.EmitToUsers(models.NamespaceMessages, rec.Participants[:], models.EventMessagesRead, models.MessagesReadPayload{
			ConversationID: rec.ID,
			ReadBy:         readerID,
			ReadAt:         models.JSONTime(h.timestamp()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// UnreadCount totals unread messages across the caller's conversations.
// GET /dm/unread-count
func (h *RestHandler) UnreadCount(c *gin.Context) {
	userID := middleware.UserID(c)
	ctx := c.Request.Context()

	records, err := h.conversations.ListUserConversations(ctx, userID)
	if err != nil {
		h.logger.Error("list conversations failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count unread messages"})
		return
	}
	total := 0
	for _, rec := range records {
		n, err := h.messages.CountUnread(ctx, rec.ID, userID)
		if err != nil {
			h.logger.Error("count unread failed", zap.String("conversation_id", rec.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count unread messages"})
			return
		}
		total += n
	}
	c.JSON(http.StatusOK, models.UnreadCountResponse{UnreadCount: total})
}
