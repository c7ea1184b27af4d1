package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"skatedm-client/internal/models"
	"skatedm-client/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// pollHold is how long a poll GET waits for a frame before returning [].
	pollHold = 25 * time.Second
	// pollIdle is how long a polling session may go without a poll.
	pollIdle = 60 * time.Second
)

// The dev gateway accepts any origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler serves the real-time namespaces over websockets and long-polling.
type Handler struct {
	hub    *Hub
	secret string
	logger *zap.Logger

	hold time.Duration

	mu       sync.Mutex
	sessions map[string]*Client // poll sid → client
}

// NewHandler returns a Handler that authenticates connections with tokens
// signed by secret.
func NewHandler(hub *Hub, secret string, logger *zap.Logger) *Handler {
	return &Handler{
		hub:      hub,
		secret:   secret,
		logger:   logger.Named("rt"),
		hold:     pollHold,
		sessions: make(map[string]*Client),
	}
}

// RegisterRoutes mounts the namespace routes on rg.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/:ns", h.HandleWebSocket)
	rg.POST("/:ns/poll", h.OpenPoll)
	rg.GET("/:ns/poll", h.Poll)
	rg.POST("/:ns/poll/emit", h.Emit)
	rg.DELETE("/:ns/poll", h.ClosePoll)
}

// authenticate resolves the namespace and the caller from ?token=. It writes
// the error response itself.
func (h *Handler) authenticate(c *gin.Context) (namespace, userID string, ok bool) {
	namespace, ok = namespaceFromParam(c.Param("ns"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Unknown namespace"})
		return "", "", false
	}
	token := c.Query("token")
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing authentication token"})
		return "", "", false
	}
	claims, err := utils.ValidateJWT(token, h.secret)
	if err != nil {
		h.logger.Info("rejected real-time connection", zap.String("namespace", namespace), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
		return "", "", false
	}
	return namespace, claims.UserID, true
}

// HandleWebSocket upgrades GET /rt/:ns?token=<jwt>.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	namespace, userID, ok := h.authenticate(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	client := newClient(h.hub, namespace, userID, transportWebsocket, conn)
	if !h.hub.Register(client) {
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

// OpenPoll starts a polling session: POST /rt/:ns/poll?token=<jwt>.
func (h *Handler) OpenPoll(c *gin.Context) {
	namespace, userID, ok := h.authenticate(c)
	if !ok {
		return
	}
	client := newClient(h.hub, namespace, userID, transportPolling, nil)
	if !h.hub.Register(client) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Gateway is shutting down"})
		return
	}
	h.mu.Lock()
	h.sessions[client.id] = client
	h.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"sid": client.id})
}

func (h *Handler) session(c *gin.Context) (*Client, bool) {
	if _, ok := namespaceFromParam(c.Param("ns")); !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Unknown namespace"})
		return nil, false
	}
	h.mu.Lock()
	client, ok := h.sessions[c.Query("sid")]
	h.mu.Unlock()
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Unknown session"})
		return nil, false
	}
	return client, true
}

func (h *Handler) forget(client *Client) {
	h.mu.Lock()
	delete(h.sessions, client.id)
	h.mu.Unlock()
}

// Poll holds GET /rt/:ns/poll?sid= until frames arrive or the hold expires.
func (h *Handler) Poll(c *gin.Context) {
	client, ok := h.session(c)
	if !ok {
		return
	}
	frames, open := client.drain(c.Request.Context(), h.hold)
	if !open {
		h.forget(client)
		if len(frames) == 0 {
			c.JSON(http.StatusGone, gin.H{"error": "Session closed"})
			return
		}
	}
	c.JSON(http.StatusOK, frames)
}

// Emit accepts one frame from the client: POST /rt/:ns/poll/emit?sid=.
func (h *Handler) Emit(c *gin.Context) {
	client, ok := h.session(c)
	if !ok {
		return
	}
	var f models.Frame
	if err := c.ShouldBindJSON(&f); err != nil || f.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid frame format"})
		return
	}
	client.touch()
	if !h.hub.Dispatch(client, f) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Gateway is shutting down"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ClosePoll ends a polling session: DELETE /rt/:ns/poll?sid=.
func (h *Handler) ClosePoll(c *gin.Context) {
	client, ok := h.session(c)
	if !ok {
		return
	}
	h.forget(client)
	h.hub.Unregister(client)
	c.Status(http.StatusNoContent)
}

// ReapIdle closes polling sessions with no poll since before cutoff and
// returns how many it closed.
func (h *Handler) ReapIdle(cutoff time.Time) int {
	h.mu.Lock()
	var idle []*Client
	for sid, client := range h.sessions {
		if client.idleSince(cutoff) {
			idle = append(idle, client)
			delete(h.sessions, sid)
		}
	}
	h.mu.Unlock()

	for _, client := range idle {
		client.logger.Info("reaping idle polling session")
		h.hub.Unregister(client)
	}
	return len(idle)
}

// RunReaper calls ReapIdle periodically until ctx ends.
func (h *Handler) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(pollIdle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.ReapIdle(now.Add(-pollIdle))
		}
	}
}
