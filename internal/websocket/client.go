package websocket

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"skatedm-client/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
)

// Client is one real-time session, over a websocket or a long-poll
// session. The hub owns send: it is closed exactly once, on unregister.
type Client struct {
	hub       *Hub
	id        string
	namespace string
	userID    string
	transport string
	conn      *websocket.Conn // nil for polling
	send      chan models.Frame
	logger    *zap.Logger

	// Hub-owned, guarded by hub.mu.
	rooms map[string]bool

	lastPoll atomic.Int64 // unix nanos of the latest poll activity
	polling  atomic.Int32 // polls in flight
}

func newClient(hub *Hub, namespace, userID, transport string, conn *websocket.Conn) *Client {
	c := &Client{
		hub:       hub,
		id:        uuid.NewString(),
		namespace: namespace,
		userID:    userID,
		transport: transport,
		conn:      conn,
		send:      make(chan models.Frame, sendBuffer),
		rooms:     make(map[string]bool),
	}
	c.logger = hub.logger.With(
		zap.String("client_id", c.id),
		zap.String("user_id", userID),
		zap.String("namespace", namespace),
		zap.String("transport", transport),
	)
	c.touch()
	return c
}

// enqueue queues f without blocking. Callers hold hub.mu.
func (c *Client) enqueue(f models.Frame) {
	select {
	case c.send <- f:
	default:
		c.logger.Warn("send buffer full, dropping frame", zap.String("event", f.Event))
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.logger.Debug("read pump stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Info("connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var f models.Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Event == "" {
			c.hub.Dispatch(c, models.Frame{})
			continue
		}
		if !c.hub.Dispatch(c, f) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug("next writer failed", zap.Error(err))
				return
			}
			if err := json.NewEncoder(w).Encode(f); err != nil {
				c.logger.Debug("frame write failed", zap.String("event", f.Event), zap.Error(err))
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) touch() {
	c.lastPoll.Store(time.Now().UnixNano())
}

// drain waits up to hold for a frame, then returns it with everything else
// already queued. ok is false once the hub has closed the client.
func (c *Client) drain(ctx context.Context, hold time.Duration) (frames []models.Frame, ok bool) {
	c.polling.Add(1)
	c.touch()
	defer func() {
		c.touch()
		c.polling.Add(-1)
	}()

	timer := time.NewTimer(hold)
	defer timer.Stop()

	frames = []models.Frame{}
	select {
	case f, open := <-c.send:
		if !open {
			return frames, false
		}
		frames = append(frames, f)
	case <-timer.C:
		return frames, true
	case <-ctx.Done():
		return frames, true
	}
	for {
		select {
		case f, open := <-c.send:
			if !open {
				return frames, false
			}
			frames = append(frames, f)
		default:
			return frames, true
		}
	}
}

func (c *Client) idleSince(cutoff time.Time) bool {
	return c.polling.Load() == 0 && time.Unix(0, c.lastPoll.Load()).Before(cutoff)
}
