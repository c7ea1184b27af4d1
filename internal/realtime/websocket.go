package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"skatedm-client/internal/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

type transportOptions struct {
	httpClient *http.Client
	wsDialer   *websocket.Dialer
}

type TransportOption func(*transportOptions)

// WithHTTPClient sets the client used by the polling transport. Its Timeout
// must exceed the server's long-poll hold time.
func WithHTTPClient(hc *http.Client) TransportOption {
	return func(o *transportOptions) { o.httpClient = hc }
}

func WithWebsocketDialer(d *websocket.Dialer) TransportOption {
	return func(o *transportOptions) { o.wsDialer = d }
}

func websocketDialer(o transportOptions) Dialer {
	d := o.wsDialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	return func(ctx context.Context, ep Endpoint) (Conn, error) {
		u, err := namespaceURL(ep, true, "")
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("token", ep.Token)
		u.RawQuery = q.Encode()

		conn, resp, err := d.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket dial %s: %w (status %d)", ep.Namespace, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("websocket dial %s: %w", ep.Namespace, err)
		}
		return newWSConn(conn), nil
	}
}

// wsConn keeps the socket alive with pings and refreshes the read deadline
// on every pong, ping or frame.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, done: make(chan struct{})}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	go c.pingLoop()
	return c
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Read() (models.Frame, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return models.Frame{}, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		var f models.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return models.Frame{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		return f, nil
	}
}

func (c *wsConn) Write(f models.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) Transport() string { return TransportWebsocket }
