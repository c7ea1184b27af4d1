package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"skatedm-client/internal/models"

	"go.uber.org/zap"
)

// Lifecycle events dispatched to On handlers alongside server events.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventError        = models.EventError
)

// State of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// outboxSize bounds the frames queued for the writer of one transport session.
const outboxSize = 64

// Handler receives an event's raw data. Handlers of one Connection run one
// at a time in receipt order on the connection's goroutine.
type Handler func(data json.RawMessage)

// Connection is a reconnecting channel to one namespace.
type Connection struct {
	namespace  string
	token      string
	gatewayURL string
	dial       Dialer
	policy     Policy
	logger     *zap.Logger

	mu       sync.Mutex
	state    State
	conn     Conn
	outbox   chan models.Frame
	changed  chan struct{}
	handlers map[string]map[uint64]Handler
	nextID   uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newConnection(gatewayURL, namespace, token string, dial Dialer, policy Policy, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		namespace:  namespace,
		token:      token,
		gatewayURL: gatewayURL,
		dial:       dial,
		policy:     policy,
		logger:     logger.With(zap.String("namespace", namespace)),
		state:      StateConnecting,
		changed:    make(chan struct{}),
		handlers:   make(map[string]map[uint64]Handler),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, ev := range []string{EventConnect, EventDisconnect, EventConnectError, EventError} {
		ev := ev
		c.On(ev, func(data json.RawMessage) {
			c.logger.Debug("lifecycle", zap.String("event", ev), zap.ByteString("data", data))
		})
	}
	return c
}

func (c *Connection) start() {
	go c.run()
}

func (c *Connection) Namespace() string { return c.namespace }
func (c *Connection) Token() string     { return c.token }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Connected() bool { return c.State() == StateConnected }

// Transport names the transport in use, or "" when not connected.
func (c *Connection) Transport() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.Transport()
}

// On subscribes h to event and returns a function that cancels the
// subscription. Calling the returned function more than once is harmless.
func (c *Connection) On(event string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// Emit queues an event with a JSON payload for the connection's writer and
// returns without waiting for the transport. Write failures are logged.
func (c *Connection) Emit(event string, payload interface{}) error {
	f, err := models.NewFrame(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.outbox == nil {
		return ErrNotConnected
	}
	select {
	case c.outbox <- f:
		return nil
	default:
		return ErrOutboxFull
	}
}

// WaitConnected blocks until the connection is up, has failed for good, or
// ctx ends.
func (c *Connection) WaitConnected(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, changed := c.state, c.changed
		c.mu.Unlock()
		switch state {
		case StateConnected:
			return nil
		case StateFailed:
			return ErrConnectFailed
		case StateDisconnected:
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close stops reconnection and tears down the transport. Idempotent.
func (c *Connection) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	<-c.done
	return nil
}

// Done is closed once the connection has stopped for good.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) setState(s State, conn Conn, outbox chan models.Frame) {
	c.mu.Lock()
	c.state = s
	c.conn = conn
	c.outbox = outbox
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

func (c *Connection) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	subs := c.handlers[event]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = subs[id]
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

func errorData(err error) json.RawMessage {
	data, _ := json.Marshal(models.ErrorPayload{Message: err.Error()})
	return data
}

func (c *Connection) run() {
	defer close(c.done)
	defer func() {
		if c.State() != StateFailed {
			c.setState(StateDisconnected, nil, nil)
		}
	}()

	reconnects := 0
	for {
		if reconnects > 0 {
			delay := c.policy.Delay(reconnects)
			c.logger.Debug("reconnecting", zap.Int("attempt", reconnects), zap.Duration("delay", delay))
			if !c.wait(delay) {
				return
			}
		}

		conn, err := c.connect()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.dispatch(EventConnectError, errorData(err))
			if reconnects >= c.policy.Attempts {
				c.logger.Warn("giving up on realtime connection",
					zap.Int("attempts", reconnects),
					zap.Error(err))
				c.setState(StateFailed, nil, nil)
				return
			}
			reconnects++
			continue
		}

		reconnects = 0
		outbox := make(chan models.Frame, outboxSize)
		c.setState(StateConnected, conn, outbox)
		if c.ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		stopWriter := make(chan struct{})
		writerDone := make(chan struct{})
		go c.writeLoop(conn, outbox, stopWriter, writerDone)
		c.logger.Info("realtime connected", zap.String("transport", conn.Transport()))
		c.dispatch(EventConnect, nil)

		readErr := c.readLoop(conn)
		_ = conn.Close()
		close(stopWriter)
		<-writerDone
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting, nil, nil)
		c.logger.Info("realtime disconnected", zap.Error(readErr))
		c.dispatch(EventDisconnect, errorData(readErr))
		reconnects = 1
	}
}

func (c *Connection) connect() (Conn, error) {
	timeout := c.policy.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(c.ctx, timeout)
	defer cancel()
	conn, err := c.dial(ctx, Endpoint{GatewayURL: c.gatewayURL, Namespace: c.namespace, Token: c.token})
	if err != nil {
		return nil, err
	}
	// Close may have run between dial and now.
	if c.ctx.Err() != nil {
		_ = conn.Close()
		return nil, ErrClosed
	}
	return conn, nil
}

// writeLoop drains outbox onto conn in order until stop is closed. A slow
// write holds up only this goroutine.
func (c *Connection) writeLoop(conn Conn, outbox <-chan models.Frame, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case f := <-outbox:
			if err := conn.Write(f); err != nil {
				c.logger.Warn("emit failed", zap.String("event", f.Event), zap.Error(err))
			}
		}
	}
}

func (c *Connection) readLoop(conn Conn) error {
	for {
		f, err := conn.Read()
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				c.logger.Debug("dropping frame", zap.Error(err))
				continue
			}
			return err
		}
		if f.Event == "" {
			continue
		}
		c.dispatch(f.Event, f.Data)
	}
}

func (c *Connection) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
