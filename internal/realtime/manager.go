package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Manager owns at most one Connection per namespace. Create one per signed-in
// session and Close it at sign-out.
type Manager struct {
	gatewayURL string
	dial       Dialer
	policies   map[string]Policy
	logger     *zap.Logger

	mu     sync.Mutex
	conns  map[string]*Connection
	closed bool
}

type ManagerOption func(*Manager)

// WithDialer replaces the transport dialer.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dial = d }
}

// WithPolicy overrides the reconnection policy of one namespace.
func WithPolicy(namespace string, p Policy) ManagerOption {
	return func(m *Manager) { m.policies[namespace] = p }
}

func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a Manager dialing gatewayURL (e.g. ws://host:8080/rt).
// Without WithDialer it tries websocket, then polling.
func NewManager(gatewayURL string, opts ...ManagerOption) *Manager {
	m := &Manager{
		gatewayURL: gatewayURL,
		policies:   make(map[string]Policy),
		logger:     zap.NewNop(),
		conns:      make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dial == nil {
		m.dial, _ = TransportDialer([]string{TransportWebsocket, TransportPolling})
	}
	m.logger = m.logger.Named("realtime")
	return m
}

// Connect returns the namespace's connection. A live or still-connecting
// connection for the same token is reused; anything else is torn down and
// replaced. The returned connection dials in the background; use
// WaitConnected to block.
func (m *Manager) Connect(namespace, token string) (*Connection, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	stale := m.conns[namespace]
	if stale != nil && stale.Token() == token {
		switch stale.State() {
		case StateConnected, StateConnecting:
			m.mu.Unlock()
			return stale, nil
		}
	}
	policy, ok := m.policies[namespace]
	if !ok {
		policy = PolicyFor(namespace)
	}
	c := newConnection(m.gatewayURL, namespace, token, m.dial, policy, m.logger)
	m.conns[namespace] = c
	m.mu.Unlock()

	if stale != nil {
		m.logger.Debug("replacing stale connection",
			zap.String("namespace", namespace),
			zap.String("state", stale.State().String()))
		_ = stale.Close()
	}
	c.start()
	return c, nil
}

// Get returns the current connection of a namespace, if any.
func (m *Manager) Get(namespace string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[namespace]
	return c, ok
}

// Disconnect closes and forgets the namespace's connection. Idempotent.
func (m *Manager) Disconnect(namespace string) {
	m.mu.Lock()
	c := m.conns[namespace]
	delete(m.conns, namespace)
	m.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// Close disconnects every namespace. Later Connect calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.closed = true
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			_ = c.Close()
		}(c)
	}
	wg.Wait()
	return nil
}
