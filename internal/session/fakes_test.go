package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"skatedm-client/internal/api"
	"skatedm-client/internal/models"
	"skatedm-client/internal/realtime"
	"skatedm-client/internal/typing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	alice = "u-alice"
	bob   = "u-bob"
)

var t0 = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu sync.Mutex

	convs      []*models.Conversation
	pages      map[string]map[int]*models.MessagePage
	unread     int
	convErr    error
	sendErr    error
	nextID     int
	pageGate   chan struct{}
	sendGate   chan struct{}
	countGate  chan struct{}
	listCalls  int
	countCalls int
	marked     []string
	sent       []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{pages: make(map[string]map[int]*models.MessagePage)}
}

func (g *fakeGateway) addConversation(c *models.Conversation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.convs = append(g.convs, c)
}

func (g *fakeGateway) setPage(convID string, p *models.MessagePage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pages[convID] == nil {
		g.pages[convID] = make(map[int]*models.MessagePage)
	}
	g.pages[convID][p.Pagination.Page] = p
}

func (g *fakeGateway) setUnread(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unread = n
}

func (g *fakeGateway) counts() (list, unread int, marked []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls, g.countCalls, append([]string(nil), g.marked...)
}

func (g *fakeGateway) ListConversations(ctx context.Context, token string) ([]*models.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	out := make([]*models.Conversation, len(g.convs))
	for i, c := range g.convs {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

func (g *fakeGateway) GetConversation(ctx context.Context, id, token string) (*models.Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.convErr != nil {
		return nil, g.convErr
	}
	for _, c := range g.convs {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, &api.Error{Kind: api.ErrNotFound, StatusCode: 404, Message: "conversation not found"}
}

func (g *fakeGateway) GetMessages(ctx context.Context, id string, req api.PageRequest, token string) (*models.MessagePage, error) {
	g.mu.Lock()
	gate := g.pageGate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pages[id][req.Page]; ok {
		cp := *p
		return &cp, nil
	}
	return &models.MessagePage{Pagination: models.Pagination{Page: req.Page, Limit: req.Limit}}, nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, id, content, token string) (*models.Message, error) {
	g.mu.Lock()
	gate := g.sendGate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	g.nextID++
	g.sent = append(g.sent, content)
	return &models.Message{
		ID:             fmt.Sprintf("srv-%d", g.nextID),
		ConversationID: id,
		SenderID:       alice,
		Content:        content,
		CreatedAt:      time.Now(),
		Status:         models.StatusSent,
	}, nil
}

func (g *fakeGateway) MarkAsRead(ctx context.Context, id, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marked = append(g.marked, id)
	g.unread = 0
	return nil
}

// GetUnreadCount reads the count before waiting on countGate, so a gated
// call answers with the value current when it was issued.
func (g *fakeGateway) GetUnreadCount(ctx context.Context, token string) (int, error) {
	g.mu.Lock()
	g.countCalls++
	n, gate := g.unread, g.countGate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return n, nil
}

func (g *fakeGateway) set(f func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f(g)
}

// fakeChannel records emits and lets tests fire server events.
type fakeChannel struct {
	mu       sync.Mutex
	handlers map[string]map[int]realtime.Handler
	next     int
	emitted  []models.Frame
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string]map[int]realtime.Handler)}
}

func (c *fakeChannel) On(event string, h realtime.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]realtime.Handler)
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *fakeChannel) Emit(event string, payload interface{}) error {
	f, err := models.NewFrame(event, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, f)
	return nil
}

func (c *fakeChannel) Connected() bool { return true }

func (c *fakeChannel) fire(t *testing.T, event string, payload interface{}) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		data = b
	}
	c.mu.Lock()
	ids := make([]int, 0, len(c.handlers[event]))
	for id := range c.handlers[event] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]realtime.Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, c.handlers[event][id])
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

func (c *fakeChannel) handlersFor(event string) []realtime.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.Handler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		out = append(out, h)
	}
	return out
}

func (c *fakeChannel) subscribers(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

// emits returns the emitted event names, optionally filtered.
func (c *fakeChannel) emits(only ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.emitted {
		if len(only) == 0 {
			out = append(out, f.Event)
			continue
		}
		for _, o := range only {
			if f.Event == o {
				out = append(out, f.Event)
			}
		}
	}
	return out
}

type fakeConnector struct {
	channels map[string]*fakeChannel
}

func (fc *fakeConnector) Connect(namespace, token string) (Channel, error) {
	ch, ok := fc.channels[namespace]
	if !ok {
		return nil, realtime.ErrNotConnected
	}
	return ch, nil
}

type updateLog struct {
	mu      sync.Mutex
	updates []Update
}

func (l *updateLog) record(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, u)
}

func (l *updateLog) find(kind UpdateKind) (Update, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.updates) - 1; i >= 0; i-- {
		if l.updates[i].Kind == kind {
			return l.updates[i], true
		}
	}
	return Update{}, false
}

// sawBadge reports whether a badge update with count n was published.
func (l *updateLog) sawBadge(n int) func() bool {
	return func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		for _, u := range l.updates {
			if u.Kind == UpdateBadge && u.Count == n {
				return true
			}
		}
		return false
	}
}

type harness struct {
	s       *Session
	gw      *fakeGateway
	ch      *fakeChannel
	sched   *typing.ManualScheduler
	updates *updateLog
}

func startHarness(t *testing.T, gw *fakeGateway) *harness {
	t.Helper()
	ch := newFakeChannel()
	sched := typing.NewManualScheduler()
	s, err := New(Options{
		Token:               "tok",
		ViewerID:            alice,
		Gateway:             gw,
		Realtime:            &fakeConnector{channels: map[string]*fakeChannel{models.NamespaceMessages: ch}},
		PageSize:            50,
		TypingIdle:          typing.DefaultIdle,
		RemoteTypingTimeout: typing.DefaultRemoteTimeout,
		Scheduler:           sched,
		Logger:              zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	h := &harness{s: s, gw: gw, ch: ch, sched: sched, updates: &updateLog{}}
	s.Subscribe(h.updates.record)

	go func() { _ = s.Run(context.Background()) }()
	<-s.Started()
	t.Cleanup(s.Close)
	require.NoError(t, s.Start())
	h.eventually(t, func() bool {
		_, badge := h.updates.find(UpdateBadge)
		_, list := h.updates.find(UpdateConversations)
		return badge && list
	}, "header never seeded")
	return h
}

func (h *harness) eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func (h *harness) snapshot(t *testing.T, v *ConversationView) ViewSnapshot {
	t.Helper()
	snap, ok := v.Snapshot()
	require.True(t, ok)
	return snap
}

func message(id, conv, sender string, offset time.Duration) *models.Message {
	return &models.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        "text " + id,
		CreatedAt:      t0.Add(offset),
		Status:         models.StatusSent,
	}
}

// historyPage builds page n where page 1 holds the newest limit messages.
func historyPage(conv string, n, limit int, hasMore bool) *models.MessagePage {
	msgs := make([]*models.Message, 0, limit)
	for i := 0; i < limit; i++ {
		offset := time.Duration(-n*limit+i) * time.Second
		sender := bob
		if i%2 == 0 {
			sender = alice
		}
		msgs = append(msgs, message(fmt.Sprintf("%s-p%d-%02d", conv, n, i), conv, sender, offset))
	}
	return &models.MessagePage{Messages: msgs, Pagination: models.Pagination{Page: n, Limit: limit, HasMore: hasMore}}
}
