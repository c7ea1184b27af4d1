package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"skatedm-client/internal/api"
	"skatedm-client/internal/conversation"
	"skatedm-client/internal/models"
	"skatedm-client/internal/realtime"
	"skatedm-client/internal/typing"
	"skatedm-client/internal/unread"
	"skatedm-client/internal/utils"

	"go.uber.org/zap"
)

var (
	ErrNoToken  = errors.New("session: token is required")
	ErrStopped  = errors.New("session: not running")
	ErrNotReady = errors.New("session: header not started")
)

const defaultPageSize = 50

// UpdateKind says which part of the rendered state changed.
type UpdateKind int

const (
	UpdateBadge UpdateKind = iota
	UpdateConversations
	UpdateMessages
	UpdateTyping
	UpdateViewState
	UpdateSendFailed
	UpdateNavigateAway
	UpdateAuthRequired
	UpdateConnection
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateBadge:
		return "badge"
	case UpdateConversations:
		return "conversations"
	case UpdateMessages:
		return "messages"
	case UpdateTyping:
		return "typing"
	case UpdateViewState:
		return "view_state"
	case UpdateSendFailed:
		return "send_failed"
	case UpdateNavigateAway:
		return "navigate_away"
	case UpdateAuthRequired:
		return "auth_required"
	case UpdateConnection:
		return "connection"
	}
	return "unknown"
}

// Update is delivered to observers on the session loop. Only the fields
// relevant to Kind are set.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	Namespace      string

	Count int // unread total, or list length for UpdateConversations
	Badge string

	State     conversation.State
	Typing    bool
	Connected bool
	Draft     string
	Err       error
}

// Options configures a Session. Gateway, Realtime and Token are required.
type Options struct {
	Token string
	// ViewerID defaults to the token's user_id claim.
	ViewerID string

	Gateway  Gateway
	Realtime Connector

	PageSize            int
	TypingIdle          time.Duration
	RemoteTypingTimeout time.Duration
	EnableFeed          bool

	// Scheduler drives typing timers; callbacks are re-posted onto the loop.
	Scheduler typing.Scheduler
	Logger    *zap.Logger
}

// Session runs one signed-in user's DM state on a single goroutine. Socket
// callbacks, timers and REST continuations are posted to it and executed one
// at a time, so the stores it owns need no locking.
type Session struct {
	token    string
	viewerID string

	gateway       Gateway
	connector     Connector
	pageSize      int
	typingIdle    time.Duration
	remoteTimeout time.Duration
	enableFeed    bool
	sched         typing.Scheduler
	logger        *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	posts    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	begun    chan struct{}
	done     chan struct{}
	running  atomic.Bool

	obsMu     sync.Mutex
	observers map[uint64]func(Update)
	nextObs   uint64

	// Owned by the loop.
	started      bool
	badge        *unread.Tracker
	convs        []*models.Conversation
	listGen      uint64
	messages     Channel
	headerUnsubs []func()
	view         *ConversationView
	authReported bool
}

// New validates opts and returns a Session that is not yet running.
func New(opts Options) (*Session, error) {
	if opts.Token == "" {
		return nil, ErrNoToken
	}
	if opts.Gateway == nil || opts.Realtime == nil {
		return nil, errors.New("session: gateway and realtime connector are required")
	}
	viewerID := opts.ViewerID
	if viewerID == "" {
		id, err := utils.ViewerIDFromToken(opts.Token)
		if err != nil {
			return nil, err
		}
		viewerID = id
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	base := opts.Scheduler
	if base == nil {
		base = typing.WallClock
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		token:         opts.Token,
		viewerID:      viewerID,
		gateway:       opts.Gateway,
		connector:     opts.Realtime,
		pageSize:      pageSize,
		typingIdle:    opts.TypingIdle,
		remoteTimeout: opts.RemoteTypingTimeout,
		enableFeed:    opts.EnableFeed,
		logger:        logger.Named("session").With(zap.String("viewer_id", viewerID)),
		ctx:           ctx,
		cancel:        cancel,
		posts:         make(chan func(), 256),
		stop:          make(chan struct{}),
		begun:         make(chan struct{}),
		done:          make(chan struct{}),
		observers:     make(map[uint64]func(Update)),
		badge:         unread.NewTracker(viewerID),
	}
	s.sched = loopScheduler{base: base, post: s.post}
	return s, nil
}

// ViewerID is the signed-in user's id.
func (s *Session) ViewerID() string { return s.viewerID }

// Run executes posted work until ctx ends or Close is called.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	defer close(s.done)
	close(s.begun)
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return ctx.Err()
		case <-s.stop:
			s.teardown()
			return nil
		case f := <-s.posts:
			f()
		}
	}
}

// Close stops the loop after tearing down subscriptions. It does not close
// the realtime connections; their Manager belongs to the caller.
func (s *Session) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.running.Load() {
		<-s.done
	} else {
		s.cancel()
	}
}

// Started is closed once Run has begun. Calls made before then fail with
// ErrStopped, so callers that start Run on a goroutine wait on it first.
func (s *Session) Started() <-chan struct{} { return s.begun }

// Subscribe registers an observer called on the loop for every Update.
// Observers must not call back into the Session or its views: those calls
// wait for the loop, which is busy running the observer.
func (s *Session) Subscribe(fn func(Update)) func() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.nextObs++
	id := s.nextObs
	s.observers[id] = fn
	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		delete(s.observers, id)
	}
}

// Start mounts the header controller: connects the realtime namespaces and
// seeds the badge and the conversation list.
func (s *Session) Start() error {
	var err error
	if !s.do(func() { err = s.mountHeader() }) {
		return ErrStopped
	}
	return err
}

// Badge returns the unread count and its rendered label.
func (s *Session) Badge() (int, string) {
	var n int
	var label string
	s.do(func() {
		n, label = s.badge.Count(), s.badge.Label()
	})
	return n, label
}

// Conversations returns a copy of the conversation list, most recent first.
func (s *Session) Conversations() []models.Conversation {
	var out []models.Conversation
	s.do(func() {
		out = make([]models.Conversation, len(s.convs))
		for i, c := range s.convs {
			out[i] = *c
		}
	})
	return out
}

// OpenConversation mounts a conversation view, closing the previous one.
func (s *Session) OpenConversation(conversationID string) (*ConversationView, error) {
	var v *ConversationView
	var err error
	ok := s.do(func() {
		if !s.started {
			err = ErrNotReady
			return
		}
		if s.view != nil {
			s.view.close()
		}
		v = newView(s, conversationID)
		s.view = v
		s.badge.SetActiveConversation(conversationID)
		v.mount()
	})
	if !ok {
		return nil, ErrStopped
	}
	return v, err
}

func (s *Session) post(f func()) {
	select {
	case s.posts <- f:
	case <-s.stop:
	case <-s.done:
	}
}

// do runs f on the loop and waits for it. It reports false when the loop is
// not running; f is then never run.
func (s *Session) do(f func()) bool {
	if !s.running.Load() {
		return false
	}
	var claimed atomic.Bool
	ran := make(chan struct{})
	s.post(func() {
		if !claimed.CompareAndSwap(false, true) {
			return
		}
		f()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-s.stop:
	case <-s.done:
	}
	if claimed.CompareAndSwap(false, true) {
		return false
	}
	// The loop picked f up before stopping.
	<-ran
	return true
}

// handler decodes an event payload off-loop and posts fn with the result.
func handler[T any](s *Session, event string, fn func(T)) realtime.Handler {
	return func(data json.RawMessage) {
		var p T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				s.logger.Debug("dropping undecodable event", zap.String("event", event), zap.Error(err))
				return
			}
		}
		s.post(func() { fn(p) })
	}
}

func (s *Session) publish(u Update) {
	s.obsMu.Lock()
	fns := make([]func(Update), 0, len(s.observers))
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (s *Session) publishBadge() {
	s.publish(Update{Kind: UpdateBadge, Count: s.badge.Count(), Badge: s.badge.Label()})
}

func (s *Session) publishConversations() {
	s.publish(Update{Kind: UpdateConversations, Count: len(s.convs)})
}

func (s *Session) mountHeader() error {
	if s.started {
		return nil
	}
	ch, err := s.connector.Connect(models.NamespaceMessages, s.token)
	if err != nil {
		return err
	}
	s.messages = ch
	s.started = true

	s.headerUnsubs = append(s.headerUnsubs,
		ch.On(models.EventMessageNew, handler(s, models.EventMessageNew, s.onMessageNew)),
		ch.On(models.EventMessagesRead, handler(s, models.EventMessagesRead, s.onMessagesRead)),
		ch.On(realtime.EventConnect, func(json.RawMessage) { s.post(func() { s.onConnect(models.NamespaceMessages) }) }),
		ch.On(realtime.EventDisconnect, func(json.RawMessage) { s.post(func() { s.onDisconnect(models.NamespaceMessages, nil) }) }),
		ch.On(realtime.EventConnectError, handler(s, realtime.EventConnectError, func(p models.ErrorPayload) {
			s.onDisconnect(models.NamespaceMessages, errors.New(p.Message))
		})),
		ch.On(models.EventError, handler(s, models.EventError, func(p models.ErrorPayload) {
			s.logger.Debug("gateway error", zap.String("message", p.Message), zap.Int("code", p.Code))
		})),
	)

	if s.enableFeed {
		feed, err := s.connector.Connect(models.NamespaceFeed, s.token)
		if err != nil {
			s.logger.Warn("feed connection unavailable", zap.Error(err))
		} else {
			s.headerUnsubs = append(s.headerUnsubs,
				feed.On(realtime.EventConnect, func(json.RawMessage) { s.post(func() { s.onConnect(models.NamespaceFeed) }) }),
				feed.On(realtime.EventDisconnect, func(json.RawMessage) { s.post(func() { s.onDisconnect(models.NamespaceFeed, nil) }) }),
			)
		}
	}

	s.refreshBadge()
	s.refreshConversations()
	return nil
}

func (s *Session) onConnect(namespace string) {
	s.publish(Update{Kind: UpdateConnection, Namespace: namespace, Connected: true})
}

func (s *Session) onDisconnect(namespace string, err error) {
	if err != nil {
		s.logger.Debug("realtime connect error", zap.String("namespace", namespace), zap.Error(err))
	}
	s.publish(Update{Kind: UpdateConnection, Namespace: namespace, Connected: false, Err: err})
}

func (s *Session) teardown() {
	if s.view != nil {
		s.view.close()
	}
	for _, unsub := range s.headerUnsubs {
		unsub()
	}
	s.headerUnsubs = nil
	s.cancel()
}

// restError routes a REST failure: auth problems are surfaced once, the rest
// only logged.
func (s *Session) restError(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, api.ErrAuth) {
		if !s.authReported {
			s.authReported = true
			s.publish(Update{Kind: UpdateAuthRequired, Err: err})
		}
		return
	}
	s.logger.Warn("request failed", zap.String("op", op), zap.Error(err))
}

func (s *Session) refreshBadge() {
	token := s.badge.BeginRefetch()
	go func() {
		n, err := s.gateway.GetUnreadCount(s.ctx, s.token)
		s.post(func() {
			if err != nil {
				s.badge.AbandonRefetch(token)
				s.restError("unread count", err)
				return
			}
			if s.badge.ApplyRefetch(token, n) {
				s.publishBadge()
			}
		})
	}()
}

func (s *Session) refreshConversations() {
	s.listGen++
	gen := s.listGen
	go func() {
		list, err := s.gateway.ListConversations(s.ctx, s.token)
		s.post(func() {
			if gen != s.listGen {
				return
			}
			if err != nil {
				s.restError("list conversations", err)
				return
			}
			s.convs = list[:0:0]
			for _, c := range list {
				if c != nil {
					s.convs = append(s.convs, c)
				}
			}
			s.publishConversations()
		})
	}()
}

func (s *Session) conversationIndex(id string) int {
	return slices.IndexFunc(s.convs, func(c *models.Conversation) bool { return c.ID == id })
}

// noteMessage updates the list entry for msg and moves it to the top. It
// reports false when the conversation is not in the list.
func (s *Session) noteMessage(msg *models.Message, countUnread bool) bool {
	i := s.conversationIndex(msg.ConversationID)
	if i < 0 {
		return false
	}
	c := s.convs[i]
	if c.LastMessage == nil || c.LastMessage.Compare(msg) <= 0 {
		lm := *msg
		c.LastMessage = &lm
	}
	if countUnread {
		c.UnreadCount++
	}
	s.convs = slices.Delete(s.convs, i, i+1)
	s.convs = slices.Insert(s.convs, 0, c)
	s.publishConversations()
	return true
}

func (s *Session) markListRead(conversationID string) {
	if i := s.conversationIndex(conversationID); i >= 0 && s.convs[i].UnreadCount != 0 {
		s.convs[i].UnreadCount = 0
		s.publishConversations()
	}
}

func (s *Session) onMessageNew(p models.NewMessagePayload) {
	msg := p.Message
	if msg == nil || msg.ConversationID == "" {
		return
	}

	action := s.badge.OnLiveInsert(msg)
	receiptSent := false
	if v := s.view; v != nil && v.id == msg.ConversationID {
		receiptSent = v.onLiveInsert(msg)
	}
	switch action {
	case unread.ActionIncrement:
		s.publishBadge()
		if s.badge.RefetchInFlight() {
			s.refreshBadge()
		}
	case unread.ActionRefetch:
		// The view refetches once its mark-as-read call completes.
		if !receiptSent {
			s.refreshBadge()
		}
	}

	fromOther := msg.SenderID != s.viewerID
	active := s.view != nil && s.view.id == msg.ConversationID
	if !s.noteMessage(msg, fromOther && !active) {
		s.logger.Debug("message for unknown conversation; refetching list", zap.String("conversation_id", msg.ConversationID))
		s.refreshConversations()
	}
}

func (s *Session) onMessagesRead(p models.MessagesReadPayload) {
	if p.ConversationID == "" {
		return
	}
	if v := s.view; v != nil && v.id == p.ConversationID {
		v.onReadReceipt(p)
	}
	if p.ReadBy == s.viewerID {
		s.markListRead(p.ConversationID)
	}
	if s.badge.OnReadReceipt() == unread.ActionRefetch {
		s.refreshBadge()
	}
}
