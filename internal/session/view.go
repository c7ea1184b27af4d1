package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"skatedm-client/internal/api"
	"skatedm-client/internal/conversation"
	"skatedm-client/internal/models"
	"skatedm-client/internal/realtime"
	"skatedm-client/internal/typing"

	"go.uber.org/zap"
)

// ConversationView is one open conversation. Its methods may be called from
// any goroutine; the work runs on the session loop.
type ConversationView struct {
	s      *Session
	id     string
	logger *zap.Logger

	// Owned by the loop.
	store        *conversation.Store
	local        *typing.Local
	remote       *typing.Remote
	gen          uint64
	closed       bool
	loadingOlder bool
	unsubs       []func()
}

// ViewSnapshot is a copy of a view's render state.
type ViewSnapshot struct {
	ConversationID string
	State          conversation.State
	Err            error
	Conversation   *models.Conversation
	Messages       []models.Message
	Page           int
	HasMore        bool
	RemoteTyping   bool
	Pending        int
	Closed         bool
}

func newView(s *Session, id string) *ConversationView {
	v := &ConversationView{
		s:      s,
		id:     id,
		logger: s.logger.With(zap.String("conversation_id", id)),
		store:  conversation.New(id, s.viewerID),
	}
	v.local = typing.NewLocal(s.sched, s.typingIdle, v.emitTyping)
	v.remote = typing.NewRemote(s.sched, s.remoteTimeout, func(on bool) {
		v.store.SetRemoteTyping(on)
		s.publish(Update{Kind: UpdateTyping, ConversationID: id, Typing: on})
	})
	return v
}

func (v *ConversationView) ConversationID() string { return v.id }

// Snapshot returns the current render state. ok is false once the session
// has stopped.
func (v *ConversationView) Snapshot() (snap ViewSnapshot, ok bool) {
	ok = v.s.do(func() {
		snap = ViewSnapshot{
			ConversationID: v.id,
			State:          v.store.State(),
			Err:            v.store.Err(),
			Conversation:   v.store.Conversation(),
			Messages:       v.store.Messages(),
			Page:           v.store.Page(),
			HasMore:        v.store.HasMore(),
			RemoteTyping:   v.store.RemoteTyping(),
			Pending:        v.store.Pending(),
			Closed:         v.closed,
		}
	})
	return snap, ok
}

// Send posts content optimistically. Failures restore the draft through an
// UpdateSendFailed.
func (v *ConversationView) Send(content string) {
	v.s.post(func() { v.send(content) })
}

// Keystroke reports composer input for the typing indicator.
func (v *ConversationView) Keystroke() {
	v.s.post(func() {
		if !v.closed {
			v.local.Keystroke()
		}
	})
}

// LoadOlder fetches the next page back in history, if any.
func (v *ConversationView) LoadOlder() {
	v.s.post(v.loadOlder)
}

// Retry reloads a view stuck in the error state.
func (v *ConversationView) Retry() {
	v.s.post(func() {
		if v.closed || v.store.State() != conversation.StateError {
			return
		}
		v.gen++
		v.load()
	})
}

// Close leaves the conversation room and drops every subscription. Responses
// still in flight are discarded when they arrive.
func (v *ConversationView) Close() {
	v.s.do(v.close)
}

func (v *ConversationView) stale(gen uint64) bool {
	return v.closed || gen != v.gen
}

func (v *ConversationView) mount() {
	ch := v.s.messages
	v.unsubs = append(v.unsubs,
		ch.On(models.EventTypingStart, handler(v.s, models.EventTypingStart, func(p models.TypingPayload) {
			if v.forThisView(p) {
				v.remote.Start(p.UserID)
			}
		})),
		ch.On(models.EventTypingStop, handler(v.s, models.EventTypingStop, func(p models.TypingPayload) {
			if v.forThisView(p) {
				v.remote.Stop(p.UserID)
			}
		})),
		// Rooms do not survive a reconnect.
		ch.On(realtime.EventConnect, func(json.RawMessage) {
			v.s.post(func() {
				if !v.closed {
					v.join()
				}
			})
		}),
	)
	v.join()
	v.load()
}

func (v *ConversationView) forThisView(p models.TypingPayload) bool {
	if v.closed || p.UserID == "" || p.UserID == v.s.viewerID {
		return false
	}
	return p.ConversationID == "" || p.ConversationID == v.id
}

func (v *ConversationView) join() {
	if err := v.s.messages.Emit(models.EventJoinConversation, models.RoomPayload{ConversationID: v.id}); err != nil {
		// A later connect event joins again.
		v.logger.Debug("join deferred", zap.Error(err))
	}
}

func (v *ConversationView) emitTyping(on bool) {
	event := models.EventTypingStop
	if on {
		event = models.EventTypingStart
	}
	if err := v.s.messages.Emit(event, models.TypingPayload{ConversationID: v.id}); err != nil {
		v.logger.Debug("typing emit failed", zap.String("event", event), zap.Error(err))
	}
}

func (v *ConversationView) publishState() {
	v.s.publish(Update{
		Kind:           UpdateViewState,
		ConversationID: v.id,
		State:          v.store.State(),
		Err:            v.store.Err(),
	})
}

func (v *ConversationView) publishMessages() {
	v.s.publish(Update{Kind: UpdateMessages, ConversationID: v.id})
}

func (v *ConversationView) load() {
	v.store.Reset()
	v.remote.Clear()
	v.loadingOlder = false
	v.publishState()

	gen := v.gen
	s := v.s
	go func() {
		var (
			wg      sync.WaitGroup
			conv    *models.Conversation
			page    *models.MessagePage
			convErr error
			pageErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			conv, convErr = s.gateway.GetConversation(s.ctx, v.id, s.token)
		}()
		go func() {
			defer wg.Done()
			page, pageErr = s.gateway.GetMessages(s.ctx, v.id, api.PageRequest{Page: 1, Limit: s.pageSize}, s.token)
		}()
		wg.Wait()
		s.post(func() {
			if v.stale(gen) {
				return
			}
			v.applyLoad(conv, page, firstError(convErr, pageErr))
		})
	}()
}

// firstError prefers the errors that change navigation.
func firstError(errs ...error) error {
	for _, kind := range []error{api.ErrNotFound, api.ErrAuth} {
		for _, err := range errs {
			if errors.Is(err, kind) {
				return err
			}
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *ConversationView) applyLoad(conv *models.Conversation, page *models.MessagePage, err error) {
	if err != nil {
		v.store.Fail(err)
		v.publishState()
		switch {
		case errors.Is(err, api.ErrNotFound):
			v.s.publish(Update{Kind: UpdateNavigateAway, ConversationID: v.id, Err: err})
		case errors.Is(err, api.ErrAuth):
			v.s.restError("load conversation", err)
		default:
			v.logger.Warn("conversation load failed", zap.Error(err))
		}
		return
	}

	v.store.Load(conv, page)
	v.publishState()
	v.publishMessages()
	if conv != nil && conv.UnreadCount > 0 {
		v.markAsRead()
	}
}

func (v *ConversationView) loadOlder() {
	if v.closed || v.loadingOlder {
		return
	}
	next := v.store.NextPage()
	if next == 0 {
		return
	}
	v.loadingOlder = true
	gen := v.gen
	s := v.s
	go func() {
		page, err := s.gateway.GetMessages(s.ctx, v.id, api.PageRequest{Page: next, Limit: s.pageSize}, s.token)
		s.post(func() {
			if v.stale(gen) {
				return
			}
			v.loadingOlder = false
			if err != nil {
				v.s.restError("load older messages", err)
				return
			}
			if page.Pagination.Page == 0 {
				page.Pagination.Page = next
			}
			if v.store.ApplyOlderPage(page) {
				v.publishMessages()
			}
		})
	}()
}

func (v *ConversationView) send(content string) {
	if v.closed {
		return
	}
	tmp, err := v.store.BeginSend(content, time.Now())
	if err != nil {
		v.s.publish(Update{Kind: UpdateSendFailed, ConversationID: v.id, Draft: content, Err: err})
		return
	}
	v.local.Sent()
	v.publishMessages()

	// Sends outlive a Retry: the pending entry survives the reload, so only
	// closing the view discards the result.
	s := v.s
	go func() {
		msg, err := s.gateway.SendMessage(s.ctx, v.id, content, s.token)
		s.post(func() {
			if err == nil {
				s.noteMessage(msg, false)
			}
			if v.closed {
				return
			}
			if err != nil {
				draft, ferr := v.store.FailSend(tmp.ID)
				if ferr != nil {
					return
				}
				v.publishMessages()
				v.s.publish(Update{Kind: UpdateSendFailed, ConversationID: v.id, Draft: draft, Err: err})
				if errors.Is(err, api.ErrAuth) {
					v.s.restError("send message", err)
				}
				return
			}
			if v.store.ConfirmSend(tmp.ID, msg) == nil {
				v.publishMessages()
			}
		})
	}()
}

// onLiveInsert applies a pushed message and reports whether a mark-as-read
// call (which ends with a badge refetch) was issued.
func (v *ConversationView) onLiveInsert(msg *models.Message) bool {
	if v.closed {
		return false
	}
	inserted, needsReceipt := v.store.ApplyLiveInsert(msg)
	if !inserted {
		return false
	}
	if msg.SenderID != v.s.viewerID {
		v.remote.Stop(msg.SenderID)
	}
	v.publishMessages()
	if needsReceipt {
		v.markAsRead()
		return true
	}
	return false
}

func (v *ConversationView) onReadReceipt(p models.MessagesReadPayload) {
	if v.closed {
		return
	}
	if v.store.ApplyReadReceipt(p.ConversationID, p.ReadBy) > 0 {
		v.publishMessages()
	}
}

// markAsRead is fire-and-forget: failures are logged, never shown.
func (v *ConversationView) markAsRead() {
	s := v.s
	id := v.id
	go func() {
		err := s.gateway.MarkAsRead(s.ctx, id, s.token)
		s.post(func() {
			if err != nil {
				v.logger.Debug("mark as read failed", zap.Error(err))
				if errors.Is(err, api.ErrAuth) {
					s.restError("mark as read", err)
				}
			} else {
				s.markListRead(id)
			}
			s.refreshBadge()
		})
	}()
}

func (v *ConversationView) close() {
	if v.closed {
		return
	}
	v.local.Close()
	if err := v.s.messages.Emit(models.EventLeaveConversation, models.RoomPayload{ConversationID: v.id}); err != nil {
		v.logger.Debug("leave not sent", zap.Error(err))
	}
	v.closed = true
	v.gen++
	for _, unsub := range v.unsubs {
		unsub()
	}
	v.unsubs = nil
	v.remote.Clear()
	if v.s.view == v {
		v.s.view = nil
		v.s.badge.SetActiveConversation("")
	}
}
