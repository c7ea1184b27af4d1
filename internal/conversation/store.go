package conversation

import (
	"errors"
	"slices"
	"strings"
	"time"

	"skatedm-client/internal/models"

	"github.com/google/uuid"
)

// State is the lifecycle of an open conversation view.
type State int

const (
	StateLoading State = iota
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	}
	return "unknown"
}

var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrUnknownPending = errors.New("no pending send with that id")
)

// Store reconciles one conversation's message list from paged REST loads,
// live inserts, optimistic sends and read receipts. It has no locking: the
// owner must mutate it from a single goroutine.
type Store struct {
	conversationID string
	viewerID       string

	state        State
	err          error
	conversation *models.Conversation

	messages []*models.Message
	page     int
	hasMore  bool

	// pending maps a temp id to the draft text to restore if the send fails.
	pending map[string]string

	remoteTyping bool
}

// New returns a Store in StateLoading.
func New(conversationID, viewerID string) *Store {
	return &Store{
		conversationID: conversationID,
		viewerID:       viewerID,
		pending:        make(map[string]string),
	}
}

func (s *Store) ConversationID() string { return s.conversationID }
func (s *Store) ViewerID() string       { return s.viewerID }
func (s *Store) State() State           { return s.state }
func (s *Store) Err() error             { return s.err }
func (s *Store) Page() int              { return s.page }
func (s *Store) HasMore() bool          { return s.hasMore }
func (s *Store) RemoteTyping() bool     { return s.remoteTyping }

// Conversation returns a copy of the loaded metadata, or nil before Load.
func (s *Store) Conversation() *models.Conversation {
	if s.conversation == nil {
		return nil
	}
	c := *s.conversation
	return &c
}

// Load applies the first paired fetch of metadata and the newest page. Live
// inserts and pending sends received while loading are kept.
func (s *Store) Load(conv *models.Conversation, first *models.MessagePage) {
	if conv != nil {
		c := *conv
		s.conversation = &c
	}
	s.state = StateReady
	s.err = nil
	s.page = 0
	s.hasMore = false
	if first != nil {
		s.merge(first.Messages)
		s.page = max(first.Pagination.Page, 1)
		s.hasMore = first.Pagination.HasMore
	}
}

// Fail moves the view to StateError.
func (s *Store) Fail(err error) {
	s.state = StateError
	s.err = err
}

// Reset returns to StateLoading for a retry. Everything loaded is discarded
// except sends still awaiting a response, so ConfirmSend and FailSend find
// their temp entries after the reload.
func (s *Store) Reset() {
	s.state = StateLoading
	s.err = nil
	s.conversation = nil
	s.messages = slices.DeleteFunc(s.messages, func(m *models.Message) bool {
		_, ok := s.pending[m.ID]
		return !ok
	})
	s.page = 0
	s.hasMore = false
	s.remoteTyping = false
}

// NextPage is the page to request for older history, or 0 when there is none.
func (s *Store) NextPage() int {
	if s.state != StateReady || !s.hasMore {
		return 0
	}
	return s.page + 1
}

// ApplyOlderPage merges a backward page. Pages at or below the current cursor
// are stale and ignored. Reports whether the page was applied.
func (s *Store) ApplyOlderPage(p *models.MessagePage) bool {
	if p == nil || s.state != StateReady || p.Pagination.Page <= s.page {
		return false
	}
	s.merge(p.Messages)
	s.page = p.Pagination.Page
	s.hasMore = p.Pagination.HasMore
	return true
}

// ApplyLiveInsert adds a pushed message. inserted is false for another
// conversation or an id already held. needsReadReceipt is true when the new
// message was written by someone other than the viewer.
func (s *Store) ApplyLiveInsert(msg *models.Message) (inserted, needsReadReceipt bool) {
	if msg == nil || msg.ConversationID != s.conversationID {
		return false, false
	}
	if i := s.indexOf(msg.ID); i >= 0 {
		s.messages[i].Status = s.messages[i].Status.Max(msg.Status)
		return false, false
	}
	m := *msg
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	s.messages = append(s.messages, &m)
	s.sort()
	s.bumpLastMessage(&m)
	return true, m.SenderID != s.viewerID
}

// BeginSend appends an optimistic entry in StatusSending under a fresh temp id
// and returns a copy of it.
func (s *Store) BeginSend(content string, now time.Time) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	m := &models.Message{
		ID:             models.TempIDPrefix + uuid.NewString(),
		ConversationID: s.conversationID,
		SenderID:       s.viewerID,
		Content:        content,
		CreatedAt:      now,
		Status:         models.StatusSending,
	}
	s.pending[m.ID] = content
	s.messages = append(s.messages, m)
	s.sort()
	out := *m
	return &out, nil
}

// ConfirmSend replaces the temp entry with the server's message. When the
// server id is already held (it raced in as a live insert) the temp entry is
// dropped and statuses merge.
func (s *Store) ConfirmSend(tempID string, msg *models.Message) error {
	if _, ok := s.pending[tempID]; !ok {
		return ErrUnknownPending
	}
	delete(s.pending, tempID)

	ti := s.indexOf(tempID)
	status := models.StatusSending
	if ti >= 0 {
		status = s.messages[ti].Status
		s.messages = slices.Delete(s.messages, ti, ti+1)
	}
	if msg == nil {
		return nil
	}

	if i := s.indexOf(msg.ID); i >= 0 {
		s.messages[i].Status = s.messages[i].Status.Max(msg.Status).Max(status)
		return nil
	}
	m := *msg
	if m.Status == "" {
		m.Status = models.StatusSent
	}
	m.Status = m.Status.Max(status)
	if m.Status == models.StatusSending {
		m.Status = models.StatusSent
	}
	s.messages = append(s.messages, &m)
	s.sort()
	s.bumpLastMessage(&m)
	return nil
}

// FailSend removes the temp entry and returns the draft to restore.
func (s *Store) FailSend(tempID string) (string, error) {
	draft, ok := s.pending[tempID]
	if !ok {
		return "", ErrUnknownPending
	}
	delete(s.pending, tempID)
	if i := s.indexOf(tempID); i >= 0 {
		s.messages = slices.Delete(s.messages, i, i+1)
	}
	return draft, nil
}

// Pending reports the number of sends awaiting a response.
func (s *Store) Pending() int { return len(s.pending) }

// ApplyReadReceipt marks every viewer-authored message read when another
// participant read this conversation. Returns how many messages changed.
func (s *Store) ApplyReadReceipt(conversationID, readerID string) int {
	if conversationID != s.conversationID || readerID == "" || readerID == s.viewerID {
		return 0
	}
	changed := 0
	for _, m := range s.messages {
		if m.SenderID == s.viewerID && m.Status != models.StatusRead {
			m.Status = models.StatusRead
			changed++
		}
	}
	return changed
}

// SetRemoteTyping records whether the other participant is typing.
func (s *Store) SetRemoteTyping(typing bool) { s.remoteTyping = typing }

// Messages returns copies of the held messages, oldest first.
func (s *Store) Messages() []models.Message {
	out := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

func (s *Store) indexOf(id string) int {
	return slices.IndexFunc(s.messages, func(m *models.Message) bool { return m.ID == id })
}

// merge folds in a batch, collapsing duplicate ids to the furthest status.
func (s *Store) merge(batch []*models.Message) {
	for _, in := range batch {
		if in == nil || (in.ConversationID != "" && in.ConversationID != s.conversationID) {
			continue
		}
		if i := s.indexOf(in.ID); i >= 0 {
			s.messages[i].Status = s.messages[i].Status.Max(in.Status)
			continue
		}
		m := *in
		if m.ConversationID == "" {
			m.ConversationID = s.conversationID
		}
		if m.Status == "" {
			m.Status = models.StatusSent
		}
		s.messages = append(s.messages, &m)
	}
	s.sort()
}

func (s *Store) sort() {
	slices.SortStableFunc(s.messages, func(a, b *models.Message) int { return a.Compare(b) })
}

func (s *Store) bumpLastMessage(m *models.Message) {
	if s.conversation == nil {
		return
	}
	if s.conversation.LastMessage == nil || s.conversation.LastMessage.Compare(m) < 0 {
		lm := *m
		s.conversation.LastMessage = &lm
	}
}
