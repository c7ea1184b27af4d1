package models

import (
	"strings"
	"time"
)

// MessageStatus indicates the delivery state of a message as the sender sees it.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusRead    MessageStatus = "read"
)

// TempIDPrefix marks ids generated on the client before the server acknowledges a send.
const TempIDPrefix = "tmp-"

func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// Max returns whichever status is further along the sending → sent → read lifecycle.
func (s MessageStatus) Max(other MessageStatus) MessageStatus {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// Message is a single direct message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"createdAt"`
	Status         MessageStatus `json:"status"`
}

// IsTemporary reports whether the message still carries a client-assigned id.
func (m *Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// Compare orders messages by (CreatedAt, ID).
func (m *Message) Compare(other *Message) int {
	if c := m.CreatedAt.Compare(other.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(m.ID, other.ID)
}

// SendMessageRequest is the body of POST /dm/conversations/:id/messages.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required,max=4096"`
}

// Pagination describes where a message page sits in the backward walk.
type Pagination struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"hasMore"`
}

// MessagePage is one page of GET /dm/conversations/:id/messages.
type MessagePage struct {
	Messages   []*Message `json:"messages"`
	Pagination Pagination `json:"pagination"`
}

type MessageEnvelope struct {
	Message *Message `json:"message"`
}

type UnreadCountResponse struct {
	UnreadCount int `json:"unreadCount"`
}
