package models

import (
	"time"
)

// Conversation is a two-party direct-message thread as seen by one participant.
type Conversation struct {
	ID          string     `json:"id"`
	OtherUser   PublicUser `json:"otherUser"`
	LastMessage *Message   `json:"lastMessage"`
	UnreadCount int        `json:"unreadCount"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// StartConversationRequest is the body of POST /dm/conversations.
type StartConversationRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type ConversationEnvelope struct {
	Conversation *Conversation `json:"conversation"`
}

type ConversationList struct {
	Conversations []*Conversation `json:"conversations"`
}
