package models

import "encoding/json"

// Real-time namespaces.
const (
	NamespaceMessages = "/messages"
	NamespaceFeed     = "/feed"
)

// Real-time event names.
const (
	EventMessageNew        = "message:new"        // server → client, a message was stored
	EventMessagesRead      = "messages:read"      // server → client, a participant read a conversation
	EventTypingStart       = "typing:start"       // both directions
	EventTypingStop        = "typing:stop"        // both directions
	EventJoinConversation  = "join:conversation"  // client → server
	EventLeaveConversation = "leave:conversation" // client → server
	EventError             = "error"              // server → client
)

// Frame is the envelope for every real-time message on any transport.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame.
func NewFrame(event string, payload interface{}) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// NewMessagePayload accompanies message:new.
type NewMessagePayload struct {
	Message      *Message      `json:"message"`
	Conversation *Conversation `json:"conversation,omitempty"`
}

// MessagesReadPayload accompanies messages:read.
type MessagesReadPayload struct {
	ConversationID string   `json:"conversationId"`
	ReadBy         string   `json:"readBy"`
	ReadAt         JSONTime `json:"readAt"`
}

// TypingPayload carries conversationId when emitted by a client and userId when relayed by the server.
type TypingPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
}

// RoomPayload accompanies join:conversation and leave:conversation.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// ErrorPayload is used for sending error details over the real-time channel.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}
