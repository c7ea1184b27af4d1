package session

import (
	"context"
	"time"

	"skatedm-client/internal/api"
	"skatedm-client/internal/models"
	"skatedm-client/internal/realtime"
	"skatedm-client/internal/typing"
)

// Gateway is the REST surface the session needs. *api.Client implements it.
type Gateway interface {
	ListConversations(ctx context.Context, token string) ([]*models.Conversation, error)
	GetConversation(ctx context.Context, conversationID, token string) (*models.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, req api.PageRequest, token string) (*models.MessagePage, error)
	SendMessage(ctx context.Context, conversationID, content, token string) (*models.Message, error)
	MarkAsRead(ctx context.Context, conversationID, token string) error
	GetUnreadCount(ctx context.Context, token string) (int, error)
}

var _ Gateway = (*api.Client)(nil)

// Channel is one namespace connection as seen by the session.
type Channel interface {
	On(event string, h realtime.Handler) func()
	Emit(event string, payload interface{}) error
	Connected() bool
}

// Connector hands out namespace channels.
type Connector interface {
	Connect(namespace, token string) (Channel, error)
}

type managerConnector struct {
	m *realtime.Manager
}

// FromManager adapts a realtime.Manager to Connector.
func FromManager(m *realtime.Manager) Connector {
	return managerConnector{m: m}
}

func (mc managerConnector) Connect(namespace, token string) (Channel, error) {
	c, err := mc.m.Connect(namespace, token)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// loopScheduler re-posts timer callbacks onto the session loop.
type loopScheduler struct {
	base typing.Scheduler
	post func(func())
}

func (ls loopScheduler) AfterFunc(d time.Duration, f func()) typing.Timer {
	return ls.base.AfterFunc(d, func() { ls.post(f) })
}
