package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"skatedm-client/internal/models"

	"go.uber.org/zap"
)

const defaultTimeout = 20 * time.Second

// maxErrorBody bounds how much of an error response is read for its message.
const maxErrorBody = 64 << 10

// PageRequest selects a page of messages. Page 1 is the newest Limit messages.
type PageRequest struct {
	Page  int
	Limit int
}

// Client is the REST gateway to the DM backend. It is stateless: every call
// carries its own bearer token.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client (20s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient returns a Client rooted at baseURL, e.g. http://localhost:8080/api/v1.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations returns every conversation of the token's owner.
func (c *Client) ListConversations(ctx context.Context, token string) ([]*models.Conversation, error) {
	var out models.ConversationList
	if err := c.do(ctx, http.MethodGet, "/dm/conversations", nil, token, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// GetConversation returns one conversation. ErrNotFound covers both a missing
// conversation and one the caller does not participate in.
func (c *Client) GetConversation(ctx context.Context, conversationID, token string) (*models.Conversation, error) {
	var out models.ConversationEnvelope
	if err := c.do(ctx, http.MethodGet, "/dm/conversations/"+url.PathEscape(conversationID), nil, token, nil, &out); err != nil {
		return nil, err
	}
	if out.Conversation == nil {
		return nil, &Error{Kind: ErrServer, Message: "response has no conversation"}
	}
	return out.Conversation, nil
}

// GetMessages fetches one page of a conversation's history.
func (c *Client) GetMessages(ctx context.Context, conversationID string, req PageRequest, token string) (*models.MessagePage, error) {
	q := url.Values{}
	if req.Page > 0 {
		q.Set("page", strconv.Itoa(req.Page))
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var out models.MessagePage
	path := "/dm/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, q, token, nil, &out); err != nil {
		return nil, err
	}
	if out.Pagination.Page == 0 {
		out.Pagination.Page = max(req.Page, 1)
	}
	return &out, nil
}

// SendMessage stores a message. It is not idempotent and is never retried.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, token string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, validationError("message content is empty")
	}
	var out models.MessageEnvelope
	path := "/dm/conversations/" + url.PathEscape(conversationID) + "/messages"
	body := models.SendMessageRequest{Content: content}
	if err := c.do(ctx, http.MethodPost, path, nil, token, body, &out); err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, &Error{Kind: ErrServer, Message: "response has no message"}
	}
	return out.Message, nil
}

// StartConversation opens (or returns the existing) conversation with userID.
func (c *Client) StartConversation(ctx context.Context, userID, token string) (*models.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("user id is empty")
	}
	var out models.ConversationEnvelope
	body := models.StartConversationRequest{UserID: userID}
	if err := c.do(ctx, http.MethodPost, "/dm/conversations", nil, token, body, &out); err != nil {
		return nil, err
	}
	if out.Conversation == nil {
		return nil, &Error{Kind: ErrServer, Message: "response has no conversation"}
	}
	return out.Conversation, nil
}

// MarkAsRead marks every message addressed to the caller as read.
func (c *Client) MarkAsRead(ctx context.Context, conversationID, token string) error {
	path := "/dm/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, token, nil, nil)
}

// GetUnreadCount returns the caller's total unread messages.
func (c *Client) GetUnreadCount(ctx context.Context, token string) (int, error) {
	var out models.UnreadCountResponse
	if err := c.do(ctx, http.MethodGet, "/dm/unread-count", nil, token, nil, &out); err != nil {
		return 0, err
	}
	return max(out.UnreadCount, 0), nil
}

// Login exchanges dev gateway credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*models.LoginResponse, error) {
	var out models.LoginResponse
	body := models.LoginUserRequest{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, "", body, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, &Error{Kind: ErrServer, Message: "response has no token"}
	}
	return &out, nil
}

// FindUser looks a user up by exact name.
func (c *Client) FindUser(ctx context.Context, name, token string) (*models.PublicUser, error) {
	if strings.TrimSpace(name) == "" {
		return nil, validationError("user name is empty")
	}
	q := url.Values{}
	q.Set("name", name)
	var out models.PublicUser
	if err := c.do(ctx, http.MethodGet, "/users", q, token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, in, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return networkError(err)
	}
	defer resp.Body.Close()

	c.logger.Debug("request done",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var eb errorBody
		msg := ""
		if json.Unmarshal(raw, &eb) == nil {
			msg = eb.Error
			if msg == "" {
				msg = eb.Message
			}
		}
		return statusError(resp.StatusCode, msg)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return networkError(ctx.Err())
		}
		return &Error{Kind: ErrServer, StatusCode: resp.StatusCode, Message: "malformed response body", Err: err}
	}
	return nil
}
