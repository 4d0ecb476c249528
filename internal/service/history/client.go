package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

var (
	// ErrUnauthorized is returned when the API refuses the bearer credential.
	ErrUnauthorized = errors.New("history: unauthorized")
	// ErrNotConfigured is returned by a client built without a base URL.
	ErrNotConfigured = errors.New("history: client is not configured")
)

// Gateway is the request/response side of the messaging backend.
type Gateway interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	CreateConversation(ctx context.Context, participantID string) (chat.Conversation, error)
	// SubmitMessage persists a send. The same message is also pushed over the
	// channel; callers must tolerate receiving it twice.
	SubmitMessage(ctx context.Context, req SubmitRequest) (chat.Message, error)
}

// SubmitRequest is the body of a message submission.
type SubmitRequest struct {
	ConversationID string           `json:"conversationId"`
	Content        string           `json:"content"`
	Attachment     *chat.Attachment `json:"product,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

// Client implements Gateway over the REST API.
type Client struct {
	baseURL    string
	httpClient *resty.Client
	log        zerolog.Logger
}

// NewClient builds a client for baseURL (for example http://localhost:8080/api).
func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "z-bazaar-chat/1.0").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if token != "" {
		httpClient.SetAuthToken(token)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        log.With().Str("component", "history-client").Logger(),
	}
}

func (c *Client) IsEnabled() bool {
	return c != nil && c.baseURL != ""
}

// ListConversations returns the viewer's conversations.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	if !c.IsEnabled() {
		return nil, ErrNotConfigured
	}

	var out []chat.Conversation
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/conversations")
	if err := c.check("list conversations", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns the messages of a conversation, oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if !c.IsEnabled() {
		return nil, ErrNotConfigured
	}

	var out []chat.Message
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get("/conversations/" + url.PathEscape(conversationID) + "/messages")
	if err := c.check("list messages", resp, err); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateConversation opens a conversation with participantID, or returns the
// existing one.
func (c *Client) CreateConversation(ctx context.Context, participantID string) (chat.Conversation, error) {
	if !c.IsEnabled() {
		return chat.Conversation{}, ErrNotConfigured
	}

	var out chat.Conversation
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"participantId": participantID}).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/conversations")
	if err := c.check("create conversation", resp, err); err != nil {
		return chat.Conversation{}, err
	}
	return out, nil
}

// SubmitMessage sends a message and returns the stored copy.
func (c *Client) SubmitMessage(ctx context.Context, req SubmitRequest) (chat.Message, error) {
	if !c.IsEnabled() {
		return chat.Message{}, ErrNotConfigured
	}

	var out chat.Message
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/messages")
	if err := c.check("submit message", resp, err); err != nil {
		return chat.Message{}, err
	}
	c.log.Debug().Str("conversation", req.ConversationID).Str("message", out.ID).Msg("message submitted")
	return out, nil
}

func (c *Client) check(op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	if !resp.IsError() {
		return nil
	}

	reason := strings.TrimSpace(resp.String())
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		reason = e.Error
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
	}
	return fmt.Errorf("%s error (%d): %s", op, resp.StatusCode(), reason)
}
