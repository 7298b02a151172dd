package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gonets/internal/models"
)

// TokenSource supplies the bearer token for authenticated calls.
// The session store satisfies it.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to the conversation/message HTTP API.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
}

func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateConversationRequest creates a conversation with the given
// participants, optionally linked to a service request or consultation.
type CreateConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	RequestID      string   `json:"requestId,omitempty"`
	ConsultationID string   `json:"consultationId,omitempty"`
}

// Conversations fetches the full conversation list for the current user.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &conversations); err != nil {
		return nil, err
	}
	return conversations, nil
}

// Messages fetches up to limit messages of one conversation, newest first.
// Callers wanting chronological order reverse the result.
func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	path := fmt.Sprintf("/conversations/%s/messages?limit=%s",
		url.PathEscape(conversationID), strconv.Itoa(limit))

	var messages []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// CreateConversation creates (or returns the existing) conversation for the
// given participants.
func (c *Client) CreateConversation(ctx context.Context, req CreateConversationRequest) (models.Conversation, error) {
	var conversation models.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &conversation); err != nil {
		return models.Conversation{}, err
	}
	return conversation, nil
}

// MarkRead notifies the server that the conversation has been read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/conversations/%s/read", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("no auth token: %w", err)
	}

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		return models.ErrSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, errorMessage(resp))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// errorMessage extracts a human-readable message from an error response
// body, falling back to the HTTP status when the body is not usable JSON.
func errorMessage(resp *http.Response) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return resp.Status
}
