// Package api implements the REST collaborators the sync core consumes:
// sign-in (session provider), history fetch, message send, and batched
// profile lookup.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avolkow/huddle/internal/chat"
)

// maxMessageLen caps message content length, matching the server's limit.
const maxMessageLen = 5000

var (
	// ErrEmptyMessage rejects whitespace-only content before it hits the
	// network.
	ErrEmptyMessage = errors.New("message content cannot be empty")

	// ErrMessageTooLong rejects content over the server's length cap.
	ErrMessageTooLong = fmt.Errorf("message content too long (max %d characters)", maxMessageLen)

	// ErrNotAuthenticated is returned when an operation needs a session
	// and none is present. The connection manager treats it like any
	// transient connection failure and retries.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// session is the client's in-memory sign-in state.
type session struct {
	token      string
	userID     string
	gatewayURL string
	expiresAt  int64
}

// Client talks to the huddle REST API and doubles as the session
// provider for the push connection.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu   sync.Mutex
	sess *session
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s", endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// SignIn authenticates and installs the session on the client. The
// returned response carries what the caller needs for persistence.
func (c *Client) SignIn(ctx context.Context, email, password string) (*SignInResponse, error) {
	req := SignInRequest{Email: email, Password: password}

	var resp SignInResponse
	if err := c.post(ctx, "/auth/signin", req, &resp); err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	c.mu.Lock()
	c.sess = &session{
		token:      resp.Token,
		userID:     resp.UserID,
		gatewayURL: resp.GatewayURL,
		expiresAt:  time.Now().Unix() + resp.ExpiresIn,
	}
	c.mu.Unlock()

	return &resp, nil
}

// Resume installs a previously persisted session.
func (c *Client) Resume(token, userID, gatewayURL string, expiresAt int64) {
	c.mu.Lock()
	c.sess = &session{
		token:      token,
		userID:     userID,
		gatewayURL: gatewayURL,
		expiresAt:  expiresAt,
	}
	c.mu.Unlock()
}

// UserID returns the signed-in user's id, or empty string.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return ""
	}

	return c.sess.userID
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		return ""
	}

	return c.sess.token
}

// ConnectTarget returns the push gateway address for the current session.
// Part of the chat.SessionProvider contract.
func (c *Client) ConnectTarget(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.gatewayURL == "" {
		return "", ErrNotAuthenticated
	}

	return c.sess.gatewayURL, nil
}

// Credential returns the short-lived push credential. Part of the
// chat.SessionProvider contract; an expired or missing session is a
// transient failure the connection manager retries.
func (c *Client) Credential(_ context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.token == "" {
		return "", ErrNotAuthenticated
	}

	if c.sess.expiresAt != 0 && time.Now().Unix() >= c.sess.expiresAt {
		return "", fmt.Errorf("session credential expired")
	}

	return c.sess.token, nil
}

// Messages fetches the message history for a scope, ordered by ascending
// timestamp. Implements chat.HistoryService.
func (c *Client) Messages(ctx context.Context, scope chat.Scope) ([]chat.Message, error) {
	var resp messagesResponse
	if err := c.post(ctx, "/messages/list", messagesRequest{ConversationID: scope}, &resp); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return resp.Messages, nil
}

// SendMessage submits a message and returns the confirmed server entry.
// Content is validated client-side against the server's rules so obvious
// rejections never cost a round trip. Implements chat.SendService.
func (c *Client) SendMessage(ctx context.Context, scope chat.Scope, content string) (chat.Message, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return chat.Message{}, ErrEmptyMessage
	}

	if len(trimmed) > maxMessageLen {
		return chat.Message{}, ErrMessageTooLong
	}

	var resp sendResponse
	if err := c.post(ctx, "/messages/send", sendRequest{ConversationID: scope, Content: trimmed}, &resp); err != nil {
		return chat.Message{}, fmt.Errorf("sending message: %w", err)
	}

	return resp.Message, nil
}

// Profiles looks up a batch of user ids. Unknown ids are absent from the
// result. Implements chat.ProfileFetcher.
func (c *Client) Profiles(ctx context.Context, ids []string) ([]chat.ProfileRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var resp profilesResponse
	if err := c.post(ctx, "/profiles/lookup", profilesRequest{UserIDs: ids}, &resp); err != nil {
		return nil, fmt.Errorf("looking up profiles: %w", err)
	}

	return resp.Profiles, nil
}
