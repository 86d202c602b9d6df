package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avolkow/huddle/internal/api"
	"github.com/avolkow/huddle/internal/chat"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "e2e@example.com"
	testPassword = "e2e-password"
	testToken    = "e2e-token-abc"
	testUserID   = "user-self"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// harness runs the full backend the client talks to: an httptest REST
// API and a real websocket push gateway.
type harness struct {
	APIURL string
	Client *http.Client

	mu       sync.Mutex
	msgs     map[chat.Scope][]chat.Message
	profiles map[string]chat.ProfileRecord
	nextID   int
	receipts []readReceipt
	conns    []*gatewayConn
}

type readReceipt struct {
	Scope    chat.Scope `json:"conversation_id"`
	LastRead int64      `json:"last_read"`
}

type gatewayConn struct {
	conn *websocket.Conn
	ctx  context.Context
}

// newHarness starts the REST API and the push gateway, both torn down
// with the test.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		msgs:     make(map[chat.Scope][]chat.Message),
		profiles: make(map[string]chat.ProfileRecord),
	}

	gateway := httptest.NewServer(http.HandlerFunc(h.handleGateway))
	t.Cleanup(gateway.Close)
	gatewayURL := "ws" + strings.TrimPrefix(gateway.URL, "http")

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/signin", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
			req.Email != testEmail || req.Password != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid email or password"}`)
			return
		}

		fmt.Fprintf(w, `{"token":%q,"user_id":%q,"expires_in":3600,"gateway_url":%q}`,
			testToken, testUserID, gatewayURL)
	})

	mux.HandleFunc("/messages/list", h.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConversationID chat.Scope `json:"conversation_id"`
		}
		decodeBody(w, r, &req)

		h.mu.Lock()
		out := append([]chat.Message(nil), h.msgs[req.ConversationID]...)
		h.mu.Unlock()

		writeJSON(w, map[string]any{"messages": out})
	}))

	mux.HandleFunc("/messages/send", h.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConversationID chat.Scope `json:"conversation_id"`
			Content        string     `json:"content"`
		}
		decodeBody(w, r, &req)

		m := h.appendMessage(req.ConversationID, testUserID, req.Content)

		// A live chat server pushes the confirmed message to every
		// connection, including the sender's own.
		h.broadcast(m)

		writeJSON(w, map[string]any{"message": m})
	}))

	mux.HandleFunc("/profiles/lookup", h.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserIDs []string `json:"user_ids"`
		}
		decodeBody(w, r, &req)

		h.mu.Lock()
		var out []chat.ProfileRecord
		for _, id := range req.UserIDs {
			if rec, ok := h.profiles[id]; ok {
				out = append(out, rec)
			}
		}
		h.mu.Unlock()

		writeJSON(w, map[string]any{"profiles": out})
	}))

	apiSrv := httptest.NewServer(mux)
	t.Cleanup(apiSrv.Close)

	h.APIURL = apiSrv.URL
	h.Client = apiSrv.Client()

	return h
}

func (h *harness) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid token"}`)
			return
		}
		next(w, r)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) {
	body, _ := io.ReadAll(r.Body)
	if len(body) > 0 {
		_ = json.Unmarshal(body, v)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleGateway accepts a websocket, performs the auth handshake, then
// reads frames (recording read receipts) until the peer goes away.
func (h *harness) handleGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	var auth struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if json.Unmarshal(data, &auth) != nil || auth.Type != "auth" || auth.Token != testToken {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"auth_error","error":"invalid token"}`))
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		return
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"auth_ok","user_id":"`+testUserID+`"}`)); err != nil {
		return
	}

	gc := &gatewayConn{conn: conn, ctx: ctx}
	h.mu.Lock()
	h.conns = append(h.conns, gc)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		for i, c := range h.conns {
			if c == gc {
				h.conns = append(h.conns[:i], h.conns[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame struct {
			Type string `json:"type"`
			readReceipt
		}
		if json.Unmarshal(data, &frame) == nil && frame.Type == "mark_read" {
			h.mu.Lock()
			h.receipts = append(h.receipts, frame.readReceipt)
			h.mu.Unlock()
		}
	}
}

// appendMessage stores a confirmed message server-side and returns it.
func (h *harness) appendMessage(scope chat.Scope, sender, content string) chat.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	m := chat.Message{
		ID:        fmt.Sprintf("srv-%d", h.nextID),
		Scope:     scope,
		SenderID:  sender,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
	h.msgs[scope] = append(h.msgs[scope], m)

	return m
}

// broadcast pushes a message frame to every live gateway connection.
func (h *harness) broadcast(m chat.Message) {
	frame, _ := json.Marshal(map[string]any{"type": "new_message", "message": m})

	h.mu.Lock()
	conns := append([]*gatewayConn(nil), h.conns...)
	h.mu.Unlock()

	for _, gc := range conns {
		_ = gc.conn.Write(gc.ctx, websocket.MessageText, frame)
	}
}

// push stores a message from another user and broadcasts it.
func (h *harness) push(scope chat.Scope, sender, content string) chat.Message {
	m := h.appendMessage(scope, sender, content)
	h.broadcast(m)

	return m
}

// dropConnections closes every gateway connection server-side, as a
// crashing gateway would.
func (h *harness) dropConnections() {
	h.mu.Lock()
	conns := append([]*gatewayConn(nil), h.conns...)
	h.conns = nil
	h.mu.Unlock()

	for _, gc := range conns {
		gc.conn.Close(websocket.StatusGoingAway, "gateway restart")
	}
}

func (h *harness) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *harness) receiptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.receipts)
}

func (h *harness) setProfile(rec chat.ProfileRecord) {
	h.mu.Lock()
	h.profiles[rec.UserID] = rec
	h.mu.Unlock()
}

func newAPIClient(h *harness) *api.Client {
	return api.NewClient(h.APIURL, h.Client)
}

// newStack signs in and assembles the full client stack against the
// harness.
func newStack(t *testing.T, h *harness) *chat.Client {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	apiClient := newAPIClient(h)
	_, err := apiClient.SignIn(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	conn := chat.NewConnection(chat.ConnConfig{
		Session:           apiClient,
		ReconnectInterval: 20 * time.Millisecond,
	}, logger)

	client := chat.NewClient(chat.ClientConfig{
		Conn:     conn,
		History:  apiClient,
		Sender:   apiClient,
		Profiles: chat.NewProfileResolver(apiClient, logger),
		SelfID:   apiClient.UserID(),
	}, logger)
	t.Cleanup(client.Stop)

	return client
}
