package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// defaultReconnectInterval is the fixed delay between reconnect
	// attempts. Deliberately not exponential: the attempt cap bounds the
	// total retry window instead.
	defaultReconnectInterval = 3 * time.Second

	// defaultMaxReconnectAttempts caps automatic reconnects after an
	// unsolicited close. Beyond the cap, only an explicit Reconnect call
	// resumes the connection.
	defaultMaxReconnectAttempts = 10

	// wsReadLimit bounds inbound frame size. Chat frames are small; 1MB
	// leaves generous headroom for batched payloads.
	wsReadLimit = 1 << 20
)

//go:generate mockgen -source=conn.go -destination=mock_conn_test.go -package=chat

// wsConn abstracts the websocket connection so Connection can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc dials the push gateway. Injected in tests.
type DialFunc func(ctx context.Context, target string) (wsConn, error)

func defaultDial(ctx context.Context, target string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, target, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wsReadLimit)

	return conn, nil
}

// Handlers is the consumer-facing callback set. The registered set may be
// swapped at any point in the connection's lifetime; Connection always
// dispatches to the handlers registered at dispatch time, never to a set
// captured at connect time.
type Handlers struct {
	OnOpen  func()
	OnEvent func(InboundEvent)
	OnClose func()
	OnError func(error)
}

// ConnConfig holds the parameters for a Connection.
type ConnConfig struct {
	Session SessionProvider

	// Dial defaults to a real websocket dial when nil.
	Dial DialFunc

	// ReconnectInterval defaults to 3s when zero.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts defaults to 10 when zero.
	MaxReconnectAttempts int
}

// Connection owns the lifecycle of one logical push connection: dial,
// authenticated handshake, fixed-interval reconnect with an attempt cap,
// and intentional-vs-accidental close. Callers never hold the underlying
// websocket, only the Connection.
//
// A reader goroutine per live connection decodes frames and dispatches
// them to the current handler set. All lifecycle state is behind one
// mutex; dispatch happens outside it.
type Connection struct {
	logger  *slog.Logger
	session SessionProvider
	dial    DialFunc

	interval    time.Duration
	maxAttempts int

	mu          sync.Mutex
	conn        wsConn
	connected   bool
	intentional bool
	attempts    int
	retryTimer  *time.Timer
	readCancel  context.CancelFunc

	hmu      sync.RWMutex
	handlers Handlers
}

// NewConnection creates a Connection from the given config.
func NewConnection(cfg ConnConfig, logger *slog.Logger) *Connection {
	dial := cfg.Dial
	if dial == nil {
		dial = defaultDial
	}

	interval := cfg.ReconnectInterval
	if interval == 0 {
		interval = defaultReconnectInterval
	}

	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxReconnectAttempts
	}

	return &Connection{
		logger:      logger,
		session:     cfg.Session,
		dial:        dial,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// SetHandlers replaces the registered handler set. Safe to call at any
// time; in-flight dispatches use whichever set is current when they fire.
func (c *Connection) SetHandlers(h Handlers) {
	c.hmu.Lock()
	c.handlers = h
	c.hmu.Unlock()
}

// Connect resolves the gateway address and credential, dials, and performs
// the auth handshake. Returns the immediate attempt's error; on failure
// (including credential resolution, which can fail transiently during
// startup) a retry is scheduled after the fixed interval, up to the
// attempt cap.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.intentional = false
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *Connection) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	target, err := c.session.ConnectTarget(ctx)
	if err != nil {
		return c.connectFailed(ctx, fmt.Errorf("resolving connect target: %w", err))
	}

	token, err := c.session.Credential(ctx)
	if err != nil {
		return c.connectFailed(ctx, fmt.Errorf("resolving credential: %w", err))
	}

	c.logger.Debug("connecting", slog.String("target", target))

	conn, err := c.dial(ctx, target)
	if err != nil {
		return c.connectFailed(ctx, fmt.Errorf("dialing gateway: %w", err))
	}

	if err := c.handshake(ctx, conn, token); err != nil {
		conn.Close(websocket.StatusNormalClosure, "auth failed")
		return c.connectFailed(ctx, err)
	}

	readCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.readCancel = cancel
	c.mu.Unlock()

	c.logger.Info("push connection open")
	c.dispatchOpen()

	go c.readLoop(readCtx, conn)

	return nil
}

// handshake sends the auth frame and waits for the server's verdict.
func (c *Connection) handshake(ctx context.Context, conn wsConn, token string) error {
	frame, err := json.Marshal(authMessage{Type: "auth", Token: token})
	if err != nil {
		return fmt.Errorf("marshalling auth frame: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("sending auth frame: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading auth response: %w", err)
	}

	var resp authResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("decoding auth response: %w", err)
	}

	if resp.Type != "auth_ok" {
		msg := resp.Error
		if msg == "" {
			msg = resp.Type
		}

		return fmt.Errorf("auth rejected: %s", msg)
	}

	return nil
}

// connectFailed dispatches the error and schedules a retry, then returns
// the error so the immediate caller sees the attempt's outcome.
func (c *Connection) connectFailed(ctx context.Context, err error) error {
	c.dispatchError(err)
	c.scheduleRetry(ctx, err)

	return err
}

// scheduleRetry arms the fixed-interval retry timer unless the close was
// intentional, the context is gone, or the attempt cap is reached.
func (c *Connection) scheduleRetry(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}

	if c.attempts >= c.maxAttempts {
		c.mu.Unlock()
		c.logger.Warn("reconnect attempts exhausted",
			slog.Int("attempts", c.maxAttempts),
			slog.String("error", cause.Error()),
		)

		return
	}

	c.attempts++
	attempt := c.attempts
	c.retryTimer = time.AfterFunc(c.interval, func() {
		_ = c.connect(ctx)
	})
	c.mu.Unlock()

	c.logger.Warn("connection failed, retry scheduled",
		slog.Int("attempt", attempt),
		slog.Int("max", c.maxAttempts),
		slog.Duration("in", c.interval),
		slog.String("error", cause.Error()),
	)
}

// readLoop decodes inbound frames until the connection drops. On an
// unsolicited close it dispatches OnClose and enters the retry path.
func (c *Connection) readLoop(ctx context.Context, conn wsConn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.handleClosed(ctx, err)
			return
		}

		if typ != websocket.MessageText {
			c.logger.Debug("ignoring non-text frame", slog.Int("bytes", len(data)))
			continue
		}

		c.handleFrame(data)
	}
}

func (c *Connection) handleClosed(ctx context.Context, err error) {
	c.mu.Lock()
	c.connected = false
	c.conn = nil
	intentional := c.intentional
	c.mu.Unlock()

	if intentional || ctx.Err() != nil {
		return
	}

	c.logger.Warn("connection lost", slog.String("error", err.Error()))
	c.dispatchClose()
	c.scheduleRetry(ctx, err)
}

// handleFrame routes one inbound text frame. Malformed payloads are
// dropped with a logged diagnostic; they never surface as connection
// errors.
func (c *Connection) handleFrame(data []byte) {
	if !gjson.ValidBytes(data) {
		c.logger.Warn("dropping unparseable frame", slog.Int("bytes", len(data)))
		return
	}

	kind := gjson.GetBytes(data, "type").Str

	switch kind {
	case "":
		c.logger.Warn("dropping frame without type discriminant", slog.Int("bytes", len(data)))

	case "new_message":
		var env pushEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed message push", slog.String("error", err.Error()))
			return
		}

		if env.Message.ID == "" {
			c.logger.Warn("dropping message push without id")
			return
		}

		env.Message.Provenance = Confirmed
		c.dispatchEvent(InboundEvent{Kind: EventNewMessage, Message: env.Message})

	default:
		c.dispatchEvent(InboundEvent{Kind: EventOther, Type: kind, Raw: data})
	}
}

// Send writes a JSON frame, fire-and-forget. A no-op when the connection
// is not open; callers that care should check IsConnected first. There is
// no outbound queue across disconnects.
func (c *Connection) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.logger.Debug("send skipped, not connected")
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// Disconnect closes the connection intentionally: no retry is scheduled
// and any pending retry timer is cancelled. Idempotent and safe when no
// connection exists.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.connected = false

	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}

	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}

	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// Reconnect clears the intentional-close flag, resets the attempt counter,
// and dials again. This is the only way to resume after the automatic
// retry budget is exhausted.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.intentional = false
	c.attempts = 0

	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	return c.connect(ctx)
}

// IsConnected reports whether the push connection is live.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *Connection) dispatchOpen() {
	c.hmu.RLock()
	h := c.handlers.OnOpen
	c.hmu.RUnlock()

	if h != nil {
		h()
	}
}

func (c *Connection) dispatchEvent(ev InboundEvent) {
	c.hmu.RLock()
	h := c.handlers.OnEvent
	c.hmu.RUnlock()

	if h != nil {
		h(ev)
	}
}

func (c *Connection) dispatchClose() {
	c.hmu.RLock()
	h := c.handlers.OnClose
	c.hmu.RUnlock()

	if h != nil {
		h()
	}
}

func (c *Connection) dispatchError(err error) {
	c.hmu.RLock()
	h := c.handlers.OnError
	c.hmu.RUnlock()

	if h != nil {
		h(err)
	}
}
