package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientHandlers is the presentation layer's callback set. Like the
// connection handlers, the set may be replaced at any time and dispatch
// always goes to the current one.
type ClientHandlers struct {
	// OnTimeline fires with the full reconciled sequence whenever a
	// scope's timeline changes.
	OnTimeline func(scope Scope, msgs []Message)

	// OnProfiles fires when sender profiles resolve after enrichment.
	OnProfiles func(map[string]ProfileRecord)

	// OnConnection fires with the connection health on open and close.
	OnConnection func(connected bool)

	// OnScroll fires when the scroll state changes.
	OnScroll func(ScrollState)

	// OnAutoScroll requests the consumer to jump to the bottom: either
	// the viewer sent a message, or a new message arrived while they
	// were already at the bottom.
	OnAutoScroll func(scope Scope)

	// OnError surfaces connection-level errors for a status banner.
	OnError func(error)
}

// ClientConfig wires the core's components and collaborators.
type ClientConfig struct {
	Conn     *Connection
	History  HistoryService
	Sender   SendService
	Profiles *ProfileResolver

	// Marks is optional; without it read watermarks are not persisted.
	Marks ReadMarkStore

	// SelfID identifies the viewer for unseen-count accounting.
	SelfID string

	// BottomThreshold <= 0 selects the default.
	BottomThreshold float64
}

// Client composes the connection, reconciler, profile resolver and scroll
// tracker into the surface the presentation layer consumes.
type Client struct {
	logger   *slog.Logger
	conn     *Connection
	rec      *Reconciler
	profiles *ProfileResolver
	scroll   *ScrollTracker
	sender   SendService
	marks    ReadMarkStore
	selfID   string

	mu      sync.Mutex
	current Scope
	runCtx  context.Context

	hmu      sync.RWMutex
	handlers ClientHandlers
}

// NewClient builds the core from the given config.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	c := &Client{
		logger:   logger,
		conn:     cfg.Conn,
		profiles: cfg.Profiles,
		scroll:   NewScrollTracker(cfg.BottomThreshold),
		sender:   cfg.Sender,
		marks:    cfg.Marks,
		selfID:   cfg.SelfID,
		runCtx:   context.Background(),
	}

	c.rec = NewReconciler(cfg.History, cfg.Profiles, cfg.SelfID, logger)
	c.rec.SetOnChange(c.handleTimelineChange)
	c.rec.SetOnProfiles(func(recs map[string]ProfileRecord) {
		c.dispatch(func(h ClientHandlers) {
			if h.OnProfiles != nil {
				h.OnProfiles(recs)
			}
		})
	})

	c.conn.SetHandlers(Handlers{
		OnOpen:  c.handleOpen,
		OnEvent: c.handleEvent,
		OnClose: c.handleClose,
		OnError: c.handleConnError,
	})

	return c
}

// SetHandlers replaces the presentation callbacks.
func (c *Client) SetHandlers(h ClientHandlers) {
	c.hmu.Lock()
	c.handlers = h
	c.hmu.Unlock()
}

// Start opens the push connection. The given context bounds the whole
// session including reconnect timers.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	return c.conn.Connect(ctx)
}

// Stop tears the connection down intentionally.
func (c *Client) Stop() {
	c.conn.Disconnect()
}

// OpenScope starts observing a scope and loads its history. Sender
// presence for a reopened scope is evicted first so enrichment re-fetches
// fresh records.
func (c *Client) OpenScope(ctx context.Context, scope Scope) error {
	c.mu.Lock()
	c.current = scope
	c.mu.Unlock()

	if ids := senderIDs(c.rec.Messages(scope)); len(ids) > 0 {
		c.profiles.ForgetPresence(ids)
	}

	c.rec.Observe(scope)

	if err := c.rec.LoadHistory(ctx, scope); err != nil {
		return fmt.Errorf("opening scope %q: %w", scope, err)
	}

	return nil
}

// CloseScope stops observing a scope and discards its timeline. Late
// history results for it are discarded by the fetch generation.
func (c *Client) CloseScope(scope Scope) {
	c.rec.Forget(scope)
}

// Send inserts the message optimistically, submits it to the send
// service, and completes the optimistic protocol with the outcome. On
// error the optimistic entry has already been rolled back and the caller
// should restore the user's input buffer for a manual retry; sends are
// never retried automatically.
func (c *Client) Send(ctx context.Context, scope Scope, content string) error {
	localID, err := c.rec.SendOptimistic(scope, content)
	if err != nil {
		return err
	}

	confirmed, err := c.sender.SendMessage(ctx, scope, content)
	c.rec.ConfirmSend(localID, confirmed, err)

	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	return nil
}

// RetryConnection resets the retry budget and dials again. This is the
// recovery path once automatic reconnects are exhausted.
func (c *Client) RetryConnection() error {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()

	return c.conn.Reconnect(ctx)
}

// ReportScroll feeds viewport geometry to the tracker. Crossing into the
// bottom region marks the current scope read.
func (c *Client) ReportScroll(scrollTop, scrollHeight, viewportHeight float64) {
	wasAtBottom := c.scroll.State().IsAtBottom
	atBottom := c.scroll.ReportScroll(scrollTop, scrollHeight, viewportHeight)

	if atBottom && !wasAtBottom {
		c.markRead(c.currentScope())
	}

	c.dispatchScroll()
}

// AcknowledgeBottom clears the unseen counter after an explicit jump to
// the bottom and marks the current scope read.
func (c *Client) AcknowledgeBottom() {
	c.scroll.AcknowledgeBottom()
	c.markRead(c.currentScope())
	c.dispatchScroll()
}

// Messages returns the reconciled sequence for a scope.
func (c *Client) Messages(scope Scope) []Message {
	return c.rec.Messages(scope)
}

// Connected reports the push connection health.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// Scroll returns the current scroll state.
func (c *Client) Scroll() ScrollState {
	return c.scroll.State()
}

func (c *Client) currentScope() Scope {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// handleOpen refreshes every observed scope after a (re)connect. Push
// events missed during the gap are recovered by the follow-up fetch; the
// reconciler's dedup makes the overlap harmless.
func (c *Client) handleOpen() {
	c.dispatch(func(h ClientHandlers) {
		if h.OnConnection != nil {
			h.OnConnection(true)
		}
	})

	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()

	for _, scope := range c.rec.Scopes() {
		go func(scope Scope) {
			if err := c.rec.LoadHistory(ctx, scope); err != nil {
				c.logger.Warn("refreshing scope after reconnect",
					slog.String("scope", string(scope)),
					slog.String("error", err.Error()),
				)
			}
		}(scope)
	}
}

func (c *Client) handleEvent(ev InboundEvent) {
	switch ev.Kind {
	case EventNewMessage:
		c.rec.IngestPush(ev.Message)
	default:
		c.logger.Debug("ignoring push event", slog.String("type", ev.Type))
	}
}

func (c *Client) handleClose() {
	c.dispatch(func(h ClientHandlers) {
		if h.OnConnection != nil {
			h.OnConnection(false)
		}
	})
}

func (c *Client) handleConnError(err error) {
	c.dispatch(func(h ClientHandlers) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
}

// handleTimelineChange forwards the new snapshot and keeps the scroll
// tracker in sync: the viewer's own messages request an auto-scroll, new
// messages from others either request an auto-scroll (at bottom) or bump
// the unseen counter (away from it). Only the current scope feeds the
// tracker.
func (c *Client) handleTimelineChange(scope Scope, msgs []Message, appended []Message) {
	c.dispatch(func(h ClientHandlers) {
		if h.OnTimeline != nil {
			h.OnTimeline(scope, msgs)
		}
	})

	if scope != c.currentScope() || len(appended) == 0 {
		return
	}

	var nonSelf int
	var self bool
	for _, m := range appended {
		if m.SenderID == c.selfID {
			self = true
		} else {
			nonSelf++
		}
	}

	if self {
		c.dispatch(func(h ClientHandlers) {
			if h.OnAutoScroll != nil {
				h.OnAutoScroll(scope)
			}
		})
	}

	if nonSelf == 0 {
		return
	}

	if c.scroll.State().IsAtBottom {
		c.markRead(scope)
		c.dispatch(func(h ClientHandlers) {
			if h.OnAutoScroll != nil {
				h.OnAutoScroll(scope)
			}
		})

		return
	}

	c.scroll.NotifyNewMessages(nonSelf)
	c.dispatchScroll()
}

// markRead persists the read watermark and tells the server, fire and
// forget. Neither failure is surfaced; the watermark self-corrects on the
// next acknowledgment.
func (c *Client) markRead(scope Scope) {
	ts := time.Now().UnixMilli()
	if msgs := c.rec.Messages(scope); len(msgs) > 0 {
		ts = msgs[len(msgs)-1].Timestamp
	}

	if c.marks != nil {
		if err := c.marks.SetLastRead(scope, ts); err != nil {
			c.logger.Warn("persisting read mark",
				slog.String("scope", string(scope)),
				slog.String("error", err.Error()),
			)
		}
	}

	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()

	if err := c.conn.Send(ctx, markReadEnvelope{Type: "mark_read", Scope: scope, LastRead: ts}); err != nil {
		c.logger.Debug("read receipt not sent", slog.String("error", err.Error()))
	}
}

func (c *Client) dispatchScroll() {
	state := c.scroll.State()
	c.dispatch(func(h ClientHandlers) {
		if h.OnScroll != nil {
			h.OnScroll(state)
		}
	})
}

func (c *Client) dispatch(fn func(ClientHandlers)) {
	c.hmu.RLock()
	h := c.handlers
	c.hmu.RUnlock()

	fn(h)
}

func senderIDs(msgs []Message) []string {
	seen := make(map[string]struct{}, len(msgs))

	var ids []string
	for _, m := range msgs {
		if m.SenderID == "" {
			continue
		}

		if _, ok := seen[m.SenderID]; ok {
			continue
		}

		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}

	return ids
}
