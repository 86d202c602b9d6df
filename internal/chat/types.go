package chat

import "context"

// GlobalScope is the implicit singleton scope for the global room. Direct
// conversations are scoped by their conversation id.
const GlobalScope = Scope("")

// Scope identifies the conversational context a message belongs to.
type Scope string

// Global reports whether the scope is the implicit global room.
func (s Scope) Global() bool {
	return s == GlobalScope
}

// Provenance records where a message entry came from.
type Provenance int

const (
	// Confirmed messages arrived from a history fetch or a push event and
	// carry a durable server-assigned id.
	Confirmed Provenance = iota

	// Optimistic messages were created locally and carry a temporary
	// locally-generated id until the server acknowledges the send.
	Optimistic
)

// Message is one chat message. Within a scope the set of messages is keyed
// by ID with no duplicates. Entries are never mutated in place; the
// optimistic to confirmed transition replaces the entry.
type Message struct {
	ID        string `json:"id"`
	Scope     Scope  `json:"conversation_id"`
	SenderID  string `json:"sender_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`

	Provenance Provenance `json:"-"`
}

// ProfileRecord is an immutable snapshot of a sender's display metadata.
// A fresher fetch for the same user supersedes the whole record; consumers
// must not mutate it.
type ProfileRecord struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"nickname"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Presence    string `json:"status,omitempty"`
}

// EventKind discriminates inbound push events.
type EventKind int

const (
	// EventNewMessage carries a chat message pushed by the server.
	EventNewMessage EventKind = iota

	// EventOther carries an opaque payload the core does not interpret.
	EventOther
)

// InboundEvent is a decoded frame from the push connection. Transient;
// consumed immediately by the reconciler or ignored.
type InboundEvent struct {
	Kind    EventKind
	Message Message
	Type    string // wire discriminant, set for EventOther
	Raw     []byte // original payload, set for EventOther
}

// Wire-level frames. The discriminant field is "type".

// authMessage is sent as the first frame after the websocket opens.
type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// authResponse is the server reply to an auth frame.
type authResponse struct {
	Type   string `json:"type"`
	UserID string `json:"user_id,omitempty"`
	Error  string `json:"error,omitempty"`
}

// pushEnvelope wraps a message pushed by the server.
type pushEnvelope struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// markReadEnvelope is the fire-and-forget read receipt sent when the
// viewer reaches the bottom of a scope.
type markReadEnvelope struct {
	Type     string `json:"type"`
	Scope    Scope  `json:"conversation_id,omitempty"`
	LastRead int64  `json:"last_read"`
}

// External collaborators consumed by the core. Implementations live
// outside this package (internal/api, internal/state).

// SessionProvider resolves the push gateway address and a short-lived
// credential. Transient failures are treated like connection failures
// and retried by the connection manager.
type SessionProvider interface {
	ConnectTarget(ctx context.Context) (string, error)
	Credential(ctx context.Context) (string, error)
}

// HistoryService fetches the full message history for a scope, ordered by
// ascending timestamp.
type HistoryService interface {
	Messages(ctx context.Context, scope Scope) ([]Message, error)
}

// SendService submits a message and returns the confirmed server-assigned
// entry, or an error that triggers optimistic rollback.
type SendService interface {
	SendMessage(ctx context.Context, scope Scope, content string) (Message, error)
}

// ProfileFetcher resolves a batch of user ids to profile records. Results
// are order-independent and may be partial.
type ProfileFetcher interface {
	Profiles(ctx context.Context, ids []string) ([]ProfileRecord, error)
}

// ReadMarkStore persists the per-scope last-read watermark.
type ReadMarkStore interface {
	SetLastRead(scope Scope, ts int64) error
	LastRead(scope Scope) (int64, error)
}
