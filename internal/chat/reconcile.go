package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrScopeNotObserved is returned for operations on a scope no consumer
// is tracking. Events for unobserved scopes are dropped, not buffered.
var ErrScopeNotObserved = errors.New("scope not observed")

// timeline is the reconciled message sequence for one scope. Entries are
// ordered by timestamp ascending; ties keep insertion order (pushes and
// confirmations land after history entries with the same timestamp).
type timeline struct {
	entries []Message
	byID    map[string]struct{}
}

func newTimeline() *timeline {
	return &timeline{byID: make(map[string]struct{})}
}

// insert adds a message unless an entry with the same id already exists.
// Reports whether the message was inserted.
func (tl *timeline) insert(m Message) bool {
	if _, ok := tl.byID[m.ID]; ok {
		return false
	}

	i := sort.Search(len(tl.entries), func(i int) bool {
		return tl.entries[i].Timestamp > m.Timestamp
	})
	tl.entries = slices.Insert(tl.entries, i, m)
	tl.byID[m.ID] = struct{}{}

	return true
}

// remove deletes the entry with the given id, matching by id only so an
// unrelated message with identical content is never touched.
func (tl *timeline) remove(id string) bool {
	if _, ok := tl.byID[id]; !ok {
		return false
	}

	delete(tl.byID, id)

	for i := range tl.entries {
		if tl.entries[i].ID == id {
			tl.entries = slices.Delete(tl.entries, i, i+1)
			return true
		}
	}

	return false
}

func (tl *timeline) snapshot() []Message {
	return slices.Clone(tl.entries)
}

// Reconciler merges push events, history fetches and optimistic local
// sends into one ordered, deduplicated sequence per observed scope. All
// timeline mutation happens under one mutex; change notifications are
// dispatched outside it with snapshot copies.
type Reconciler struct {
	logger   *slog.Logger
	history  HistoryService
	profiles *ProfileResolver
	selfID   string

	mu     sync.Mutex
	scopes map[Scope]*timeline

	// gens carries a fetch-generation token per scope. A history fetch
	// started under one generation discards its result if the generation
	// moved before it completed (scope switched away and possibly back).
	gens map[Scope]int

	// pending maps an optimistic local id to its scope until the send is
	// confirmed or rolled back.
	pending map[string]Scope

	hmu        sync.RWMutex
	onChange   func(scope Scope, msgs []Message, appended []Message)
	onProfiles func(map[string]ProfileRecord)
}

// NewReconciler creates a Reconciler. selfID identifies the viewer so
// consumers can tell their own messages apart when counting unseen ones.
func NewReconciler(history HistoryService, profiles *ProfileResolver, selfID string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		logger:   logger,
		history:  history,
		profiles: profiles,
		selfID:   selfID,
		scopes:   make(map[Scope]*timeline),
		gens:     make(map[Scope]int),
		pending:  make(map[string]Scope),
	}
}

// SetOnChange registers the timeline change handler. The handler receives
// the full reconciled snapshot plus the messages newly appended by the
// triggering operation.
func (r *Reconciler) SetOnChange(fn func(scope Scope, msgs []Message, appended []Message)) {
	r.hmu.Lock()
	r.onChange = fn
	r.hmu.Unlock()
}

// SetOnProfiles registers the handler invoked when sender profiles
// requested during enrichment resolve.
func (r *Reconciler) SetOnProfiles(fn func(map[string]ProfileRecord)) {
	r.hmu.Lock()
	r.onProfiles = fn
	r.hmu.Unlock()
}

// Observe starts tracking a scope. Idempotent; an already observed
// scope keeps its timeline.
func (r *Reconciler) Observe(scope Scope) {
	r.mu.Lock()
	if _, ok := r.scopes[scope]; !ok {
		r.scopes[scope] = newTimeline()
	}
	r.mu.Unlock()
}

// Forget stops tracking a scope and discards its timeline. The scope's
// fetch generation advances so an in-flight history fetch for it cannot
// land in a later timeline.
func (r *Reconciler) Forget(scope Scope) {
	r.mu.Lock()
	delete(r.scopes, scope)
	r.gens[scope]++
	r.mu.Unlock()
}

// Scopes returns the currently observed scopes.
func (r *Reconciler) Scopes() []Scope {
	r.mu.Lock()
	defer r.mu.Unlock()

	scopes := make([]Scope, 0, len(r.scopes))
	for s := range r.scopes {
		scopes = append(scopes, s)
	}

	return scopes
}

// Observed reports whether the scope is currently tracked.
func (r *Reconciler) Observed(scope Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.scopes[scope]

	return ok
}

// Messages returns the current reconciled sequence for a scope.
func (r *Reconciler) Messages(scope Scope) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl, ok := r.scopes[scope]
	if !ok {
		return nil
	}

	return tl.snapshot()
}

// LoadHistory fetches the scope's history and merges it into the
// timeline. Entries already present (by id) are left untouched, so a
// history re-fetch after a reconnect gap is safe to repeat. A fetch whose
// generation went stale while in flight is discarded.
func (r *Reconciler) LoadHistory(ctx context.Context, scope Scope) error {
	r.mu.Lock()
	if _, ok := r.scopes[scope]; !ok {
		r.mu.Unlock()
		return ErrScopeNotObserved
	}
	gen := r.gens[scope]
	r.mu.Unlock()

	msgs, err := r.history.Messages(ctx, scope)
	if err != nil {
		// Partial data already displayed is preserved; the caller
		// surfaces the failure.
		return fmt.Errorf("fetching history: %w", err)
	}

	r.mu.Lock()
	tl, ok := r.scopes[scope]
	if !ok || r.gens[scope] != gen {
		r.mu.Unlock()
		r.logger.Debug("discarding stale history fetch", slog.String("scope", string(scope)))

		return nil
	}

	var appended []Message
	for _, m := range msgs {
		m.Scope = scope
		m.Provenance = Confirmed
		if tl.insert(m) {
			appended = append(appended, m)
		}
	}

	snapshot := tl.snapshot()
	r.mu.Unlock()

	if len(appended) > 0 {
		r.notifyChange(scope, snapshot, appended)
		r.enrich(ctx, appended)
	}

	return nil
}

// IngestPush folds one pushed message into its scope's timeline. A push
// for an unobserved scope is dropped; a push whose id is already present
// (for example after a re-fetch raced the push) is a no-op.
func (r *Reconciler) IngestPush(m Message) {
	r.mu.Lock()
	tl, ok := r.scopes[m.Scope]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("dropping push for unobserved scope",
			slog.String("scope", string(m.Scope)),
			slog.String("id", m.ID),
		)

		return
	}

	m.Provenance = Confirmed
	if !tl.insert(m) {
		r.mu.Unlock()
		r.logger.Debug("duplicate push ignored", slog.String("id", m.ID))

		return
	}

	snapshot := tl.snapshot()
	r.mu.Unlock()

	r.notifyChange(m.Scope, snapshot, []Message{m})
	r.enrich(context.Background(), []Message{m})
}

// SendOptimistic inserts a locally-authored message immediately, before
// any network round trip, under a temporary local id and the local clock.
// The returned local id keys the later ConfirmSend call.
func (r *Reconciler) SendOptimistic(scope Scope, content string) (string, error) {
	r.mu.Lock()
	tl, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return "", ErrScopeNotObserved
	}

	localID := "local-" + uuid.NewString()
	m := Message{
		ID:         localID,
		Scope:      scope,
		SenderID:   r.selfID,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
		Provenance: Optimistic,
	}

	tl.insert(m)
	r.pending[localID] = scope
	snapshot := tl.snapshot()
	r.mu.Unlock()

	r.notifyChange(scope, snapshot, []Message{m})

	return localID, nil
}

// ConfirmSend completes the optimistic protocol for localID. On failure
// the optimistic entry is removed by that exact id. On success the entry
// is replaced with the server-issued identity, unless a push event for
// the same confirmed id already arrived, in which case the optimistic
// entry is simply dropped. Both paths converge to one visible entry.
func (r *Reconciler) ConfirmSend(localID string, confirmed Message, sendErr error) {
	r.mu.Lock()
	scope, ok := r.pending[localID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("confirm for unknown local id", slog.String("local_id", localID))

		return
	}
	delete(r.pending, localID)

	tl, ok := r.scopes[scope]
	if !ok {
		r.mu.Unlock()
		return
	}

	tl.remove(localID)

	if sendErr == nil {
		confirmed.Scope = scope
		confirmed.Provenance = Confirmed
		tl.insert(confirmed)
	}

	snapshot := tl.snapshot()
	r.mu.Unlock()

	if sendErr != nil {
		r.logger.Warn("optimistic send rolled back",
			slog.String("local_id", localID),
			slog.String("error", sendErr.Error()),
		)
	}

	r.notifyChange(scope, snapshot, nil)
}

// enrich requests sender profiles for newly inserted messages without
// blocking insertion. Messages render with a placeholder sender until the
// profiles handler fires.
func (r *Reconciler) enrich(ctx context.Context, appended []Message) {
	seen := make(map[string]struct{}, len(appended))

	var ids []string
	for _, m := range appended {
		if m.SenderID == "" {
			continue
		}

		if _, ok := seen[m.SenderID]; ok {
			continue
		}

		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}

	if len(ids) == 0 || r.profiles == nil {
		return
	}

	go func() {
		recs, err := r.profiles.Resolve(ctx, ids)
		if err != nil {
			r.logger.Warn("profile enrichment failed", slog.String("error", err.Error()))
			return
		}

		if len(recs) > 0 {
			r.notifyProfiles(recs)
		}
	}()
}

func (r *Reconciler) notifyChange(scope Scope, msgs []Message, appended []Message) {
	r.hmu.RLock()
	fn := r.onChange
	r.hmu.RUnlock()

	if fn != nil {
		fn(scope, msgs, appended)
	}
}

func (r *Reconciler) notifyProfiles(recs map[string]ProfileRecord) {
	r.hmu.RLock()
	fn := r.onProfiles
	r.hmu.RUnlock()

	if fn != nil {
		fn(recs)
	}
}
