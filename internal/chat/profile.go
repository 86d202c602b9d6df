package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// profileCall tracks one in-flight id so concurrent resolves share a
// single fetch instead of each hitting the network.
type profileCall struct {
	done chan struct{}
	rec  ProfileRecord
	ok   bool
	err  error
}

// ProfileResolver resolves sender ids to display metadata with a
// process-lifetime cache and request coalescing. The cache has no expiry;
// presence freshness relies on explicit re-resolution by the consumer
// (ForgetPresence on scope open), not on the cache itself.
type ProfileResolver struct {
	logger *slog.Logger
	fetch  ProfileFetcher

	mu       sync.Mutex
	cache    map[string]ProfileRecord
	inflight map[string]*profileCall
}

// NewProfileResolver creates a resolver backed by the given fetcher.
func NewProfileResolver(fetch ProfileFetcher, logger *slog.Logger) *ProfileResolver {
	return &ProfileResolver{
		logger:   logger,
		fetch:    fetch,
		cache:    make(map[string]ProfileRecord),
		inflight: make(map[string]*profileCall),
	}
}

// Resolve returns profile records for the requested ids. Cached ids are
// served from memory; ids already being fetched by a concurrent call are
// awaited, not re-fetched; only the remainder goes out as one batched
// fetch. Ids the backend does not know are absent from the result.
func (p *ProfileResolver) Resolve(ctx context.Context, ids []string) (map[string]ProfileRecord, error) {
	result := make(map[string]ProfileRecord, len(ids))

	var (
		await   []*profileCall
		awaitID []string
		missing []string
	)

	p.mu.Lock()
	seen := make(map[string]struct{}, len(ids))

	for _, id := range ids {
		if id == "" {
			continue
		}

		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if rec, ok := p.cache[id]; ok {
			result[id] = rec
			continue
		}

		if call, ok := p.inflight[id]; ok {
			await = append(await, call)
			awaitID = append(awaitID, id)

			continue
		}

		call := &profileCall{done: make(chan struct{})}
		p.inflight[id] = call
		await = append(await, call)
		awaitID = append(awaitID, id)
		missing = append(missing, id)
	}
	p.mu.Unlock()

	if len(missing) > 0 {
		p.fetchBatch(ctx, missing)
	}

	for i, call := range await {
		select {
		case <-call.done:
		case <-ctx.Done():
			return result, ctx.Err()
		}

		if call.err != nil {
			return result, call.err
		}

		if call.ok {
			result[awaitID[i]] = call.rec
		}
	}

	return result, nil
}

// fetchBatch issues one batched fetch for ids this call registered as
// in-flight, then completes their calls so every waiter observes the
// outcome.
func (p *ProfileResolver) fetchBatch(ctx context.Context, ids []string) {
	recs, err := p.fetch.Profiles(ctx, ids)
	if err != nil {
		err = fmt.Errorf("fetching profiles: %w", err)
	}

	byID := make(map[string]ProfileRecord, len(recs))
	for _, rec := range recs {
		byID[rec.UserID] = rec
	}

	p.mu.Lock()
	for _, id := range ids {
		call, ok := p.inflight[id]
		if !ok {
			continue
		}
		delete(p.inflight, id)

		call.err = err
		if rec, found := byID[id]; err == nil && found {
			call.rec = rec
			call.ok = true
			p.cache[id] = rec
		}

		close(call.done)
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("profile batch fetch failed",
			slog.Int("ids", len(ids)),
			slog.String("error", err.Error()),
		)
	}
}

// Cached returns the cached record for an id, if present.
func (p *ProfileResolver) Cached(id string) (ProfileRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.cache[id]

	return rec, ok
}

// ForgetPresence evicts the given ids so the next Resolve re-fetches
// them. Used on scope open to refresh presence, which otherwise goes
// stale since the cache never expires.
func (p *ProfileResolver) ForgetPresence(ids []string) {
	p.mu.Lock()
	for _, id := range ids {
		delete(p.cache, id)
	}
	p.mu.Unlock()
}
