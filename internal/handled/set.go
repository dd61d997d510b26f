// Package handled records which booking sessions have already had expiry
// processed, so duplicate cancellation calls are never issued, across ticks
// and across process restarts.
package handled

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Store persists the full handled-key set. Implementations must tolerate a
// missing record on first load.
type Store interface {
	Load(ctx context.Context) ([]string, error)
	Save(ctx context.Context, keys []string) error
}

// Set is the in-memory handled set with write-through persistence. A nil or
// failing store degrades to memory-only behavior: losing the durable copy
// risks one duplicate (idempotent) backend call, which beats taking the
// detection loop down.
type Set struct {
	mu    sync.RWMutex
	keys  map[string]struct{}
	store Store
}

// NewSet creates an empty set backed by store. Store may be nil.
func NewSet(store Store) *Set {
	return &Set{
		keys:  make(map[string]struct{}),
		store: store,
	}
}

// Load merges persisted keys into memory. Must run before the first detection
// tick. Store failures are logged and swallowed.
func (s *Set) Load(ctx context.Context) {
	if s.store == nil {
		return
	}
	keys, err := s.store.Load(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("handled-set load failed, starting empty")
		return
	}

	s.mu.Lock()
	for _, key := range keys {
		s.keys[key] = struct{}{}
	}
	count := len(s.keys)
	s.mu.Unlock()

	log.Info().Int("keys", count).Msg("handled-set loaded")
}

// Add marks a key as handled and flushes the set. The in-memory write happens
// first so the same tick can never observe the key as unhandled again, even
// if the flush fails.
func (s *Set) Add(ctx context.Context, key string) {
	s.mu.Lock()
	_, exists := s.keys[key]
	s.keys[key] = struct{}{}
	s.mu.Unlock()

	if !exists {
		s.flush(ctx)
	}
}

// Remove clears a key, used when a payment succeeds for it or when the server
// rejected the expiry assumption.
func (s *Set) Remove(ctx context.Context, key string) {
	s.mu.Lock()
	_, exists := s.keys[key]
	delete(s.keys, key)
	s.mu.Unlock()

	if exists {
		s.flush(ctx)
	}
}

// Contains reports whether expiry has already been processed for the key.
func (s *Set) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok
}

// Keys returns the handled keys in stable order.
func (s *Set) Keys() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.keys))
	for key := range s.keys {
		out = append(out, key)
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

func (s *Set) flush(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, s.Keys()); err != nil {
		log.Warn().Err(err).Msg("handled-set flush failed, continuing in memory")
	}
}
