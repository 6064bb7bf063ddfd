package session

import (
	"sort"
	"sync"

	"github.com/tallybot/tallybot/pkg/counting"
	"github.com/tallybot/tallybot/pkg/domain"
)

// Store holds every channel Context. The outer map lock only guards lookup
// and creation; each Context carries its own mutex, so operations on one
// channel never block reads or writes on another.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	limit    int
}

// NewStore builds an empty store whose contexts keep at most limit turns.
// A non-positive limit falls back to DefaultHistoryLimit.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &Store{
		contexts: make(map[string]*Context),
		limit:    limit,
	}
}

func (s *Store) getOrCreate(key, origin string) *Context {
	s.mu.RLock()
	c, ok := s.contexts[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[key]; ok {
		return c
	}
	c = newContext(key, origin, s.limit)
	s.contexts[key] = c
	return c
}

// Update runs fn against the channel's Context under its lock and returns the
// domain events the mutation recorded. Callers publish them after this call
// returns, never while holding the lock, so event handlers can read the store
// without deadlocking.
func (s *Store) Update(key, origin string, fn func(*Context)) ([]domain.Event, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	c := s.getOrCreate(key, origin)

	c.mu.Lock()
	fn(c)
	events := c.PullEvents()
	c.mu.Unlock()

	return events, nil
}

// RenderPrompt returns a copy of the channel's history, or nil when the
// channel has no context yet.
func (s *Store) RenderPrompt(key string) []Turn {
	s.mu.RLock()
	c, ok := s.contexts[key]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.RenderPrompt()
}

// CountingState reads the channel's counting position.
func (s *Store) CountingState(key string) (counting.State, bool) {
	s.mu.RLock()
	c, ok := s.contexts[key]
	s.mu.RUnlock()
	if !ok {
		return counting.State{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Counting, true
}

// Snapshot captures one channel for checkpointing.
func (s *Store) Snapshot(key string) (Snapshot, bool) {
	s.mu.RLock()
	c, ok := s.contexts[key]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), true
}

// Snapshots captures every channel, ordered by key.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	contexts := make([]*Context, 0, len(s.contexts))
	for _, c := range s.contexts {
		contexts = append(contexts, c)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(contexts))
	for _, c := range contexts {
		c.mu.Lock()
		out = append(out, c.snapshot())
		c.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Merge restores snapshots into the store. Channels that already hold live
// state keep it; merge only fills gaps, so a checkpoint loaded after traffic
// started cannot roll a channel backwards.
func (s *Store) Merge(snaps []Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		if snap.Key == "" {
			continue
		}
		if _, ok := s.contexts[snap.Key]; ok {
			continue
		}
		c := newContext(snap.Key, snap.Origin, s.limit)
		c.History = append(c.History, snap.History...)
		if excess := len(c.History) - s.limit; excess > 0 {
			c.History = append(c.History[:0], c.History[excess:]...)
		}
		if snap.Counting.ExpectedNext >= 1 {
			c.Counting = snap.Counting
		}
		c.UpdatedAt = snap.UpdatedAt
		s.contexts[snap.Key] = c
	}
}

// Keys lists every known channel key, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.contexts))
	for k := range s.contexts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len reports how many channels hold state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}
