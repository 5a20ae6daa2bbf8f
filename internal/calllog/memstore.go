package calllog

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory [Store].
type MemStore struct {
	mu    sync.Mutex
	calls map[string]Call
	order []string
	turns map[string][]Turn
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		calls: make(map[string]Call),
		turns: make(map[string][]Turn),
	}
}

// StartCall implements [Store].
func (s *MemStore) StartCall(_ context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.StreamSID]; !ok {
		s.order = append(s.order, c.StreamSID)
	}
	c.EndedAt = time.Time{}
	s.calls[c.StreamSID] = c
	delete(s.turns, c.StreamSID)
	return nil
}

// AddTurn implements [Store].
func (s *MemStore) AddTurn(_ context.Context, t Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[t.StreamSID] = append(s.turns[t.StreamSID], t)
	return nil
}

// EndCall implements [Store].
func (s *MemStore) EndCall(_ context.Context, streamSID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[streamSID]
	if !ok {
		return nil
	}
	c.EndedAt = endedAt
	s.calls[streamSID] = c
	return nil
}

// Calls returns every recorded call in start order.
func (s *MemStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.calls[id])
	}
	return out
}

// Call returns the call with the given stream id.
func (s *MemStore) Call(streamSID string) (Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[streamSID]
	return c, ok
}

// Turns returns the turns of one call in order.
func (s *MemStore) Turns(streamSID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns[streamSID]))
	copy(out, s.turns[streamSID])
	return out
}
