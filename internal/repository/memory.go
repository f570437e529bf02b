package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/dharsanguruparan/facescan/internal/model"
)

// MemoryStore keeps results in process memory. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]*model.MatchResult
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]*model.MatchResult)}
}

// Save stores a copy of result.
func (s *MemoryStore) Save(_ context.Context, result *model.MatchResult) error {
	if result == nil || result.ID == "" {
		return errors.New("result id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.ID] = clone(result)
	return nil
}

// Get returns a copy of the result when ownerID owns it.
func (s *MemoryStore) Get(_ context.Context, ownerID, id string) (*model.MatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok || r.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	out := clone(r)
	normalize(out)
	return out, nil
}
