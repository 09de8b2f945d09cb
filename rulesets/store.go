package rulesets

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists rule sets
type Store interface {
	// Add inserts a new rule set, setting its timestamps
	Add(ctx context.Context, rs *RuleSet) error

	// Get returns the rule set with id, or ErrNotFound
	Get(ctx context.Context, id string) (*RuleSet, error)

	// ListActive returns active rule sets, oldest first
	ListActive(ctx context.Context) ([]*RuleSet, error)

	// Update replaces an existing rule set, preserving CreatedAt
	Update(ctx context.Context, rs *RuleSet) error

	// Delete removes the rule set with id
	Delete(ctx context.Context, id string) error
}

// InMemoryStore implements Store with a map, for deployments without a database
type InMemoryStore struct {
	sets map[string]*RuleSet
	mu   sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sets: make(map[string]*RuleSet),
	}
}

func (s *InMemoryStore) Add(_ context.Context, rs *RuleSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sets[rs.ID]; exists {
		return fmt.Errorf("%w: id %s", ErrExists, rs.ID)
	}
	for _, other := range s.sets {
		if other.Name == rs.Name {
			return fmt.Errorf("%w: name %s", ErrExists, rs.Name)
		}
	}

	now := time.Now()
	rs.CreatedAt = now
	rs.UpdatedAt = now
	s.sets[rs.ID] = rs.clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, exists := s.sets[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rs.clone(), nil
}

func (s *InMemoryStore) ListActive(_ context.Context) ([]*RuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*RuleSet
	for _, rs := range s.sets {
		if rs.Active {
			active = append(active, rs.clone())
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (s *InMemoryStore) Update(_ context.Context, rs *RuleSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sets[rs.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, rs.ID)
	}
	for _, other := range s.sets {
		if other.ID != rs.ID && other.Name == rs.Name {
			return fmt.Errorf("%w: name %s", ErrExists, rs.Name)
		}
	}

	rs.CreatedAt = existing.CreatedAt
	rs.UpdatedAt = time.Now()
	s.sets[rs.ID] = rs.clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sets[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.sets, id)
	return nil
}
