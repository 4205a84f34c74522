// Package memstore implements the record store port in memory. Fast and
// volatile: used by tests and ephemeral deployments. Its filter and
// immutability semantics must stay identical to the postgres backend;
// both route every update through store.ValidateChanges/ApplyChanges.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spritelab/fleetd/internal/domain"
	"github.com/spritelab/fleetd/internal/domain/intent"
	"github.com/spritelab/fleetd/internal/port/store"
)

// Store is an in-memory record store.
type Store struct {
	mu      sync.RWMutex
	intents map[string]*intent.Intent
	now     func() time.Time // for testing
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		intents: make(map[string]*intent.Intent),
		now:     time.Now,
	}
}

// Create persists a new intent. The id must be unused.
func (s *Store) Create(_ context.Context, in *intent.Intent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.intents[in.ID]; exists {
		return fmt.Errorf("intent %s: %w", in.ID, domain.ErrConflict)
	}

	cp, err := deepCopy(in)
	if err != nil {
		return err
	}
	s.intents[in.ID] = cp
	return nil
}

// Get returns a copy of the intent.
func (s *Store) Get(_ context.Context, id string) (*intent.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, domain.ErrNotFound)
	}
	return deepCopy(in)
}

// List returns intents matching the filter, newest first.
func (s *Store) List(_ context.Context, f store.Filter) ([]intent.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []intent.Intent
	for _, in := range s.intents {
		if !matches(in, f) {
			continue
		}
		cp, err := deepCopy(in)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Update validates and applies a changeset under the store lock, which
// serializes conflicting writes to the same id.
func (s *Store) Update(_ context.Context, id string, ch store.Changes) (*intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, domain.ErrNotFound)
	}

	if err := store.ValidateChanges(in, ch); err != nil {
		return nil, err
	}

	cp, err := deepCopy(in)
	if err != nil {
		return nil, err
	}
	store.ApplyChanges(cp, ch, s.now().UTC())
	s.intents[id] = cp

	return deepCopy(cp)
}

// AddArtifact appends an artifact to the intent's record.
func (s *Store) AddArtifact(_ context.Context, id string, a intent.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("intent %s: %w", id, domain.ErrNotFound)
	}
	in.Artifacts = append(in.Artifacts, a)
	in.UpdatedAt = s.now().UTC()
	return nil
}

// History returns the transition log, oldest first.
func (s *Store) History(_ context.Context, id string) ([]intent.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, domain.ErrNotFound)
	}
	out := make([]intent.Transition, len(in.Transitions))
	copy(out, in.Transitions)
	return out, nil
}

func matches(in *intent.Intent, f store.Filter) bool {
	if f.Kind != "" && in.Kind != f.Kind {
		return false
	}
	if f.State != "" && in.State != f.State {
		return false
	}
	if f.SourceType != "" && in.Source.Type != f.SourceType {
		return false
	}
	if !f.Since.IsZero() && in.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && in.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

// deepCopy round-trips through JSON so callers can never alias internal
// maps or slices.
func deepCopy(in *intent.Intent) (*intent.Intent, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("memstore copy: %w", err)
	}
	var out intent.Intent
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("memstore copy: %w", err)
	}
	return &out, nil
}
