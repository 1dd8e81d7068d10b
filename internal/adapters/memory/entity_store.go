package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

// EntityStore is the map-backed read side used by tests and in-process
// client replicas. Every boundary crossing clones, so callers never share
// state with the store.
type EntityStore struct {
	mu         sync.RWMutex
	entities   map[string]*domain.Entity
	duplicates map[string]domain.PotentialDuplicatePair
	nextID     int64
}

func NewEntityStore() *EntityStore {
	return &EntityStore{
		entities:   map[string]*domain.Entity{},
		duplicates: map[string]domain.PotentialDuplicatePair{},
	}
}

func (s *EntityStore) Get(_ context.Context, guid string) (*domain.EntityPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, ok := s.entities[guid]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", guid, domain.ErrNotFound)
	}
	return &domain.EntityPair{Initial: entity.Clone(), Modified: entity.Clone()}, nil
}

func (s *EntityStore) Save(_ context.Context, pair *domain.EntityPair) (*domain.Entity, error) {
	if pair == nil || pair.Modified == nil {
		return nil, fmt.Errorf("%w: nothing to save", domain.ErrValidation)
	}
	if err := pair.Modified.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entity := pair.Modified.Clone()
	if existing, ok := s.entities[entity.Guid]; ok {
		entity.ID = existing.ID
	} else if entity.ID == 0 {
		s.nextID++
		entity.ID = s.nextID
	}
	s.entities[entity.Guid] = entity
	return entity.Clone(), nil
}

func (s *EntityStore) Delete(_ context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[guid]; !ok {
		return fmt.Errorf("entity %s: %w", guid, domain.ErrNotFound)
	}
	delete(s.entities, guid)
	for key, pair := range s.duplicates {
		if pair.Involves(guid) {
			delete(s.duplicates, key)
		}
	}
	return nil
}

func (s *EntityStore) Search(_ context.Context, criteria map[string]string) ([]*domain.Entity, error) {
	if len(criteria) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*domain.Entity
	for _, entity := range s.entities {
		fields := domain.FlattenFields(entity.Data)
		if matchesAll(fields, criteria) {
			matches = append(matches, entity.Clone())
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Guid < matches[j].Guid })
	return matches, nil
}

func (s *EntityStore) ListGroupsWithMember(_ context.Context, memberGuid string) ([]*domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var groups []*domain.Entity
	for _, entity := range s.entities {
		if !entity.IsGroup() {
			continue
		}
		for _, id := range entity.MemberIDs {
			if id == memberGuid {
				groups = append(groups, entity.Clone())
				break
			}
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Guid < groups[j].Guid })
	return groups, nil
}

func matchesAll(fields map[string]string, criteria map[string]string) bool {
	for path, want := range criteria {
		if fields[path] != want {
			return false
		}
	}
	return true
}

func (s *EntityStore) FlagDuplicates(_ context.Context, pairs []domain.PotentialDuplicatePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pair := range pairs {
		pair = pair.Normalize()
		s.duplicates[pairKey(pair)] = pair
	}
	return nil
}

func (s *EntityStore) ResolveDuplicates(_ context.Context, pairs []domain.PotentialDuplicatePair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pair := range pairs {
		delete(s.duplicates, pairKey(pair.Normalize()))
	}
	return nil
}

func (s *EntityStore) ListDuplicates(_ context.Context) ([]domain.PotentialDuplicatePair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PotentialDuplicatePair, 0, len(s.duplicates))
	for _, pair := range s.duplicates {
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityGuid != out[j].EntityGuid {
			return out[i].EntityGuid < out[j].EntityGuid
		}
		return out[i].DuplicateGuid < out[j].DuplicateGuid
	})
	return out, nil
}

func pairKey(pair domain.PotentialDuplicatePair) string {
	return pair.EntityGuid + "|" + pair.DuplicateGuid
}
