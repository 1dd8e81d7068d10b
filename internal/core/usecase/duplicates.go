package usecase

import (
	"context"
	"fmt"
	"sort"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/ports"
)

// DuplicateDetector flags entities that look like the same real-world
// subject. The heuristic is deliberately conjunctive and exact: another
// entity is a candidate only when every flattened field of the mutated
// entity matches, trading recall for zero-false-positive confidence.
type DuplicateDetector struct {
	entities ports.EntityStore
}

func NewDuplicateDetector(entities ports.EntityStore) *DuplicateDetector {
	return &DuplicateDetector{entities: entities}
}

// Detect searches the entity store for full-field matches of entity and
// returns the candidate pairs together with the field set that matched.
// The entity itself is never flagged against itself.
func (d *DuplicateDetector) Detect(ctx context.Context, entity *domain.Entity) ([]domain.PotentialDuplicatePair, []string, error) {
	if entity == nil {
		return nil, nil, nil
	}
	criteria := domain.FlattenFields(entity.Data)
	if len(criteria) == 0 {
		return nil, nil, nil
	}

	matches, err := d.entities.Search(ctx, criteria)
	if err != nil {
		return nil, nil, fmt.Errorf("duplicate search: %w", err)
	}

	var pairs []domain.PotentialDuplicatePair
	for _, match := range matches {
		if match.Guid == entity.Guid {
			continue
		}
		pair := domain.PotentialDuplicatePair{
			EntityGuid:    entity.Guid,
			DuplicateGuid: match.Guid,
		}
		pairs = append(pairs, pair.Normalize())
	}
	if len(pairs) == 0 {
		return nil, nil, nil
	}

	fields := make([]string, 0, len(criteria))
	for path := range criteria {
		fields = append(fields, path)
	}
	sort.Strings(fields)
	return pairs, fields, nil
}
