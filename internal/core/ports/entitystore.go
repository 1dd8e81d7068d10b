package ports

import (
	"context"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

// EntityStore is the read side: current materialized state per entity plus
// the potential-duplicate flags.
type EntityStore interface {
	// Get returns the entity wrapped in a pair whose Initial side is a
	// snapshot safe to retain across the following mutation. Returns
	// domain.ErrNotFound when the guid is unknown.
	Get(ctx context.Context, guid string) (*domain.EntityPair, error)
	// Save persists pair.Modified; pair.Initial distinguishes create from
	// update and feeds the audit diff.
	Save(ctx context.Context, pair *domain.EntityPair) (*domain.Entity, error)
	Delete(ctx context.Context, guid string) error
	// Search returns every entity whose flattened data matches all the
	// criteria exactly (conjunctive match).
	Search(ctx context.Context, criteria map[string]string) ([]*domain.Entity, error)
	// ListGroupsWithMember returns every group whose memberIds contains
	// the given guid, ascending by group guid.
	ListGroupsWithMember(ctx context.Context, memberGuid string) ([]*domain.Entity, error)

	FlagDuplicates(ctx context.Context, pairs []domain.PotentialDuplicatePair) error
	ResolveDuplicates(ctx context.Context, pairs []domain.PotentialDuplicatePair) error
	ListDuplicates(ctx context.Context) ([]domain.PotentialDuplicatePair, error)
}
