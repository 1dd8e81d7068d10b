package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

func saveEntity(t *testing.T, store *EntityStore, entity *domain.Entity) *domain.Entity {
	t.Helper()
	saved, err := store.Save(context.Background(), &domain.EntityPair{Modified: entity})
	if err != nil {
		t.Fatalf("save %s: %v", entity.Guid, err)
	}
	return saved
}

func TestEntityStoreSaveAndGet(t *testing.T) {
	store := NewEntityStore(newTestDB(t))
	ctx := context.Background()

	saved := saveEntity(t, store, &domain.Entity{
		Guid:        "grp-1",
		Kind:        domain.EntityGroup,
		Name:        "Petraitis household",
		Version:     1,
		Data:        map[string]any{"name": "Petraitis household", "district": "Kaunas"},
		LastUpdated: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		MemberIDs:   []string{"ind-1", "ind-2"},
	})
	if saved.ID == 0 {
		t.Fatal("expected assigned row id")
	}

	pair, err := store.Get(ctx, "grp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got := pair.Current()
	if got.Name != "Petraitis household" || got.Version != 1 {
		t.Fatalf("unexpected entity: %+v", got)
	}
	if len(got.MemberIDs) != 2 || got.MemberIDs[0] != "ind-1" {
		t.Fatalf("members lost: %v", got.MemberIDs)
	}
	if got.Data["district"] != "Kaunas" {
		t.Fatalf("data lost: %v", got.Data)
	}

	// The pair's sides are independent copies.
	pair.Modified.Name = "renamed"
	if pair.Initial.Name != "Petraitis household" {
		t.Fatal("modified side leaked into initial")
	}

	// Upsert by guid keeps the row id.
	updated := got.Clone()
	updated.Version = 2
	updated.Name = "Petraitis extended household"
	resaved, err := store.Save(ctx, &domain.EntityPair{Initial: got, Modified: updated})
	if err != nil {
		t.Fatalf("resave: %v", err)
	}
	if resaved.ID != saved.ID {
		t.Fatalf("row id changed on upsert: %d vs %d", resaved.ID, saved.ID)
	}

	pair, err = store.Get(ctx, "grp-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pair.Current().Version != 2 || pair.Current().Name != "Petraitis extended household" {
		t.Fatalf("update lost: %+v", pair.Current())
	}
}

func TestEntityStoreGetMissing(t *testing.T) {
	store := NewEntityStore(newTestDB(t))

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEntityStoreSaveRejectsInvalid(t *testing.T) {
	store := NewEntityStore(newTestDB(t))

	_, err := store.Save(context.Background(), &domain.EntityPair{Modified: &domain.Entity{Kind: domain.EntityIndividual}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestEntityStoreDelete(t *testing.T) {
	store := NewEntityStore(newTestDB(t))
	ctx := context.Background()

	saveEntity(t, store, &domain.Entity{Guid: "ind-1", Kind: domain.EntityIndividual, Version: 1})
	saveEntity(t, store, &domain.Entity{Guid: "ind-2", Kind: domain.EntityIndividual, Version: 1})
	if err := store.FlagDuplicates(ctx, []domain.PotentialDuplicatePair{
		{EntityGuid: "ind-1", DuplicateGuid: "ind-2"},
	}); err != nil {
		t.Fatalf("flag: %v", err)
	}

	if err := store.Delete(ctx, "ind-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "ind-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting either side retires the pair.
	pairs, err := store.ListDuplicates(ctx)
	if err != nil {
		t.Fatalf("list duplicates: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("expected no pairs after delete, got %+v", pairs)
	}

	if err := store.Delete(ctx, "ind-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for repeat delete, got %v", err)
	}
}

func TestEntityStoreSearchIsConjunctive(t *testing.T) {
	store := NewEntityStore(newTestDB(t))
	ctx := context.Background()

	saveEntity(t, store, &domain.Entity{
		Guid: "ind-1", Kind: domain.EntityIndividual, Version: 1,
		Data: map[string]any{"name": "Ona", "dob": "1990-01-01", "registered": true, "age": float64(36), "contact": map[string]any{"city": "Vilnius"}},
	})
	saveEntity(t, store, &domain.Entity{
		Guid: "ind-2", Kind: domain.EntityIndividual, Version: 1,
		Data: map[string]any{"name": "Ona", "dob": "1991-06-15", "registered": true, "age": float64(35), "contact": map[string]any{"city": "Vilnius"}},
	})
	saveEntity(t, store, &domain.Entity{
		Guid: "ind-3", Kind: domain.EntityIndividual, Version: 1,
		Data: map[string]any{"name": "Ona", "dob": "1990-01-01", "registered": false, "age": float64(36), "contact": map[string]any{"city": "Kaunas"}},
	})

	results, err := store.Search(ctx, map[string]string{"name": "Ona"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 matches on name, got %d", len(results))
	}

	// All criteria must hold, across string, bool, number and nested paths.
	results, err = store.Search(ctx, map[string]string{
		"name":         "Ona",
		"dob":          "1990-01-01",
		"registered":   "1",
		"age":          "36",
		"contact.city": "Vilnius",
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Guid != "ind-1" {
		t.Fatalf("expected only ind-1, got %+v", results)
	}

	results, err = store.Search(ctx, map[string]string{"name": "Ona", "dob": "1980-12-31"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no matches, got %+v", results)
	}

	results, err = store.Search(ctx, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if results != nil {
		t.Fatalf("empty criteria must match nothing, got %+v", results)
	}
}

func TestEntityStoreSearchAgreesWithFlatten(t *testing.T) {
	store := NewEntityStore(newTestDB(t))
	ctx := context.Background()

	data := map[string]any{
		"name":       "Jonas",
		"height":     1.82,
		"registered": false,
		"contact":    map[string]any{"phone": "+37060000000"},
	}
	saveEntity(t, store, &domain.Entity{Guid: "ind-1", Kind: domain.EntityIndividual, Version: 1, Data: data})

	// Every flattened field must find its own entity back through
	// json_extract, or duplicate detection would diverge between stores.
	for path, value := range domain.FlattenFields(data) {
		results, err := store.Search(ctx, map[string]string{path: value})
		if err != nil {
			t.Fatalf("search %s=%s: %v", path, value, err)
		}
		if len(results) != 1 || results[0].Guid != "ind-1" {
			t.Fatalf("criterion %s=%s missed: %+v", path, value, results)
		}
	}
}

func TestEntityStoreListGroupsWithMember(t *testing.T) {
	store := NewEntityStore(newTestDB(t))
	ctx := context.Background()

	saveEntity(t, store, &domain.Entity{Guid: "grp-1", Kind: domain.EntityGroup, Version: 1, MemberIDs: []string{"ind-1", "ind-2"}})
	saveEntity(t, store, &domain.Entity{Guid: "grp-2", Kind: domain.EntityGroup, Version: 1, MemberIDs: []string{"ind-2", "ind-12"}})
	saveEntity(t, store, &domain.Entity{Guid: "grp-3", Kind: domain.EntityGroup, Version: 1})
	saveEntity(t, store, &domain.Entity{Guid: "ind-1", Kind: domain.EntityIndividual, Version: 1})

	groups, err := store.ListGroupsWithMember(ctx, "ind-2")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 2 || groups[0].Guid != "grp-1" || groups[1].Guid != "grp-2" {
		t.Fatalf("unexpected groups: %+v", groups)
	}

	// Matching is per array element, so ind-1 must not match ind-12.
	groups, err = store.ListGroupsWithMember(ctx, "ind-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 1 || groups[0].Guid != "grp-1" {
		t.Fatalf("unexpected groups: %+v", groups)
	}

	groups, err = store.ListGroupsWithMember(ctx, "missing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no groups, got %+v", groups)
	}
}

func TestEntityStoreDuplicatePairs(t *testing.T) {
	store := NewEntityStore(newTestDB(t))
	ctx := context.Background()

	// Both orderings normalize to the same row.
	if err := store.FlagDuplicates(ctx, []domain.PotentialDuplicatePair{
		{EntityGuid: "ind-2", DuplicateGuid: "ind-1"},
		{EntityGuid: "ind-1", DuplicateGuid: "ind-2"},
		{EntityGuid: "ind-1", DuplicateGuid: "ind-3"},
	}); err != nil {
		t.Fatalf("flag: %v", err)
	}

	pairs, err := store.ListDuplicates(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("expected 2 normalized pairs, got %+v", pairs)
	}
	if pairs[0].EntityGuid != "ind-1" || pairs[0].DuplicateGuid != "ind-2" {
		t.Fatalf("unexpected first pair: %+v", pairs[0])
	}

	if err := store.ResolveDuplicates(ctx, []domain.PotentialDuplicatePair{
		{EntityGuid: "ind-2", DuplicateGuid: "ind-1"},
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	pairs, err = store.ListDuplicates(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pairs) != 1 || pairs[0].DuplicateGuid != "ind-3" {
		t.Fatalf("expected only ind-1/ind-3, got %+v", pairs)
	}
}
