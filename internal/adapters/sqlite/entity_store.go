package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/benesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

type entityModel struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Guid       string `gorm:"column:guid;uniqueIndex;not null"`
	Kind       string `gorm:"column:kind;not null"`
	Name       string `gorm:"column:name"`
	Version    int64  `gorm:"column:version;not null"`
	Data       string `gorm:"column:data;not null"`
	TsNanos    int64  `gorm:"column:last_updated_nanos;not null"`
	ExternalID string `gorm:"column:external_id"`
	MemberIDs  string `gorm:"column:member_ids"`
}

func (entityModel) TableName() string {
	return "entities"
}

type duplicateModel struct {
	EntityGuid    string `gorm:"column:entity_guid;primaryKey"`
	DuplicateGuid string `gorm:"column:duplicate_guid;primaryKey"`
}

func (duplicateModel) TableName() string {
	return "potential_duplicates"
}

// EntityStore persists materialized entity state with the data payload as
// a JSON column, searched through json_extract so duplicate detection
// matches the same flattened paths the in-memory store matches.
type EntityStore struct {
	db *gormsqlite.DB
}

func NewEntityStore(db *gormsqlite.DB) *EntityStore {
	return &EntityStore{db: db}
}

func (s *EntityStore) Get(ctx context.Context, guid string) (*domain.EntityPair, error) {
	var model entityModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("guid = ?", guid).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("entity %s: %w", guid, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get entity %s: %w", guid, err)
	}

	entity, err := fromEntityModel(model)
	if err != nil {
		return nil, err
	}
	return &domain.EntityPair{Initial: entity, Modified: entity.Clone()}, nil
}

func (s *EntityStore) Save(ctx context.Context, pair *domain.EntityPair) (*domain.Entity, error) {
	if pair == nil || pair.Modified == nil {
		return nil, fmt.Errorf("%w: nothing to save", domain.ErrValidation)
	}
	if err := pair.Modified.Validate(); err != nil {
		return nil, err
	}

	model, err := toEntityModel(pair.Modified)
	if err != nil {
		return nil, err
	}

	err = s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "guid"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"kind", "name", "version", "data", "last_updated_nanos", "external_id", "member_ids",
			}),
		}).Create(&model).Error; err != nil {
			return err
		}
		return tx.Select("id").Where("guid = ?", model.Guid).First(&model).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save entity %s: %w", pair.Modified.Guid, err)
	}

	saved := pair.Modified.Clone()
	saved.ID = model.ID
	return saved, nil
}

func (s *EntityStore) Delete(ctx context.Context, guid string) error {
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Where("guid = ?", guid).Delete(&entityModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Where("entity_guid = ? OR duplicate_guid = ?", guid, guid).
			Delete(&duplicateModel{}).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("entity %s: %w", guid, domain.ErrNotFound)
		}
		return fmt.Errorf("delete entity %s: %w", guid, err)
	}
	return nil
}

func (s *EntityStore) Search(ctx context.Context, criteria map[string]string) ([]*domain.Entity, error) {
	if len(criteria) == 0 {
		return nil, nil
	}

	paths := make([]string, 0, len(criteria))
	for path := range criteria {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var models []entityModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		q := tx.Order("guid ASC")
		for _, path := range paths {
			q = q.Where("CAST(json_extract(data, ?) AS TEXT) = ?", jsonPath(path), criteria[path])
		}
		return q.Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}

	entities := make([]*domain.Entity, 0, len(models))
	for _, model := range models {
		entity, err := fromEntityModel(model)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, nil
}

func (s *EntityStore) ListGroupsWithMember(ctx context.Context, memberGuid string) ([]*domain.Entity, error) {
	var models []entityModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Order("guid ASC").
			Where("kind = ?", string(domain.EntityGroup)).
			Where("member_ids != '' AND EXISTS (SELECT 1 FROM json_each(entities.member_ids) WHERE json_each.value = ?)", memberGuid).
			Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list groups with member %s: %w", memberGuid, err)
	}

	groups := make([]*domain.Entity, 0, len(models))
	for _, model := range models {
		entity, err := fromEntityModel(model)
		if err != nil {
			return nil, err
		}
		groups = append(groups, entity)
	}
	return groups, nil
}

// jsonPath converts a dotted field path into a sqlite JSON path with every
// segment quoted, so field names containing spaces stay addressable.
func jsonPath(dotted string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, segment := range strings.Split(dotted, ".") {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(segment, `"`, ``))
		b.WriteString(`"`)
	}
	return b.String()
}

func (s *EntityStore) FlagDuplicates(ctx context.Context, pairs []domain.PotentialDuplicatePair) error {
	if len(pairs) == 0 {
		return nil
	}

	models := make([]duplicateModel, 0, len(pairs))
	for _, pair := range pairs {
		pair = pair.Normalize()
		models = append(models, duplicateModel{EntityGuid: pair.EntityGuid, DuplicateGuid: pair.DuplicateGuid})
	}

	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models).Error
	})
	if err != nil {
		return fmt.Errorf("flag duplicates: %w", err)
	}
	return nil
}

func (s *EntityStore) ResolveDuplicates(ctx context.Context, pairs []domain.PotentialDuplicatePair) error {
	if len(pairs) == 0 {
		return nil
	}
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		for _, pair := range pairs {
			pair = pair.Normalize()
			if err := tx.Where("entity_guid = ? AND duplicate_guid = ?", pair.EntityGuid, pair.DuplicateGuid).
				Delete(&duplicateModel{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolve duplicates: %w", err)
	}
	return nil
}

func (s *EntityStore) ListDuplicates(ctx context.Context) ([]domain.PotentialDuplicatePair, error) {
	var models []duplicateModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Order("entity_guid ASC, duplicate_guid ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list duplicates: %w", err)
	}

	pairs := make([]domain.PotentialDuplicatePair, 0, len(models))
	for _, model := range models {
		pairs = append(pairs, domain.PotentialDuplicatePair{
			EntityGuid:    model.EntityGuid,
			DuplicateGuid: model.DuplicateGuid,
		})
	}
	return pairs, nil
}

func toEntityModel(entity *domain.Entity) (entityModel, error) {
	data, err := json.Marshal(entity.Data)
	if err != nil {
		return entityModel{}, fmt.Errorf("marshal entity data: %w", err)
	}
	members := ""
	if len(entity.MemberIDs) > 0 {
		raw, err := json.Marshal(entity.MemberIDs)
		if err != nil {
			return entityModel{}, fmt.Errorf("marshal member ids: %w", err)
		}
		members = string(raw)
	}
	return entityModel{
		ID:         entity.ID,
		Guid:       entity.Guid,
		Kind:       string(entity.Kind),
		Name:       entity.Name,
		Version:    entity.Version,
		Data:       string(data),
		TsNanos:    entity.LastUpdated.UTC().UnixNano(),
		ExternalID: entity.ExternalID,
		MemberIDs:  members,
	}, nil
}

func fromEntityModel(model entityModel) (*domain.Entity, error) {
	var data map[string]any
	if model.Data != "" && model.Data != "null" {
		if err := json.Unmarshal([]byte(model.Data), &data); err != nil {
			return nil, fmt.Errorf("unmarshal entity %s data: %w", model.Guid, err)
		}
	}
	var members []string
	if model.MemberIDs != "" {
		if err := json.Unmarshal([]byte(model.MemberIDs), &members); err != nil {
			return nil, fmt.Errorf("unmarshal entity %s members: %w", model.Guid, err)
		}
	}
	return &domain.Entity{
		ID:          model.ID,
		Guid:        model.Guid,
		Kind:        domain.EntityKind(model.Kind),
		Name:        model.Name,
		Version:     model.Version,
		Data:        data,
		LastUpdated: time.Unix(0, model.TsNanos).UTC(),
		ExternalID:  model.ExternalID,
		MemberIDs:   members,
	}, nil
}
