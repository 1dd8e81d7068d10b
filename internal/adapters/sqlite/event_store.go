package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/benesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/merkle"
)

type eventModel struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Guid       string `gorm:"column:guid;uniqueIndex;not null"`
	EntityGuid string `gorm:"column:entity_guid;not null"`
	Type       string `gorm:"column:type;not null"`
	Data       string `gorm:"column:data;not null"`
	TsNanos    int64  `gorm:"column:ts_nanos;index;not null"`
	UserID     string `gorm:"column:user_id;not null"`
	SyncLevel  int    `gorm:"column:sync_level;not null"`
	LeafHash   []byte `gorm:"column:leaf_hash;not null"`
}

func (eventModel) TableName() string {
	return "events"
}

type auditModel struct {
	Guid       string `gorm:"column:guid;primaryKey"`
	TsNanos    int64  `gorm:"column:ts_nanos;index;not null"`
	UserID     string `gorm:"column:user_id;not null"`
	Action     string `gorm:"column:action;not null"`
	EventGuid  string `gorm:"column:event_guid"`
	EntityGuid string `gorm:"column:entity_guid"`
	Changes    string `gorm:"column:changes"`
	Signature  string `gorm:"column:signature"`
}

func (auditModel) TableName() string {
	return "audit_entries"
}

type watermarkModel struct {
	Name    string `gorm:"column:name;primaryKey"`
	TsNanos int64  `gorm:"column:ts_nanos;not null"`
	EventID int64  `gorm:"column:event_id;not null"`
}

func (watermarkModel) TableName() string {
	return "sync_watermarks"
}

// EventStore persists the append-only event log, the audit trail and the
// sync watermarks. Log order is (ts_nanos, id), the same order the
// integrity tree hashes over.
type EventStore struct {
	db *gormsqlite.DB
}

func NewEventStore(db *gormsqlite.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Append(ctx context.Context, event domain.Event) (int64, error) {
	model, err := toEventModel(event)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		var existing eventModel
		err := tx.Select("id").Where("guid = ?", event.Guid).First(&existing).Error
		if err == nil {
			id = existing.ID
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		id = model.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append event %s: %w", event.Guid, err)
	}
	return id, nil
}

func (s *EventStore) Exists(ctx context.Context, eventGuid string) (bool, error) {
	var count int64
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&eventModel{}).Where("guid = ?", eventGuid).Count(&count).Error
	})
	if err != nil {
		return false, fmt.Errorf("check event %s: %w", eventGuid, err)
	}
	return count > 0, nil
}

func (s *EventStore) ListSince(ctx context.Context, cursor domain.Cursor, pageSize int) (domain.EventPage, error) {
	if pageSize <= 0 {
		pageSize = domain.DefaultPullPageSize
	}

	var models []eventModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		q := tx.Order("ts_nanos ASC, id ASC").Limit(pageSize)
		if !cursor.IsZero() {
			nanos := cursor.Timestamp.UTC().UnixNano()
			q = q.Where("ts_nanos > ? OR (ts_nanos = ? AND id > ?)", nanos, nanos, cursor.ID)
		}
		return q.Find(&models).Error
	})
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("list events after %s: %w", cursor, err)
	}

	page := domain.EventPage{}
	for _, model := range models {
		ev, err := fromEventModel(model)
		if err != nil {
			return domain.EventPage{}, err
		}
		page.Events = append(page.Events, ev)
	}
	if len(models) > 0 {
		last := models[len(models)-1]
		page.NextCursor = domain.Cursor{Timestamp: time.Unix(0, last.TsNanos).UTC(), ID: last.ID}
	}
	return page, nil
}

func (s *EventStore) ListUnsynced(ctx context.Context) ([]domain.Event, error) {
	var models []eventModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("sync_level = ?", int(domain.SyncLevelLocal)).
			Order("ts_nanos ASC, id ASC").
			Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list unsynced events: %w", err)
	}

	events := make([]domain.Event, 0, len(models))
	for _, model := range models {
		ev, err := fromEventModel(model)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *EventStore) MarkSynced(ctx context.Context, eventGuids []string) error {
	if len(eventGuids) == 0 {
		return nil
	}
	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&eventModel{}).
			Where("guid IN ? AND sync_level = ?", eventGuids, int(domain.SyncLevelLocal)).
			Update("sync_level", int(domain.SyncLevelSynced)).Error
	})
	if err != nil {
		return fmt.Errorf("mark events synced: %w", err)
	}
	return nil
}

func (s *EventStore) CurrentDigest(ctx context.Context) (string, error) {
	tree, _, err := s.loadTree(ctx)
	if err != nil {
		return "", err
	}
	return tree.RootHex(), nil
}

func (s *EventStore) Proof(ctx context.Context, eventGuid string) (merkle.Proof, error) {
	tree, guids, err := s.loadTree(ctx)
	if err != nil {
		return nil, err
	}
	for i, guid := range guids {
		if guid == eventGuid {
			return tree.Proof(i)
		}
	}
	return nil, fmt.Errorf("event %s: %w", eventGuid, domain.ErrNotFound)
}

func (s *EventStore) Verify(ctx context.Context, event domain.Event, proof merkle.Proof) (bool, error) {
	tree, _, err := s.loadTree(ctx)
	if err != nil {
		return false, err
	}
	root := tree.Root()
	if root == nil {
		return false, nil
	}
	return merkle.Verify(event.LeafHash(), proof, root), nil
}

func (s *EventStore) loadTree(ctx context.Context) (*merkle.Tree, []string, error) {
	type leafRow struct {
		Guid     string `gorm:"column:guid"`
		LeafHash []byte `gorm:"column:leaf_hash"`
	}
	var rows []leafRow
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&eventModel{}).
			Select("guid, leaf_hash").
			Order("ts_nanos ASC, id ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load integrity leaves: %w", err)
	}

	leaves := make([][]byte, len(rows))
	guids := make([]string, len(rows))
	for i, row := range rows {
		leaves[i] = row.LeafHash
		guids[i] = row.Guid
	}
	return merkle.New(leaves), guids, nil
}

func (s *EventStore) AppendAudit(ctx context.Context, entry domain.AuditLogEntry) error {
	model := auditModel{
		Guid:       entry.Guid,
		TsNanos:    entry.Timestamp.UTC().UnixNano(),
		UserID:     entry.UserID,
		Action:     entry.Action,
		EventGuid:  entry.EventGuid,
		EntityGuid: entry.EntityGuid,
		Changes:    string(entry.Changes),
		Signature:  entry.Signature,
	}

	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "guid"}},
			DoNothing: true,
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("append audit %s: %w", entry.Guid, err)
	}
	return nil
}

func (s *EventStore) AuditSince(ctx context.Context, since time.Time) ([]domain.AuditLogEntry, error) {
	var models []auditModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("ts_nanos > ?", since.UTC().UnixNano()).
			Order("ts_nanos ASC, guid ASC").
			Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list audit since %s: %w", since, err)
	}

	entries := make([]domain.AuditLogEntry, 0, len(models))
	for _, model := range models {
		entry := domain.AuditLogEntry{
			Guid:       model.Guid,
			Timestamp:  time.Unix(0, model.TsNanos).UTC(),
			UserID:     model.UserID,
			Action:     model.Action,
			EventGuid:  model.EventGuid,
			EntityGuid: model.EntityGuid,
			Signature:  model.Signature,
		}
		if model.Changes != "" {
			entry.Changes = json.RawMessage(model.Changes)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *EventStore) Watermark(ctx context.Context, name string) (domain.Cursor, error) {
	var model watermarkModel
	err := s.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("name = ?", name).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Cursor{}, nil
		}
		return domain.Cursor{}, fmt.Errorf("read watermark %s: %w", name, err)
	}
	cursor := domain.Cursor{ID: model.EventID}
	if model.TsNanos != 0 {
		cursor.Timestamp = time.Unix(0, model.TsNanos).UTC()
	}
	return cursor, nil
}

func (s *EventStore) SetWatermark(ctx context.Context, name string, cursor domain.Cursor) error {
	model := watermarkModel{Name: name, EventID: cursor.ID}
	if !cursor.Timestamp.IsZero() {
		model.TsNanos = cursor.Timestamp.UTC().UnixNano()
	}

	err := s.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"ts_nanos", "event_id"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", name, err)
	}
	return nil
}

func toEventModel(event domain.Event) (eventModel, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return eventModel{}, fmt.Errorf("marshal event data: %w", err)
	}
	return eventModel{
		Guid:       event.Guid,
		EntityGuid: event.EntityGuid,
		Type:       event.Type,
		Data:       string(data),
		TsNanos:    event.Timestamp.UTC().UnixNano(),
		UserID:     event.UserID,
		SyncLevel:  int(event.SyncLevel),
		LeafHash:   event.LeafHash(),
	}, nil
}

func fromEventModel(model eventModel) (domain.Event, error) {
	var data map[string]any
	if model.Data != "" && model.Data != "null" {
		if err := json.Unmarshal([]byte(model.Data), &data); err != nil {
			return domain.Event{}, fmt.Errorf("unmarshal event %s data: %w", model.Guid, err)
		}
	}
	return domain.Event{
		Guid:       model.Guid,
		EntityGuid: model.EntityGuid,
		Type:       model.Type,
		Data:       data,
		Timestamp:  time.Unix(0, model.TsNanos).UTC(),
		UserID:     model.UserID,
		SyncLevel:  domain.SyncLevel(model.SyncLevel),
	}, nil
}
