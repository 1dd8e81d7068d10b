package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/benesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

type syncConfigModel struct {
	ID          string    `gorm:"column:id;primaryKey"`
	AdapterType string    `gorm:"column:adapter_type;not null"`
	URL         string    `gorm:"column:url"`
	UserID      string    `gorm:"column:user_id"`
	PageSize    int       `gorm:"column:page_size;not null"`
	BatchSize   int       `gorm:"column:batch_size;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (syncConfigModel) TableName() string {
	return "sync_configs"
}

type SyncConfigRepository struct {
	db *gormsqlite.DB
}

func NewSyncConfigRepository(db *gormsqlite.DB) *SyncConfigRepository {
	return &SyncConfigRepository{db: db}
}

func (r *SyncConfigRepository) Get(ctx context.Context, id string) (domain.SyncConfig, error) {
	var model syncConfigModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("id = ?", id).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SyncConfig{}, fmt.Errorf("sync config %s: %w", id, domain.ErrNotFound)
		}
		return domain.SyncConfig{}, fmt.Errorf("get sync config %s: %w", id, err)
	}
	return fromSyncConfigModel(model), nil
}

func (r *SyncConfigRepository) Upsert(ctx context.Context, cfg domain.SyncConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	model := syncConfigModel{
		ID:          cfg.ID,
		AdapterType: cfg.AdapterType,
		URL:         cfg.URL,
		UserID:      cfg.UserID,
		PageSize:    cfg.PageSize,
		BatchSize:   cfg.BatchSize,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !cfg.CreatedAt.IsZero() {
		model.CreatedAt = cfg.CreatedAt
	}

	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"adapter_type", "url", "user_id", "page_size", "batch_size", "updated_at",
			}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("upsert sync config %s: %w", cfg.ID, err)
	}
	return nil
}

func (r *SyncConfigRepository) List(ctx context.Context) ([]domain.SyncConfig, error) {
	var models []syncConfigModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Order("id ASC").Find(&models).Error
	})
	if err != nil {
		return nil, fmt.Errorf("list sync configs: %w", err)
	}

	configs := make([]domain.SyncConfig, 0, len(models))
	for _, model := range models {
		configs = append(configs, fromSyncConfigModel(model))
	}
	return configs, nil
}

func fromSyncConfigModel(model syncConfigModel) domain.SyncConfig {
	return domain.SyncConfig{
		ID:          model.ID,
		AdapterType: model.AdapterType,
		URL:         model.URL,
		UserID:      model.UserID,
		PageSize:    model.PageSize,
		BatchSize:   model.BatchSize,
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
	}
}
