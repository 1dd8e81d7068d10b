package domain

import (
	"fmt"
	"time"
)

const (
	DefaultPullPageSize      = 10
	DefaultExternalBatchSize = 100
)

// SyncConfig names one external system and the knobs for talking to it.
// Loading and multi-tenant layering of these configs is owned by the host
// application; the engine only consumes them by id.
type SyncConfig struct {
	ID          string    `json:"id"`
	AdapterType string    `json:"adapterType"`
	URL         string    `json:"url"`
	UserID      string    `json:"userId"`
	PageSize    int       `json:"pageSize"`
	BatchSize   int       `json:"batchSize"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (c SyncConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: sync config id is required", ErrValidation)
	}
	if c.AdapterType == "" {
		return fmt.Errorf("%w: adapter type is required", ErrValidation)
	}
	return nil
}

// EffectivePageSize applies the default when no override is configured.
func (c SyncConfig) EffectivePageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return DefaultPullPageSize
}

// EffectiveBatchSize applies the default when no override is configured.
func (c SyncConfig) EffectiveBatchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return DefaultExternalBatchSize
}

// Credentials is the bearer material handed to an external adapter for one
// sync cycle. It is never persisted.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}
