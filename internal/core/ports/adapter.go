package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

// ExternalAdapter speaks one third-party registry's protocol. The external
// sync coordinator stays adapter-agnostic and only orchestrates watermarks
// and batching around these three calls.
type ExternalAdapter interface {
	Authenticate(ctx context.Context, creds domain.Credentials) error
	PushData(ctx context.Context, events []domain.Event) error
	PullData(ctx context.Context, since time.Time) ([]domain.ExternalRecord, error)
}

// AdapterFactory builds an adapter from its sync config.
type AdapterFactory func(cfg domain.SyncConfig) (ExternalAdapter, error)

type SyncConfigRepository interface {
	Get(ctx context.Context, id string) (domain.SyncConfig, error)
	Upsert(ctx context.Context, cfg domain.SyncConfig) error
	List(ctx context.Context) ([]domain.SyncConfig, error)
}

type APIKeyRepository interface {
	FindByTokenHash(ctx context.Context, tokenHash string) (domain.APIKey, error)
	Upsert(ctx context.Context, key domain.APIKey) error
}
