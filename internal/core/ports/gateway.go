package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

// PushOutcome is the per-event result of a push batch. Failed events are
// reported, not retried; the batch itself always completes.
type PushOutcome struct {
	Applied int               `json:"applied"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// SyncGateway is the client's view of the server replica. The HTTP
// implementation lives in adapters/syncclient; tests substitute a stub.
type SyncGateway interface {
	PullEvents(ctx context.Context, cursor domain.Cursor, configID string) (domain.EventPage, error)
	PushEvents(ctx context.Context, events []domain.Event, configID string) (PushOutcome, error)
	PullAudit(ctx context.Context, since time.Time) ([]domain.AuditLogEntry, error)
	PushAudit(ctx context.Context, entries []domain.AuditLogEntry) error
}
