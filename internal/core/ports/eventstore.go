package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/merkle"
)

// Watermark names used by the sync coordinators.
const (
	WatermarkExternalPush = "external-push"
	WatermarkExternalPull = "external-pull"
	WatermarkInternalPull = "internal-pull"
	WatermarkAuditPush    = "audit-push"
	WatermarkAuditPull    = "audit-pull"
)

// EventStore is the write side: an append-only, timestamp-ordered event
// log with a parallel audit log, a verifiable integrity digest and the
// sync watermarks.
type EventStore interface {
	// Append adds the event to the log and returns its log id. Appending
	// an already-present guid is a no-op returning the existing id.
	Append(ctx context.Context, event domain.Event) (int64, error)
	Exists(ctx context.Context, eventGuid string) (bool, error)
	// ListSince returns up to pageSize events after cursor in log order.
	// The page's NextCursor is the last event's position; callers page
	// until an empty page comes back.
	ListSince(ctx context.Context, cursor domain.Cursor, pageSize int) (domain.EventPage, error)
	// ListUnsynced returns locally created events not yet pushed upstream,
	// ascending by timestamp.
	ListUnsynced(ctx context.Context) ([]domain.Event, error)
	MarkSynced(ctx context.Context, eventGuids []string) error

	// CurrentDigest returns the hex Merkle root over the log, "" when empty.
	CurrentDigest(ctx context.Context) (string, error)
	// Proof returns the inclusion proof for the event with the given guid.
	Proof(ctx context.Context, eventGuid string) (merkle.Proof, error)
	// Verify checks the event and proof against the current digest.
	Verify(ctx context.Context, event domain.Event, proof merkle.Proof) (bool, error)

	AppendAudit(ctx context.Context, entry domain.AuditLogEntry) error
	AuditSince(ctx context.Context, since time.Time) ([]domain.AuditLogEntry, error)

	Watermark(ctx context.Context, name string) (domain.Cursor, error)
	SetWatermark(ctx context.Context, name string, cursor domain.Cursor) error
}
