package usecase

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/ports"
)

// InternalSyncService is the server side of client↔server reconciliation:
// it serves paged pulls gated on unresolved duplicates and applies pushed
// events one at a time through the engine.
type InternalSyncService struct {
	engine   *Engine
	events   ports.EventStore
	entities ports.EntityStore
	observer Observer
}

func NewInternalSyncService(engine *Engine, events ports.EventStore, entities ports.EntityStore) *InternalSyncService {
	return &InternalSyncService{engine: engine, events: events, entities: entities}
}

func (s *InternalSyncService) SetObserver(o Observer) {
	s.observer = o
}

// PullEvents returns one page of the log after cursor. While unresolved
// duplicate flags exist the pull is refused outright: admitting more
// events would compound the ambiguity, so callers get an actionable
// signal instead of partial data.
func (s *InternalSyncService) PullEvents(ctx context.Context, cursor domain.Cursor, pageSize int) (domain.EventPage, error) {
	duplicates, err := s.entities.ListDuplicates(ctx)
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("check duplicates: %w", err)
	}
	if len(duplicates) > 0 {
		return domain.EventPage{}, fmt.Errorf("%w: %d pairs", domain.ErrDuplicatesOutstanding, len(duplicates))
	}

	if pageSize <= 0 {
		pageSize = domain.DefaultPullPageSize
	}
	page, err := s.events.ListSince(ctx, cursor, pageSize)
	if err != nil {
		return domain.EventPage{}, fmt.Errorf("list events: %w", err)
	}
	if s.observer != nil && len(page.Events) > 0 {
		s.observer.EventsSynced("pull", "internal", len(page.Events))
	}
	return page, nil
}

// PushEvents applies a client batch in ascending timestamp order, tagging
// each event as server-accepted. One bad event is reported and skipped,
// never aborting the rest of the batch; the engine's per-guid idempotence
// makes redelivery safe.
func (s *InternalSyncService) PushEvents(ctx context.Context, events []domain.Event) ports.PushOutcome {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	outcome := ports.PushOutcome{}
	for _, ev := range events {
		ev.SyncLevel = domain.SyncLevelSynced
		if _, err := s.engine.Submit(ctx, ev); err != nil {
			log.Printf("internal push: event %s skipped: %v", ev.Guid, err)
			if outcome.Failed == nil {
				outcome.Failed = map[string]string{}
			}
			outcome.Failed[ev.Guid] = err.Error()
			continue
		}
		outcome.Applied++
	}
	if s.observer != nil && outcome.Applied > 0 {
		s.observer.EventsSynced("push", "internal", outcome.Applied)
	}
	return outcome
}

// AuditSince serves the one-directional audit pull. No duplicate gate:
// the audit trail is append-only bookkeeping, not entity state.
func (s *InternalSyncService) AuditSince(ctx context.Context, since time.Time) ([]domain.AuditLogEntry, error) {
	return s.events.AuditSince(ctx, since)
}

// AcceptAudit stores pushed audit entries; entries already present by
// guid are left untouched.
func (s *InternalSyncService) AcceptAudit(ctx context.Context, entries []domain.AuditLogEntry) error {
	for _, entry := range entries {
		if err := s.events.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("accept audit %s: %w", entry.Guid, err)
		}
	}
	return nil
}

// InternalSyncCoordinator is the client side: it pulls server pages into
// the local replica and pushes locally created events upstream.
type InternalSyncCoordinator struct {
	engine   *Engine
	events   ports.EventStore
	gateway  ports.SyncGateway
	configID string
	observer Observer
}

func NewInternalSyncCoordinator(engine *Engine, events ports.EventStore, gateway ports.SyncGateway, configID string) *InternalSyncCoordinator {
	return &InternalSyncCoordinator{engine: engine, events: events, gateway: gateway, configID: configID}
}

func (c *InternalSyncCoordinator) SetObserver(o Observer) {
	c.observer = o
}

// Pull fetches pages sequentially, applies every event of a page through
// the engine and only then advances the pull watermark, so an interrupted
// page replays in full on the next run. Returns the number of events
// applied.
func (c *InternalSyncCoordinator) Pull(ctx context.Context) (int, error) {
	cursor, err := c.events.Watermark(ctx, ports.WatermarkInternalPull)
	if err != nil {
		return 0, fmt.Errorf("read pull watermark: %w", err)
	}

	applied := 0
	for {
		page, err := c.gateway.PullEvents(ctx, cursor, c.configID)
		if err != nil {
			return applied, fmt.Errorf("pull events after %s: %w", cursor, err)
		}
		if len(page.Events) == 0 {
			return applied, nil
		}

		for _, ev := range page.Events {
			ev.SyncLevel = domain.SyncLevelSynced
			if _, err := c.engine.Submit(ctx, ev); err != nil {
				return applied, fmt.Errorf("apply pulled event %s: %w", ev.Guid, err)
			}
			applied++
		}
		if c.observer != nil {
			c.observer.EventsSynced("pull", "internal", len(page.Events))
		}

		if err := c.events.SetWatermark(ctx, ports.WatermarkInternalPull, page.NextCursor); err != nil {
			return applied, fmt.Errorf("advance pull watermark: %w", err)
		}
		cursor = page.NextCursor
	}
}

// Push sends locally created, not-yet-pushed events upstream in causal
// (timestamp) order and marks accepted ones as synced. Per-event failures
// reported by the server are logged and left local for the next attempt.
func (c *InternalSyncCoordinator) Push(ctx context.Context) (ports.PushOutcome, error) {
	pending, err := c.events.ListUnsynced(ctx)
	if err != nil {
		return ports.PushOutcome{}, fmt.Errorf("list unsynced events: %w", err)
	}
	if len(pending) == 0 {
		return ports.PushOutcome{}, nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})

	outcome, err := c.gateway.PushEvents(ctx, pending, c.configID)
	if err != nil {
		return ports.PushOutcome{}, fmt.Errorf("push events: %w", err)
	}

	accepted := make([]string, 0, len(pending))
	for _, ev := range pending {
		if _, failed := outcome.Failed[ev.Guid]; failed {
			log.Printf("internal push: server rejected event %s: %s", ev.Guid, outcome.Failed[ev.Guid])
			continue
		}
		accepted = append(accepted, ev.Guid)
	}
	if len(accepted) > 0 {
		if err := c.events.MarkSynced(ctx, accepted); err != nil {
			return outcome, fmt.Errorf("mark events synced: %w", err)
		}
	}
	if c.observer != nil && len(accepted) > 0 {
		c.observer.EventsSynced("push", "internal", len(accepted))
	}
	return outcome, nil
}

// SyncAudit runs the timestamp-keyed audit push/pull pair. Unlike event
// pull there is no duplicate gate.
func (c *InternalSyncCoordinator) SyncAudit(ctx context.Context) error {
	pullWM, err := c.events.Watermark(ctx, ports.WatermarkAuditPull)
	if err != nil {
		return fmt.Errorf("read audit pull watermark: %w", err)
	}
	entries, err := c.gateway.PullAudit(ctx, pullWM.Timestamp)
	if err != nil {
		return fmt.Errorf("pull audit: %w", err)
	}
	latest := pullWM.Timestamp
	for _, entry := range entries {
		if err := c.events.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("store pulled audit %s: %w", entry.Guid, err)
		}
		if entry.Timestamp.After(latest) {
			latest = entry.Timestamp
		}
	}
	if latest.After(pullWM.Timestamp) {
		if err := c.events.SetWatermark(ctx, ports.WatermarkAuditPull, domain.Cursor{Timestamp: latest}); err != nil {
			return fmt.Errorf("advance audit pull watermark: %w", err)
		}
	}

	pushWM, err := c.events.Watermark(ctx, ports.WatermarkAuditPush)
	if err != nil {
		return fmt.Errorf("read audit push watermark: %w", err)
	}
	local, err := c.events.AuditSince(ctx, pushWM.Timestamp)
	if err != nil {
		return fmt.Errorf("list local audit: %w", err)
	}
	if len(local) == 0 {
		return nil
	}
	if err := c.gateway.PushAudit(ctx, local); err != nil {
		return fmt.Errorf("push audit: %w", err)
	}
	latest = pushWM.Timestamp
	for _, entry := range local {
		if entry.Timestamp.After(latest) {
			latest = entry.Timestamp
		}
	}
	if err := c.events.SetWatermark(ctx, ports.WatermarkAuditPush, domain.Cursor{Timestamp: latest}); err != nil {
		return fmt.Errorf("advance audit push watermark: %w", err)
	}
	return nil
}
