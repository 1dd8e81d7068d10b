package usecase

import (
	"context"
	"fmt"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/ports"
)

// ReplayLogEvents folds the whole event log through applyFn in log order,
// one page at a time. Rebuilding a replica is just replaying into a fresh
// engine; because every event carries its original guid, timestamp and
// actor, the fold is deterministic.
func ReplayLogEvents(ctx context.Context, events ports.EventStore, batchSize int, applyFn func(domain.Event) error) error {
	if batchSize <= 0 {
		batchSize = domain.DefaultExternalBatchSize
	}

	cursor := domain.Cursor{}
	for {
		page, err := events.ListSince(ctx, cursor, batchSize)
		if err != nil {
			return fmt.Errorf("list events after %s: %w", cursor, err)
		}
		if len(page.Events) == 0 {
			return nil
		}

		for _, ev := range page.Events {
			if err := applyFn(ev); err != nil {
				return fmt.Errorf("apply replayed event %s: %w", ev.Guid, err)
			}
		}
		cursor = page.NextCursor
	}
}

// ReplayInto rebuilds entity state by re-submitting every logged event
// through the target engine.
func ReplayInto(ctx context.Context, events ports.EventStore, engine *Engine, batchSize int) (int, error) {
	replayed := 0
	err := ReplayLogEvents(ctx, events, batchSize, func(ev domain.Event) error {
		if _, err := engine.Submit(ctx, ev); err != nil {
			return err
		}
		replayed++
		return nil
	})
	return replayed, err
}
