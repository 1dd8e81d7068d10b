package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/adapters/memory"
	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/ports"
)

type fakeAdapter struct {
	authErr   error
	pushErr   error
	pushes    [][]domain.Event
	pullItems []domain.ExternalRecord
	pullSince []time.Time
	pullErr   error
}

func (a *fakeAdapter) Authenticate(context.Context, domain.Credentials) error {
	return a.authErr
}

func (a *fakeAdapter) PushData(_ context.Context, events []domain.Event) error {
	if a.pushErr != nil {
		return a.pushErr
	}
	batch := make([]domain.Event, len(events))
	copy(batch, events)
	a.pushes = append(a.pushes, batch)
	return nil
}

func (a *fakeAdapter) PullData(_ context.Context, since time.Time) ([]domain.ExternalRecord, error) {
	a.pullSince = append(a.pullSince, since)
	return a.pullItems, a.pullErr
}

type memConfigRepo struct {
	configs map[string]domain.SyncConfig
}

func (r *memConfigRepo) Get(_ context.Context, id string) (domain.SyncConfig, error) {
	cfg, ok := r.configs[id]
	if !ok {
		return domain.SyncConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (r *memConfigRepo) Upsert(_ context.Context, cfg domain.SyncConfig) error {
	r.configs[cfg.ID] = cfg
	return nil
}

func (r *memConfigRepo) List(context.Context) ([]domain.SyncConfig, error) {
	out := make([]domain.SyncConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out, nil
}

func newExternalFixture(adapter ports.ExternalAdapter, batchSize int) (*ExternalSyncService, *Engine, *memory.EventStore, *memory.EntityStore) {
	events := memory.NewEventStore()
	entities := memory.NewEntityStore()
	engine := NewEngine(events, entities)
	repo := &memConfigRepo{configs: map[string]domain.SyncConfig{
		"third-party": {
			ID:          "third-party",
			AdapterType: "fake",
			UserID:      "importer",
			BatchSize:   batchSize,
		},
	}}
	svc := NewExternalSyncService(engine, events, repo, func(domain.SyncConfig) (ports.ExternalAdapter, error) {
		return adapter, nil
	})
	return svc, engine, events, entities
}

func TestExternalSyncPushesInBatches(t *testing.T) {
	adapter := &fakeAdapter{}
	svc, engine, events, _ := newExternalFixture(adapter, 2)
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := engine.Submit(ctx, domain.Event{
			Guid:       fmt.Sprintf("ev-%d", i),
			EntityGuid: fmt.Sprintf("ind-%d", i),
			Type:       domain.EventCreateIndividual,
			Data:       map[string]any{"name": fmt.Sprintf("Person %d", i)},
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	report, err := svc.Sync(ctx, "third-party", domain.Credentials{Token: "t"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pushed != 5 {
		t.Fatalf("expected 5 pushed, got %d", report.Pushed)
	}
	if len(adapter.pushes) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(adapter.pushes))
	}

	// Watermark advanced past the log end: a second cycle pushes nothing.
	wm, err := events.Watermark(ctx, ports.WatermarkExternalPush)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if wm.IsZero() {
		t.Fatal("push watermark not advanced")
	}

	adapter.pushes = nil
	report, err = svc.Sync(ctx, "third-party", domain.Credentials{Token: "t"})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.Pushed != 0 || len(adapter.pushes) != 0 {
		t.Fatalf("second cycle re-pushed: %+v", report)
	}
}

func TestExternalSyncPushFailureKeepsWatermark(t *testing.T) {
	adapter := &fakeAdapter{pushErr: errors.New("gateway down")}
	svc, engine, events, _ := newExternalFixture(adapter, 10)
	ctx := context.Background()

	if _, err := engine.Submit(ctx, domain.Event{
		Guid:       "ev-1",
		EntityGuid: "ind-1",
		Type:       domain.EventCreateIndividual,
		Data:       map[string]any{"name": "Ona"},
		Timestamp:  time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := svc.Sync(ctx, "third-party", domain.Credentials{Token: "t"}); err == nil {
		t.Fatal("expected push failure")
	}

	wm, err := events.Watermark(ctx, ports.WatermarkExternalPush)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !wm.IsZero() {
		t.Fatalf("watermark advanced past unacked batch: %+v", wm)
	}

	// Once the adapter recovers, the same batch goes out in full.
	adapter.pushErr = nil
	report, err := svc.Sync(ctx, "third-party", domain.Credentials{Token: "t"})
	if err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	if report.Pushed != 1 {
		t.Fatalf("expected replayed batch of 1, got %d", report.Pushed)
	}
}

func TestExternalSyncPullImportsRecords(t *testing.T) {
	pulled := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{pullItems: []domain.ExternalRecord{
		{
			Guid:       "ext-ev-1",
			EntityGuid: "ext-ind-1",
			Type:       domain.EventCreateIndividual,
			Data:       map[string]any{"name": "Imported", "externalId": "X-1"},
			Timestamp:  pulled,
		},
	}}
	svc, _, events, entities := newExternalFixture(adapter, 10)
	ctx := context.Background()

	report, err := svc.Sync(ctx, "third-party", domain.Credentials{Token: "t"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pulled != 1 {
		t.Fatalf("expected 1 pulled, got %d", report.Pulled)
	}

	pair, err := entities.Get(ctx, "ext-ind-1")
	if err != nil {
		t.Fatalf("imported entity missing: %v", err)
	}
	if pair.Current().ExternalID != "X-1" {
		t.Fatalf("external id lost: %+v", pair.Current())
	}

	// Imported events carry the external sync level and the config's
	// acting user, and never flow back out on the next push.
	page, err := events.ListSince(ctx, domain.Cursor{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(page.Events))
	}
	if page.Events[0].SyncLevel != domain.SyncLevelExternal {
		t.Fatalf("sync level %d", page.Events[0].SyncLevel)
	}
	if page.Events[0].UserID != "importer" {
		t.Fatalf("acting user %q", page.Events[0].UserID)
	}

	adapter.pullItems = nil
	report, err = svc.Sync(ctx, "third-party", domain.Credentials{Token: "t"})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.Pushed != 0 {
		t.Fatalf("imported events re-exported: %d", report.Pushed)
	}
}

func TestExternalSyncPullIsolatesBadRecords(t *testing.T) {
	adapter := &fakeAdapter{pullItems: []domain.ExternalRecord{
		{
			Guid:       "ext-ev-1",
			EntityGuid: "ext-ind-1",
			Type:       "promote-entity",
			Data:       map[string]any{"level": "gold"},
			Timestamp:  time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC),
		},
		{
			Guid:       "ext-ev-2",
			EntityGuid: "ext-ind-2",
			Type:       domain.EventCreateIndividual,
			Data:       map[string]any{"name": "Imported"},
			Timestamp:  time.Date(2026, 6, 2, 10, 0, 1, 0, time.UTC),
		},
	}}
	svc, _, _, entities := newExternalFixture(adapter, 10)
	ctx := context.Background()

	report, err := svc.Sync(ctx, "third-party", domain.Credentials{Token: "t"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pulled != 1 {
		t.Fatalf("expected 1 pulled, got %d", report.Pulled)
	}
	if _, ok := report.PullFailed["ext-ev-1"]; !ok {
		t.Fatalf("bad record not reported: %+v", report.PullFailed)
	}
	if _, err := entities.Get(ctx, "ext-ind-2"); err != nil {
		t.Fatalf("good record not imported: %v", err)
	}
}

func TestExternalSyncPullWatermarkTracksRecordTimestamps(t *testing.T) {
	failed := time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{pullItems: []domain.ExternalRecord{
		{
			Guid:       "ext-ev-1",
			EntityGuid: "ext-ind-1",
			Type:       "promote-entity",
			Data:       map[string]any{"level": "gold"},
			Timestamp:  failed,
		},
	}}
	svc, _, events, _ := newExternalFixture(adapter, 10)
	ctx := context.Background()

	report, err := svc.Sync(ctx, "third-party", domain.Credentials{Token: "t"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Pulled != 0 || len(report.PullFailed) != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	// Even when every record in the batch fails to import, the watermark
	// lands on the latest record timestamp, never on wall clock time, so
	// records between the batch and "now" are not skipped.
	wm, err := events.Watermark(ctx, ports.WatermarkExternalPull)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !wm.Timestamp.Equal(failed) {
		t.Fatalf("watermark %s, want %s", wm.Timestamp, failed)
	}

	// The next cycle resumes from that timestamp instead of retrying the
	// failed record forever.
	adapter.pullItems = nil
	if _, err := svc.Sync(ctx, "third-party", domain.Credentials{Token: "t"}); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(adapter.pullSince) != 2 || !adapter.pullSince[1].Equal(failed) {
		t.Fatalf("unexpected pull since values: %v", adapter.pullSince)
	}

	// An empty pull leaves the watermark untouched.
	wm, err = events.Watermark(ctx, ports.WatermarkExternalPull)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !wm.Timestamp.Equal(failed) {
		t.Fatalf("watermark moved on empty pull: %s", wm.Timestamp)
	}
}

func TestExternalSyncAuthenticationFailureAborts(t *testing.T) {
	adapter := &fakeAdapter{authErr: domain.ErrUnauthorized}
	svc, engine, _, _ := newExternalFixture(adapter, 10)
	ctx := context.Background()

	if _, err := engine.Submit(ctx, domain.Event{
		EntityGuid: "ind-1",
		Type:       domain.EventCreateIndividual,
		Data:       map[string]any{"name": "Ona"},
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err := svc.Sync(ctx, "third-party", domain.Credentials{})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if len(adapter.pushes) != 0 {
		t.Fatal("pushed despite failed authentication")
	}
}
