package sqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/migrations"
)

func newTestDB(t *testing.T) *gormsqlite.DB {
	t.Helper()

	db, err := gormsqlite.Open(filepath.Join(t.TempDir(), "benesync.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close db: %v", err)
		}
	})

	wdb, err := db.WriteSQLDB()
	if err != nil {
		t.Fatalf("write sql db: %v", err)
	}
	if err := migrations.Up(context.Background(), wdb); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return db
}

func testEvent(guid string, ts time.Time) domain.Event {
	return domain.Event{
		Guid:       guid,
		EntityGuid: "ent-" + guid,
		Type:       domain.EventCreateIndividual,
		Data:       map[string]any{"name": guid},
		Timestamp:  ts,
		UserID:     "worker-1",
		SyncLevel:  domain.SyncLevelLocal,
	}
}

func TestEventStoreAppendIsIdempotent(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()
	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	first, err := store.Append(ctx, testEvent("ev-1", ts))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := store.Append(ctx, testEvent("ev-1", ts))
	if err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if first != second {
		t.Fatalf("expected same log id, got %d and %d", first, second)
	}

	seen, err := store.Exists(ctx, "ev-1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !seen {
		t.Fatal("expected event to exist")
	}

	page, err := store.ListSince(ctx, domain.Cursor{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Events) != 1 {
		t.Fatalf("expected 1 logged event, got %d", len(page.Events))
	}
}

func TestEventStoreListSincePagesInLogOrder(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	// ev-3 and ev-4 share a timestamp; the log id breaks the tie.
	stamps := map[string]time.Time{
		"ev-1": base,
		"ev-2": base.Add(time.Second),
		"ev-3": base.Add(2 * time.Second),
		"ev-4": base.Add(2 * time.Second),
		"ev-5": base.Add(3 * time.Second),
	}
	for _, guid := range []string{"ev-1", "ev-2", "ev-3", "ev-4", "ev-5"} {
		if _, err := store.Append(ctx, testEvent(guid, stamps[guid])); err != nil {
			t.Fatalf("append %s: %v", guid, err)
		}
	}

	var got []string
	cursor := domain.Cursor{}
	pages := 0
	for {
		page, err := store.ListSince(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("list after %s: %v", cursor, err)
		}
		if len(page.Events) == 0 {
			break
		}
		for _, ev := range page.Events {
			got = append(got, ev.Guid)
		}
		cursor = page.NextCursor
		pages++
	}

	want := []string{"ev-1", "ev-2", "ev-3", "ev-4", "ev-5"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if pages != 3 {
		t.Fatalf("expected 3 pages of 2, got %d", pages)
	}
}

func TestEventStoreRoundTripsPayload(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()

	ev := testEvent("ev-1", time.Date(2026, 5, 1, 8, 0, 0, 123456789, time.UTC))
	ev.Data = map[string]any{"name": "Ona", "age": float64(34), "contact": map[string]any{"phone": "+37060000000"}}
	if _, err := store.Append(ctx, ev); err != nil {
		t.Fatalf("append: %v", err)
	}

	page, err := store.ListSince(ctx, domain.Cursor{}, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := page.Events[0]
	if !got.Timestamp.Equal(ev.Timestamp) {
		t.Fatalf("timestamp drifted: %s vs %s", got.Timestamp, ev.Timestamp)
	}
	if got.UserID != "worker-1" || got.SyncLevel != domain.SyncLevelLocal {
		t.Fatalf("unexpected event: %+v", got)
	}
	contact, _ := got.Data["contact"].(map[string]any)
	if contact["phone"] != "+37060000000" {
		t.Fatalf("nested data lost: %+v", got.Data)
	}
	if !bytes.Equal(got.LeafHash(), ev.LeafHash()) {
		t.Fatal("leaf hash changed across round trip")
	}
}

func TestEventStoreMarkSynced(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	external := testEvent("ev-ext", base)
	external.SyncLevel = domain.SyncLevelExternal
	for _, ev := range []domain.Event{
		testEvent("ev-1", base.Add(time.Second)),
		testEvent("ev-2", base.Add(2*time.Second)),
		external,
	} {
		if _, err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", ev.Guid, err)
		}
	}

	pending, err := store.ListUnsynced(ctx)
	if err != nil {
		t.Fatalf("list unsynced: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events, got %d", len(pending))
	}

	if err := store.MarkSynced(ctx, []string{"ev-1", "ev-ext"}); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	pending, err = store.ListUnsynced(ctx)
	if err != nil {
		t.Fatalf("list unsynced: %v", err)
	}
	if len(pending) != 1 || pending[0].Guid != "ev-2" {
		t.Fatalf("expected only ev-2 pending, got %+v", pending)
	}

	// The externally imported event keeps its level.
	page, err := store.ListSince(ctx, domain.Cursor{}, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, ev := range page.Events {
		if ev.Guid == "ev-ext" && ev.SyncLevel != domain.SyncLevelExternal {
			t.Fatalf("external event re-leveled to %d", ev.SyncLevel)
		}
	}
}

func TestEventStoreIntegrityProof(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	events := make([]domain.Event, 0, 5)
	for i, guid := range []string{"ev-1", "ev-2", "ev-3", "ev-4", "ev-5"} {
		ev := testEvent(guid, base.Add(time.Duration(i)*time.Second))
		events = append(events, ev)
		if _, err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", guid, err)
		}
	}

	digest, err := store.CurrentDigest(ctx)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if digest == "" {
		t.Fatal("expected non-empty digest")
	}

	for _, ev := range events {
		proof, err := store.Proof(ctx, ev.Guid)
		if err != nil {
			t.Fatalf("proof for %s: %v", ev.Guid, err)
		}
		ok, err := store.Verify(ctx, ev, proof)
		if err != nil {
			t.Fatalf("verify %s: %v", ev.Guid, err)
		}
		if !ok {
			t.Fatalf("proof for %s did not verify", ev.Guid)
		}

		tampered := ev
		tampered.UserID = "intruder"
		ok, err = store.Verify(ctx, tampered, proof)
		if err != nil {
			t.Fatalf("verify tampered %s: %v", ev.Guid, err)
		}
		if ok {
			t.Fatalf("tampered %s verified", ev.Guid)
		}
	}

	// Appending changes the digest, and old proofs stop verifying.
	proof, err := store.Proof(ctx, "ev-1")
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if _, err := store.Append(ctx, testEvent("ev-6", base.Add(10*time.Second))); err != nil {
		t.Fatalf("append: %v", err)
	}
	next, err := store.CurrentDigest(ctx)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if next == digest {
		t.Fatal("digest unchanged after append")
	}
	ok, err := store.Verify(ctx, events[0], proof)
	if err != nil {
		t.Fatalf("verify stale proof: %v", err)
	}
	if ok {
		t.Fatal("stale proof verified against new digest")
	}

	if _, err := store.Proof(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown event, got %v", err)
	}
}

func TestEventStoreAuditTrail(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	entry := domain.AuditLogEntry{
		Guid:       "audit-1",
		Timestamp:  base,
		UserID:     "worker-1",
		Action:     domain.EventCreateIndividual,
		EventGuid:  "ev-1",
		EntityGuid: "ind-1",
		Changes:    json.RawMessage(`{"name":{"new":"Ona"}}`),
		Signature:  "sig-1",
	}
	if err := store.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	// Redelivery of the same guid is absorbed.
	if err := store.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("re-append audit: %v", err)
	}
	later := entry
	later.Guid = "audit-2"
	later.Timestamp = base.Add(time.Minute)
	if err := store.AppendAudit(ctx, later); err != nil {
		t.Fatalf("append audit: %v", err)
	}

	entries, err := store.AuditSince(ctx, time.Time{})
	if err != nil {
		t.Fatalf("audit since: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Guid != "audit-1" || entries[0].Signature != "sig-1" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if string(entries[0].Changes) != `{"name":{"new":"Ona"}}` {
		t.Fatalf("changes lost: %s", entries[0].Changes)
	}

	// The since filter is strictly-after, so the watermark entry itself
	// is not re-served.
	entries, err = store.AuditSince(ctx, base)
	if err != nil {
		t.Fatalf("audit since: %v", err)
	}
	if len(entries) != 1 || entries[0].Guid != "audit-2" {
		t.Fatalf("expected only audit-2, got %+v", entries)
	}
}

func TestEventStoreWatermarks(t *testing.T) {
	store := NewEventStore(newTestDB(t))
	ctx := context.Background()

	cursor, err := store.Watermark(ctx, "internal-pull")
	if err != nil {
		t.Fatalf("read missing watermark: %v", err)
	}
	if !cursor.IsZero() {
		t.Fatalf("expected zero cursor, got %s", cursor)
	}

	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := store.SetWatermark(ctx, "internal-pull", domain.Cursor{Timestamp: ts, ID: 7}); err != nil {
		t.Fatalf("set watermark: %v", err)
	}
	cursor, err = store.Watermark(ctx, "internal-pull")
	if err != nil {
		t.Fatalf("read watermark: %v", err)
	}
	if !cursor.Timestamp.Equal(ts) || cursor.ID != 7 {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}

	// Overwriting is an upsert, not an insert.
	if err := store.SetWatermark(ctx, "internal-pull", domain.Cursor{Timestamp: ts.Add(time.Hour), ID: 42}); err != nil {
		t.Fatalf("overwrite watermark: %v", err)
	}
	cursor, err = store.Watermark(ctx, "internal-pull")
	if err != nil {
		t.Fatalf("read watermark: %v", err)
	}
	if cursor.ID != 42 {
		t.Fatalf("overwrite lost: %+v", cursor)
	}
}
