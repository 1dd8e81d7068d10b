package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/merkle"
)

// EventStore is the slice-backed write side used by tests and in-process
// client replicas. The log is kept in cursor order (timestamp, then log
// id) so paging and the integrity tree agree on one canonical order.
type EventStore struct {
	mu         sync.RWMutex
	events     []domain.Event
	byGuid     map[string]int64
	audit      []domain.AuditLogEntry
	auditGuids map[string]struct{}
	watermarks map[string]domain.Cursor
	nextID     int64
}

func NewEventStore() *EventStore {
	return &EventStore{
		byGuid:     map[string]int64{},
		auditGuids: map[string]struct{}{},
		watermarks: map[string]domain.Cursor{},
	}
}

func (s *EventStore) Append(_ context.Context, event domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byGuid[event.Guid]; ok {
		return id, nil
	}
	s.nextID++
	eventCopy := event
	eventCopy.Timestamp = event.Timestamp.UTC()
	s.byGuid[event.Guid] = s.nextID
	s.events = append(s.events, eventCopy)
	s.sortLocked()
	return s.nextID, nil
}

func (s *EventStore) Exists(_ context.Context, eventGuid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byGuid[eventGuid]
	return ok, nil
}

func (s *EventStore) ListSince(_ context.Context, cursor domain.Cursor, pageSize int) (domain.EventPage, error) {
	if pageSize <= 0 {
		pageSize = domain.DefaultPullPageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	page := domain.EventPage{}
	for _, ev := range s.events {
		pos := s.cursorOf(ev)
		if !cursor.Before(pos) {
			continue
		}
		page.Events = append(page.Events, ev)
		page.NextCursor = pos
		if len(page.Events) == pageSize {
			break
		}
	}
	return page, nil
}

func (s *EventStore) ListUnsynced(_ context.Context) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []domain.Event
	for _, ev := range s.events {
		if ev.SyncLevel == domain.SyncLevelLocal {
			pending = append(pending, ev)
		}
	}
	return pending, nil
}

func (s *EventStore) MarkSynced(_ context.Context, eventGuids []string) error {
	marked := make(map[string]struct{}, len(eventGuids))
	for _, guid := range eventGuids {
		marked[guid] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.events {
		if _, ok := marked[s.events[i].Guid]; ok && s.events[i].SyncLevel == domain.SyncLevelLocal {
			s.events[i].SyncLevel = domain.SyncLevelSynced
		}
	}
	return nil
}

func (s *EventStore) CurrentDigest(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.treeLocked().RootHex(), nil
}

func (s *EventStore) Proof(_ context.Context, eventGuid string) (merkle.Proof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, ev := range s.events {
		if ev.Guid == eventGuid {
			return s.treeLocked().Proof(i)
		}
	}
	return nil, fmt.Errorf("event %s: %w", eventGuid, domain.ErrNotFound)
}

func (s *EventStore) Verify(_ context.Context, event domain.Event, proof merkle.Proof) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root := s.treeLocked().Root()
	if root == nil {
		return false, nil
	}
	return merkle.Verify(event.LeafHash(), proof, root), nil
}

func (s *EventStore) AppendAudit(_ context.Context, entry domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auditGuids[entry.Guid]; ok {
		return nil
	}
	s.auditGuids[entry.Guid] = struct{}{}
	entry.Timestamp = entry.Timestamp.UTC()
	s.audit = append(s.audit, entry)
	sort.SliceStable(s.audit, func(i, j int) bool {
		return s.audit[i].Timestamp.Before(s.audit[j].Timestamp)
	})
	return nil
}

func (s *EventStore) AuditSince(_ context.Context, since time.Time) ([]domain.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditLogEntry
	for _, entry := range s.audit {
		if entry.Timestamp.After(since) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *EventStore) Watermark(_ context.Context, name string) (domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[name], nil
}

func (s *EventStore) SetWatermark(_ context.Context, name string, cursor domain.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[name] = cursor
	return nil
}

func (s *EventStore) cursorOf(ev domain.Event) domain.Cursor {
	return domain.Cursor{Timestamp: ev.Timestamp, ID: s.byGuid[ev.Guid]}
}

func (s *EventStore) sortLocked() {
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.cursorOf(s.events[i]).Before(s.cursorOf(s.events[j]))
	})
}

func (s *EventStore) treeLocked() *merkle.Tree {
	leaves := make([][]byte, len(s.events))
	for i, ev := range s.events {
		leaves[i] = ev.LeafHash()
	}
	return merkle.New(leaves)
}
