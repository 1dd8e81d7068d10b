package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/ports"
)

const defaultActor = "api"

// Observer receives engine and sync counters. Implementations must be
// safe for concurrent use; a nil observer disables reporting.
type Observer interface {
	EventSubmitted(eventType string, ok bool)
	DuplicatesFlagged(count int)
	EventsSynced(direction, scope string, count int)
}

// HandlerRequest is what a registered custom handler works with: the
// event, the pre-mutation entity snapshot, a read accessor and the
// save-and-audit callback that keeps custom mutations inside the same
// version/audit discipline as the built-ins.
type HandlerRequest struct {
	Event        domain.Event
	Entity       *domain.Entity
	Lookup       func(ctx context.Context, guid string) (*domain.Entity, error)
	SaveAndAudit func(ctx context.Context, pair *domain.EntityPair, action string) (*domain.Entity, error)
}

// CustomHandler extends the engine with an event type the built-ins do
// not cover.
type CustomHandler func(ctx context.Context, req HandlerRequest) (*domain.Entity, error)

// Engine is the event applier: the single funnel every mutation passes
// through, whether it originates locally, from internal sync or from an
// external import. It appends the event durably before mutating derived
// state, enforces the group/member invariants, emits exactly one audit
// entry per accepted mutation and runs duplicate detection afterwards.
type Engine struct {
	events    ports.EventStore
	entities  ports.EntityStore
	detector  *DuplicateDetector
	validator *PayloadValidator
	locks     *keyedMutex

	handlersMu sync.RWMutex
	handlers   map[string]CustomHandler

	signingSecret []byte
	observer      Observer
	now           func() time.Time
}

func NewEngine(events ports.EventStore, entities ports.EntityStore) *Engine {
	return &Engine{
		events:    events,
		entities:  entities,
		detector:  NewDuplicateDetector(entities),
		validator: NewPayloadValidator(),
		locks:     newKeyedMutex(),
		handlers:  map[string]CustomHandler{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetAuditSigningSecret enables keyed HMAC signatures on audit entries.
func (e *Engine) SetAuditSigningSecret(secret []byte) {
	e.signingSecret = secret
}

func (e *Engine) SetObserver(o Observer) {
	e.observer = o
}

// RegisterHandler installs a custom handler for an event type. Built-in
// types cannot be overridden.
func (e *Engine) RegisterHandler(eventType string, handler CustomHandler) error {
	if isBuiltinEventType(eventType) {
		return fmt.Errorf("%w: %s is a built-in event type", domain.ErrValidation, eventType)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", domain.ErrValidation)
	}
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[eventType] = handler
	return nil
}

// Submit validates, durably appends and applies one event, returning the
// resulting entity (nil after a delete). Re-submitting an event guid that
// is already in the log is a no-op returning current state: sync relies
// on this idempotence for its at-least-once delivery.
func (e *Engine) Submit(ctx context.Context, ev domain.Event) (*domain.Entity, error) {
	if err := ev.Validate(); err != nil {
		e.submitted(ev.Type, false)
		return nil, err
	}
	if err := e.validator.Validate(ev); err != nil {
		e.submitted(ev.Type, false)
		return nil, err
	}

	if ev.Guid == "" {
		ev.Guid = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	if ev.UserID == "" {
		ev.UserID = defaultActor
	}

	entity, seen, err := e.submitLocked(ctx, ev)
	if seen {
		return entity, err
	}
	e.submitted(ev.Type, err == nil)
	if err != nil {
		return nil, err
	}

	if entity != nil {
		e.detectDuplicates(ctx, ev, entity)
	}
	return entity, nil
}

// submitLocked runs the idempotence check, the durable append and the
// apply under the entity's lock, so concurrent redelivery of one event
// guid cannot pass the Exists check twice and double-apply.
func (e *Engine) submitLocked(ctx context.Context, ev domain.Event) (*domain.Entity, bool, error) {
	unlock := e.locks.Lock(ev.EntityGuid)
	defer unlock()

	seen, err := e.events.Exists(ctx, ev.Guid)
	if err != nil {
		return nil, false, fmt.Errorf("check event %s: %w", ev.Guid, err)
	}
	if seen {
		pair, err := e.entities.Get(ctx, ev.EntityGuid)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, true, err
		}
		return pair.Current(), true, nil
	}

	// Durable append before mutation: derived state stays reconstructable
	// even if applying fails below.
	if _, err := e.events.Append(ctx, ev); err != nil {
		return nil, false, fmt.Errorf("append event %s: %w", ev.Guid, err)
	}

	entity, err := e.apply(ctx, ev)
	return entity, false, err
}

func (e *Engine) apply(ctx context.Context, ev domain.Event) (*domain.Entity, error) {
	switch ev.Type {
	case domain.EventCreateGroup, domain.EventUpdateGroup:
		return e.applyUpsert(ctx, ev, domain.EntityGroup)
	case domain.EventCreateIndividual, domain.EventUpdateIndividual:
		return e.applyUpsert(ctx, ev, domain.EntityIndividual)
	case domain.EventAddMember:
		return e.applyAddMember(ctx, ev)
	case domain.EventRemoveMember:
		return e.applyRemoveMember(ctx, ev)
	case domain.EventDeleteEntity:
		return e.applyDelete(ctx, ev)
	case domain.EventResolveDuplicate:
		return e.applyResolveDuplicate(ctx, ev)
	}

	e.handlersMu.RLock()
	handler, ok := e.handlers[ev.Type]
	e.handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedEventType, ev.Type)
	}

	pair, err := e.entities.Get(ctx, ev.EntityGuid)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	var snapshot *domain.Entity
	if pair != nil {
		snapshot = pair.Initial.Clone()
	}
	req := HandlerRequest{
		Event:  ev,
		Entity: snapshot,
		Lookup: func(ctx context.Context, guid string) (*domain.Entity, error) {
			p, err := e.entities.Get(ctx, guid)
			if err != nil {
				return nil, err
			}
			return p.Current(), nil
		},
		SaveAndAudit: func(ctx context.Context, pair *domain.EntityPair, action string) (*domain.Entity, error) {
			return e.saveAndAudit(ctx, ev, pair, action)
		},
	}
	return handler(ctx, req)
}

func (e *Engine) applyUpsert(ctx context.Context, ev domain.Event, kind domain.EntityKind) (*domain.Entity, error) {
	pair, err := e.entities.Get(ctx, ev.EntityGuid)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	var initial, entity *domain.Entity
	if pair != nil {
		initial = pair.Initial
		entity = pair.Modified
		if entity.Kind != kind {
			return nil, fmt.Errorf("%w: %s is a %s, not a %s", domain.ErrValidation, ev.EntityGuid, entity.Kind, kind)
		}
	} else {
		entity = &domain.Entity{Guid: ev.EntityGuid, Kind: kind, Data: map[string]any{}}
	}

	payload := ev.Data
	if kind == domain.EntityGroup {
		members, rest := splitMembers(ev.Data)
		payload = rest
		for i, def := range members {
			memberGuid, err := e.materializeMember(ctx, ev, def, i)
			if err != nil {
				return nil, fmt.Errorf("materialize member of %s: %w", ev.EntityGuid, err)
			}
			entity.AddMember(memberGuid)
		}
	}
	entity.Merge(payload)

	return e.saveAndAudit(ctx, ev, &domain.EntityPair{Initial: initial, Modified: entity}, ev.Type)
}

// materializeMember turns an embedded member definition into its own
// create event so the member exists before its guid joins any group. The
// acting user id is threaded through from the triggering event. Both the
// member guid and the synthetic event guid derive deterministically from
// the parent event, so replaying a log that already holds the synthetic
// create lands on the same guids and the Exists check absorbs it.
func (e *Engine) materializeMember(ctx context.Context, parent domain.Event, def map[string]any, ordinal int) (string, error) {
	memberGuid, _ := def["guid"].(string)
	if memberGuid == "" {
		memberGuid = derivedGuid(parent.Guid, "member", strconv.Itoa(ordinal))
	}
	if memberGuid == parent.EntityGuid {
		return "", fmt.Errorf("%w: group %s cannot contain itself", domain.ErrValidation, memberGuid)
	}

	if _, err := e.entities.Get(ctx, memberGuid); err == nil {
		return memberGuid, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	eventType := domain.EventCreateIndividual
	if kind, _ := def["type"].(string); kind == string(domain.EntityGroup) {
		eventType = domain.EventCreateGroup
	}

	data := make(map[string]any, len(def))
	for k, v := range def {
		if k == "type" {
			continue
		}
		data[k] = v
	}
	data["guid"] = memberGuid

	_, err := e.Submit(ctx, domain.Event{
		Guid:       derivedGuid(parent.Guid, "materialize", memberGuid),
		EntityGuid: memberGuid,
		Type:       eventType,
		Data:       data,
		Timestamp:  parent.Timestamp,
		UserID:     parent.UserID,
		SyncLevel:  parent.SyncLevel,
	})
	if err != nil {
		return "", err
	}
	return memberGuid, nil
}

func (e *Engine) applyAddMember(ctx context.Context, ev domain.Event) (*domain.Entity, error) {
	pair, err := e.entities.Get(ctx, ev.EntityGuid)
	if err != nil {
		return nil, fmt.Errorf("add-member target %s: %w", ev.EntityGuid, err)
	}
	group := pair.Modified
	if !group.IsGroup() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotGroup, ev.EntityGuid)
	}

	memberID := ev.DataString("memberId")
	if memberID == "" {
		return nil, domain.ErrMissingMember
	}
	if memberID == ev.EntityGuid {
		return nil, fmt.Errorf("%w: group %s cannot contain itself", domain.ErrValidation, memberID)
	}

	if _, err := e.entities.Get(ctx, memberID); errors.Is(err, domain.ErrNotFound) {
		def, _ := ev.Data["member"].(map[string]any)
		if def == nil {
			def = map[string]any{}
		}
		def["guid"] = memberID
		if _, err := e.materializeMember(ctx, ev, def, 0); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	group.AddMember(memberID)
	return e.saveAndAudit(ctx, ev, pair, ev.Type)
}

func (e *Engine) applyRemoveMember(ctx context.Context, ev domain.Event) (*domain.Entity, error) {
	pair, err := e.entities.Get(ctx, ev.EntityGuid)
	if err != nil {
		return nil, fmt.Errorf("remove-member target %s: %w", ev.EntityGuid, err)
	}
	group := pair.Modified
	if !group.IsGroup() {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotGroup, ev.EntityGuid)
	}

	memberID := ev.DataString("memberId")
	if memberID == "" {
		return nil, domain.ErrMissingMember
	}

	removed := group.RemoveMember(memberID)
	saved, err := e.saveAndAudit(ctx, ev, pair, ev.Type)
	if err != nil {
		return nil, err
	}

	// A removed member that is itself a group takes its descendants with it.
	if removed {
		memberPair, err := e.entities.Get(ctx, memberID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		if memberPair != nil && memberPair.Current().IsGroup() {
			if err := e.cascadeDelete(ctx, ev, memberID, map[string]bool{ev.EntityGuid: true}, false); err != nil {
				return nil, err
			}
		}
	}
	return saved, nil
}

func (e *Engine) applyDelete(ctx context.Context, ev domain.Event) (*domain.Entity, error) {
	err := e.cascadeDelete(ctx, ev, ev.EntityGuid, map[string]bool{}, true)
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// cascadeDelete removes guid and, for groups, its entire member closure,
// deepest first, emitting one audit entry per removed entity and
// detaching each removed guid from any surviving group that lists it.
// locked reports whether the caller already holds guid's lock.
func (e *Engine) cascadeDelete(ctx context.Context, ev domain.Event, guid string, visited map[string]bool, locked bool) error {
	if visited[guid] {
		return nil
	}
	visited[guid] = true

	if !locked {
		unlock := e.locks.Lock(guid)
		defer unlock()
	}

	pair, err := e.entities.Get(ctx, guid)
	if err != nil {
		return fmt.Errorf("delete %s: %w", guid, err)
	}
	entity := pair.Current()

	if entity.IsGroup() {
		for _, memberID := range entity.MemberIDs {
			if err := e.cascadeDelete(ctx, ev, memberID, visited, false); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				return err
			}
		}
	}

	if err := e.entities.Delete(ctx, guid); err != nil {
		return fmt.Errorf("delete %s: %w", guid, err)
	}
	if err := e.appendAudit(ctx, domain.AuditLogEntry{
		Guid:       uuid.NewString(),
		Timestamp:  e.now(),
		UserID:     ev.UserID,
		Action:     domain.EventDeleteEntity,
		EventGuid:  ev.Guid,
		EntityGuid: guid,
		Changes:    domain.DiffChanges(&domain.EntityPair{Initial: entity}),
	}); err != nil {
		return err
	}
	return e.detachFromGroups(ctx, ev, guid, visited)
}

// detachFromGroups drops a deleted guid from the memberIds of every group
// that still references it, so no group is left pointing at an
// unresolvable entity. Groups on the deletion path are skipped; they are
// going away themselves.
func (e *Engine) detachFromGroups(ctx context.Context, ev domain.Event, guid string, visited map[string]bool) error {
	groups, err := e.entities.ListGroupsWithMember(ctx, guid)
	if err != nil {
		return fmt.Errorf("list groups holding %s: %w", guid, err)
	}
	for _, group := range groups {
		if visited[group.Guid] {
			continue
		}
		// The submit path already holds the lock for ev.EntityGuid.
		if err := e.detachMember(ctx, ev, group.Guid, guid, group.Guid == ev.EntityGuid); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) detachMember(ctx context.Context, ev domain.Event, groupGuid, memberGuid string, locked bool) error {
	if !locked {
		unlock := e.locks.Lock(groupGuid)
		defer unlock()
	}

	pair, err := e.entities.Get(ctx, groupGuid)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !pair.Modified.RemoveMember(memberGuid) {
		return nil
	}
	_, err = e.saveAndAudit(ctx, ev, pair, domain.EventRemoveMember)
	return err
}

func (e *Engine) applyResolveDuplicate(ctx context.Context, ev domain.Event) (*domain.Entity, error) {
	duplicateGuid := ev.DataString("duplicateGuid")
	if duplicateGuid == "" {
		return nil, fmt.Errorf("%w: duplicateGuid is required", domain.ErrValidation)
	}

	pair := domain.PotentialDuplicatePair{
		EntityGuid:    ev.EntityGuid,
		DuplicateGuid: duplicateGuid,
	}.Normalize()
	if err := e.entities.ResolveDuplicates(ctx, []domain.PotentialDuplicatePair{pair}); err != nil {
		return nil, fmt.Errorf("resolve duplicates: %w", err)
	}

	if ev.DataBool("shouldDelete") {
		err := e.cascadeDelete(ctx, ev, duplicateGuid, map[string]bool{}, duplicateGuid == ev.EntityGuid)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	changes, _ := json.Marshal(map[string]any{"resolved": pair, "discarded": ev.DataBool("shouldDelete")})
	if err := e.appendAudit(ctx, domain.AuditLogEntry{
		Guid:       uuid.NewString(),
		Timestamp:  e.now(),
		UserID:     ev.UserID,
		Action:     domain.EventResolveDuplicate,
		EventGuid:  ev.Guid,
		EntityGuid: ev.EntityGuid,
		Changes:    changes,
	}); err != nil {
		return nil, err
	}

	kept, err := e.entities.Get(ctx, ev.EntityGuid)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return kept.Current(), nil
}

// saveAndAudit persists the mutated side of the pair with its version
// bumped by exactly one and appends the matching audit entry.
func (e *Engine) saveAndAudit(ctx context.Context, ev domain.Event, pair *domain.EntityPair, action string) (*domain.Entity, error) {
	modified := pair.Modified
	if pair.Initial == nil {
		modified.Version = 1
	} else {
		modified.Version = pair.Initial.Version + 1
	}
	modified.LastUpdated = ev.Timestamp

	saved, err := e.entities.Save(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("save entity %s: %w", modified.Guid, err)
	}

	if err := e.appendAudit(ctx, domain.AuditLogEntry{
		Guid:       uuid.NewString(),
		Timestamp:  e.now(),
		UserID:     ev.UserID,
		Action:     action,
		EventGuid:  ev.Guid,
		EntityGuid: saved.Guid,
		Changes:    domain.DiffChanges(pair),
	}); err != nil {
		return nil, err
	}
	return saved, nil
}

func (e *Engine) appendAudit(ctx context.Context, entry domain.AuditLogEntry) error {
	if len(e.signingSecret) > 0 {
		entry.Signature = entry.Sign(e.signingSecret)
	}
	if err := e.events.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit for %s: %w", entry.EntityGuid, err)
	}
	return nil
}

// detectDuplicates runs after a successful mutation. Detection failures
// are logged, never surfaced: the mutation itself already committed.
func (e *Engine) detectDuplicates(ctx context.Context, ev domain.Event, entity *domain.Entity) {
	pairs, fields, err := e.detector.Detect(ctx, entity)
	if err != nil {
		log.Printf("duplicate detection for %s: %v", entity.Guid, err)
		return
	}
	if len(pairs) == 0 {
		return
	}

	if err := e.entities.FlagDuplicates(ctx, pairs); err != nil {
		log.Printf("flag duplicates for %s: %v", entity.Guid, err)
		return
	}

	changes, _ := json.Marshal(domain.AuditChanges{MatchedFields: fields})
	for _, pair := range pairs {
		if err := e.appendAudit(ctx, domain.AuditLogEntry{
			Guid:       uuid.NewString(),
			Timestamp:  e.now(),
			UserID:     ev.UserID,
			Action:     "flag-duplicate",
			EventGuid:  ev.Guid,
			EntityGuid: pair.Other(entity.Guid),
			Changes:    changes,
		}); err != nil {
			log.Printf("audit duplicate flag for %s: %v", entity.Guid, err)
		}
	}
	if e.observer != nil {
		e.observer.DuplicatesFlagged(len(pairs))
	}
}

func (e *Engine) submitted(eventType string, ok bool) {
	if e.observer != nil {
		e.observer.EventSubmitted(eventType, ok)
	}
}

// derivedGuid is a name-based UUID over the joined parts. Derived ids let
// replicas regenerate identical synthetic events from the same log.
func derivedGuid(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String()
}

func isBuiltinEventType(eventType string) bool {
	switch eventType {
	case domain.EventCreateGroup, domain.EventUpdateGroup,
		domain.EventCreateIndividual, domain.EventUpdateIndividual,
		domain.EventAddMember, domain.EventRemoveMember,
		domain.EventDeleteEntity, domain.EventResolveDuplicate:
		return true
	}
	return false
}

// splitMembers separates embedded member definitions from the rest of a
// group payload.
func splitMembers(data map[string]any) ([]map[string]any, map[string]any) {
	rest := make(map[string]any, len(data))
	var members []map[string]any
	for k, v := range data {
		if k == "members" {
			raw, _ := v.([]any)
			for _, item := range raw {
				if def, ok := item.(map[string]any); ok {
					members = append(members, def)
				}
			}
			continue
		}
		rest[k] = v
	}
	return members, rest
}
