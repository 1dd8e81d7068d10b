package domain

import (
	"fmt"
	"slices"
	"time"
)

type EntityKind string

const (
	EntityIndividual EntityKind = "individual"
	EntityGroup      EntityKind = "group"
)

// Entity is the current materialized state of one subject, derived by
// folding its events. MemberIDs is populated for groups only and stays
// ordered and free of repeats.
type Entity struct {
	ID          int64          `json:"id"`
	Guid        string         `json:"guid"`
	Kind        EntityKind     `json:"type"`
	Name        string         `json:"name"`
	Version     int64          `json:"version"`
	Data        map[string]any `json:"data"`
	LastUpdated time.Time      `json:"lastUpdated"`
	ExternalID  string         `json:"externalId,omitempty"`
	MemberIDs   []string       `json:"memberIds,omitempty"`
}

// Clone returns a deep copy so pre-mutation snapshots stay untouched.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Data = cloneMap(e.Data)
	out.MemberIDs = slices.Clone(e.MemberIDs)
	return &out
}

// Merge folds payload into the entity data field-wise, last writer wins,
// and refreshes the display name when the payload carries one.
func (e *Entity) Merge(payload map[string]any) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	for k, v := range payload {
		e.Data[k] = v
	}
	if name, ok := payload["name"].(string); ok && name != "" {
		e.Name = name
	}
	if ext, ok := payload["externalId"].(string); ok && ext != "" {
		e.ExternalID = ext
	}
}

// AddMember appends guid to MemberIDs unless already present. Returns
// whether the membership changed.
func (e *Entity) AddMember(guid string) bool {
	if slices.Contains(e.MemberIDs, guid) {
		return false
	}
	e.MemberIDs = append(e.MemberIDs, guid)
	return true
}

// RemoveMember drops guid from MemberIDs. Returns whether it was present.
func (e *Entity) RemoveMember(guid string) bool {
	idx := slices.Index(e.MemberIDs, guid)
	if idx < 0 {
		return false
	}
	e.MemberIDs = slices.Delete(e.MemberIDs, idx, idx+1)
	return true
}

func (e *Entity) IsGroup() bool {
	return e != nil && e.Kind == EntityGroup
}

func (e *Entity) Validate() error {
	if e.Guid == "" {
		return fmt.Errorf("%w: entity guid is required", ErrValidation)
	}
	switch e.Kind {
	case EntityIndividual, EntityGroup:
	default:
		return fmt.Errorf("%w: unknown entity kind %q", ErrValidation, e.Kind)
	}
	if e.Kind == EntityIndividual && len(e.MemberIDs) > 0 {
		return fmt.Errorf("%w: individuals cannot hold members", ErrValidation)
	}
	return nil
}

// EntityPair is the before/after snapshot around one mutation. Initial is
// nil on create; Modified is nil on delete. Only audit diffs consume it.
type EntityPair struct {
	Initial  *Entity
	Modified *Entity
}

// Current returns the live side of the pair.
func (p *EntityPair) Current() *Entity {
	if p == nil {
		return nil
	}
	if p.Modified != nil {
		return p.Modified
	}
	return p.Initial
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
