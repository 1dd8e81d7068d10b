package domain

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SyncLevel records where an event originated, so sync never re-exports
// externally imported data and clients know what still needs pushing.
type SyncLevel int

const (
	SyncLevelLocal    SyncLevel = 0
	SyncLevelSynced   SyncLevel = 1
	SyncLevelExternal SyncLevel = 2
)

// Built-in event types understood by the applier engine. Anything else is
// dispatched to a registered custom handler.
const (
	EventCreateGroup      = "create-group"
	EventUpdateGroup      = "update-group"
	EventCreateIndividual = "create-individual"
	EventUpdateIndividual = "update-individual"
	EventAddMember        = "add-member"
	EventRemoveMember     = "remove-member"
	EventDeleteEntity     = "delete-entity"
	EventResolveDuplicate = "resolve-duplicate"
)

// Event is an immutable command record. It is appended to the log before
// any mutation is attempted and never changes afterwards.
type Event struct {
	Guid       string         `json:"guid"`
	EntityGuid string         `json:"entityGuid"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Timestamp  time.Time      `json:"timestamp"`
	UserID     string         `json:"userId"`
	SyncLevel  SyncLevel      `json:"syncLevel"`
}

// RequiresData reports whether the event type carries a mandatory payload.
// Deletes, member removals and duplicate resolutions name their target in
// dedicated fields and are meaningful with an empty one.
func (e Event) RequiresData() bool {
	switch e.Type {
	case EventDeleteEntity:
		return false
	}
	return true
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: event type is required", ErrValidation)
	}
	if strings.TrimSpace(e.EntityGuid) == "" {
		return fmt.Errorf("%w: entity guid is required", ErrValidation)
	}
	if e.RequiresData() && len(e.Data) == 0 {
		return fmt.Errorf("%w: event data is required for %s", ErrValidation, e.Type)
	}
	return nil
}

// DataString returns a string field from the payload, "" when absent.
func (e Event) DataString(key string) string {
	v, _ := e.Data[key].(string)
	return v
}

// DataBool returns a bool field from the payload, false when absent.
func (e Event) DataBool(key string) bool {
	v, _ := e.Data[key].(bool)
	return v
}

// LeafHash is the canonical sha256 leaf of the event in the integrity tree.
// The hash covers the immutable identity of the event, not its sync level,
// which differs legitimately between replicas.
func (e Event) LeafHash() []byte {
	payload, _ := json.Marshal(e.Data)
	canonical := e.Guid + "|" + e.EntityGuid + "|" + e.Type + "|" +
		strconv.FormatInt(e.Timestamp.UTC().UnixNano(), 10) + "|" + e.UserID + "|" + string(payload)
	sum := sha256.Sum256([]byte(canonical))
	return sum[:]
}

// Cursor is a position in the event log. It carries both the timestamp and
// the log id so pages never skip or repeat events with equal timestamps.
type Cursor struct {
	Timestamp time.Time
	ID        int64
}

func (c Cursor) IsZero() bool {
	return c.ID == 0 && c.Timestamp.IsZero()
}

func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatInt(c.Timestamp.UTC().UnixNano(), 10) + ":" + strconv.FormatInt(c.ID, 10)
}

// Before reports log order: timestamp first, log id as tie-break.
func (c Cursor) Before(other Cursor) bool {
	if !c.Timestamp.Equal(other.Timestamp) {
		return c.Timestamp.Before(other.Timestamp)
	}
	return c.ID < other.ID
}

// ParseCursor accepts the empty string (start of log), a "<unixnano>:<id>"
// pair, or a bare RFC3339 timestamp from older callers.
func ParseCursor(raw string) (Cursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Cursor{}, nil
	}
	if nanos, id, ok := strings.Cut(raw, ":"); ok {
		n, err := strconv.ParseInt(nanos, 10, 64)
		if err != nil {
			return Cursor{}, fmt.Errorf("%w: bad cursor %q", ErrValidation, raw)
		}
		i, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return Cursor{}, fmt.Errorf("%w: bad cursor %q", ErrValidation, raw)
		}
		return Cursor{Timestamp: time.Unix(0, n).UTC(), ID: i}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: bad cursor %q", ErrValidation, raw)
	}
	return Cursor{Timestamp: ts.UTC()}, nil
}

// EventPage is one page of the log in ascending order. NextCursor is the
// position of the page's last event, zero when the page is empty; callers
// page until they receive an empty page.
type EventPage struct {
	Events     []Event `json:"events"`
	NextCursor Cursor  `json:"-"`
}

// ExternalRecord is one raw record pulled from a third-party system before
// conversion into a synthetic Event.
type ExternalRecord struct {
	Guid       string         `json:"guid"`
	EntityGuid string         `json:"entityGuid"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Timestamp  time.Time      `json:"timestamp"`
}
