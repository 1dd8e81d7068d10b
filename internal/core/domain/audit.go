package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// AuditLogEntry is the immutable record of one accepted mutation. Exactly
// one entry exists per mutation, referencing the event that triggered it.
// Signature is empty unless an audit signing secret is configured.
type AuditLogEntry struct {
	Guid       string          `json:"guid"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     string          `json:"userId"`
	Action     string          `json:"action"`
	EventGuid  string          `json:"eventGuid"`
	EntityGuid string          `json:"entityGuid"`
	Changes    json.RawMessage `json:"changes,omitempty"`
	Signature  string          `json:"signature,omitempty"`
}

// Sign computes the keyed HMAC-SHA256 of the entry's canonical JSON,
// excluding the signature field itself.
func (a AuditLogEntry) Sign(secret []byte) string {
	unsigned := a
	unsigned.Signature = ""
	payload, _ := json.Marshal(unsigned)
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// AuditChanges is the diff payload stored with an audit entry.
type AuditChanges struct {
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	MatchedFields []string        `json:"matchedFields,omitempty"`
}

// DiffChanges renders the before/after snapshots of a pair into the audit
// changes payload.
func DiffChanges(pair *EntityPair) json.RawMessage {
	var c AuditChanges
	if pair != nil && pair.Initial != nil {
		c.Before, _ = json.Marshal(pair.Initial)
	}
	if pair != nil && pair.Modified != nil {
		c.After, _ = json.Marshal(pair.Modified)
	}
	out, _ := json.Marshal(c)
	return out
}
