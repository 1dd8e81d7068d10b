package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	santhosh "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
)

// Payload schemas for the built-in event types whose data carries required
// structure. Free-form fields stay unconstrained; only the relational
// fields the engine depends on are pinned down.
var builtinPayloadSchemas = map[string]string{
	domain.EventAddMember: `{
		"type": "object",
		"required": ["memberId"],
		"properties": {
			"memberId": {"type": "string", "minLength": 1},
			"member": {"type": "object"}
		}
	}`,
	domain.EventRemoveMember: `{
		"type": "object",
		"required": ["memberId"],
		"properties": {
			"memberId": {"type": "string", "minLength": 1}
		}
	}`,
	domain.EventResolveDuplicate: `{
		"type": "object",
		"required": ["duplicateGuid"],
		"properties": {
			"duplicateGuid": {"type": "string", "minLength": 1},
			"shouldDelete": {"type": "boolean"}
		}
	}`,
	domain.EventCreateGroup: `{
		"type": "object",
		"properties": {
			"members": {
				"type": "array",
				"items": {"type": "object"}
			}
		}
	}`,
	domain.EventUpdateGroup: `{
		"type": "object",
		"properties": {
			"members": {
				"type": "array",
				"items": {"type": "object"}
			}
		}
	}`,
}

// PayloadValidator checks event payloads against the built-in per-type
// JSON schemas. Schemas compile once and are cached for the process.
type PayloadValidator struct {
	cache sync.Map // event type → *santhosh.Schema
}

func NewPayloadValidator() *PayloadValidator {
	return &PayloadValidator{}
}

// Validate returns *domain.ErrSchemaViolation when the payload does not
// match the schema for the event type. Types without a schema pass.
func (v *PayloadValidator) Validate(ev domain.Event) error {
	raw, ok := builtinPayloadSchemas[ev.Type]
	if !ok {
		return nil
	}

	compiled, err := v.compiled(ev.Type, raw)
	if err != nil {
		return fmt.Errorf("compile payload schema for %s: %w", ev.Type, err)
	}

	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	if err := compiled.Validate(toPlain(data)); err != nil {
		var ve *santhosh.ValidationError
		if errors.As(err, &ve) {
			return &domain.ErrSchemaViolation{Errors: collectValidationErrors(ve)}
		}
		return &domain.ErrSchemaViolation{Errors: []string{err.Error()}}
	}
	return nil
}

func (v *PayloadValidator) compiled(eventType, raw string) (*santhosh.Schema, error) {
	if cached, ok := v.cache.Load(eventType); ok {
		return cached.(*santhosh.Schema), nil
	}
	compiler := santhosh.NewCompiler()
	compiler.Draft = santhosh.Draft7
	if err := compiler.AddResource("payload.json", bytes.NewReader([]byte(raw))); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile("payload.json")
	if err != nil {
		return nil, err
	}
	v.cache.Store(eventType, compiled)
	return compiled, nil
}

// toPlain round-trips through JSON so the validator sees exactly the types
// an unmarshaled payload would carry.
func toPlain(data map[string]any) any {
	encoded, err := json.Marshal(data)
	if err != nil {
		return data
	}
	var plain any
	if err := json.Unmarshal(encoded, &plain); err != nil {
		return data
	}
	return plain
}

func collectValidationErrors(ve *santhosh.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectValidationErrors(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.Error())
	}
	return msgs
}
