package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrValidation            = errors.New("validation failed")
	ErrNotGroup              = errors.New("entity is not a group")
	ErrMissingMember         = errors.New("member id is required")
	ErrUnsupportedEventType  = errors.New("unsupported event type")
	ErrDuplicatesOutstanding = errors.New("unresolved potential duplicates outstanding")
	ErrIntegrity             = errors.New("event failed log integrity verification")
	ErrUnauthorized          = errors.New("unauthorized")
)

// ErrSchemaViolation carries the individual JSON schema failures for an
// event payload that did not match the configured entity schema.
type ErrSchemaViolation struct {
	Errors []string
}

func (e *ErrSchemaViolation) Error() string {
	if len(e.Errors) == 0 {
		return "schema validation failed"
	}
	return "schema validation failed: " + e.Errors[0]
}

func (e *ErrSchemaViolation) Unwrap() error {
	return ErrValidation
}
