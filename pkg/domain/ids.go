package domain

import (
	"regexp"

	dErrors "payguard/pkg/domain-errors"
)

// TenantID identifies an isolated customer application. Every row and every
// uniqueness constraint in the system is scoped by it.
type TenantID string

// ReferenceID is a caller-chosen, tenant-scoped key naming one business intent,
// e.g. "tip:2026-01-23:driver123:customer456".
type ReferenceID string

// EventID is the processor-assigned webhook event identifier.
type EventID string

var (
	tenantPattern    = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)
	referencePattern = regexp.MustCompile(`^[\x21-\x7e]{1,255}$`)
)

// ParseTenantID validates a tenant identifier at a trust boundary.
func ParseTenantID(s string) (TenantID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "tenant id is required")
	}
	if !tenantPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "tenant id has invalid format")
	}
	return TenantID(s), nil
}

// ParseReferenceID validates a reference id: printable ASCII without spaces, 1-255 chars.
func ParseReferenceID(s string) (ReferenceID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "reference_id is required")
	}
	if !referencePattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "reference_id has invalid format")
	}
	return ReferenceID(s), nil
}

// ParseEventID validates a webhook event id.
func ParseEventID(s string) (EventID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "event id is required")
	}
	if !referencePattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "event id has invalid format")
	}
	return EventID(s), nil
}

func (t TenantID) String() string    { return string(t) }
func (t TenantID) IsNil() bool       { return t == "" }
func (r ReferenceID) String() string { return string(r) }
func (e EventID) String() string     { return string(e) }
