package shared

import (
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// MaxIDLength bounds externally supplied identifiers.
const MaxIDLength = 128

// UserID identifies a user owned by the external identity service.
// The engine never interprets it beyond equality and ordering.
type UserID string

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// IsEmpty checks if the user ID is empty.
func (u UserID) IsEmpty() bool {
	return u == ""
}

// NewUserID trims and validates an externally supplied user reference.
func NewUserID(id string) (UserID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", NewDomainError("shared", "NewUserID", ErrEmptyValue, "user id is required")
	}
	if len(id) > MaxIDLength {
		return "", NewDomainError("shared", "NewUserID", ErrInvalidID, "user id is too long")
	}
	return UserID(id), nil
}

// CohortID identifies a group of users in the external enrollment service.
// The zero value means "all users".
type CohortID string

// String returns the string representation.
func (c CohortID) String() string {
	return string(c)
}

// IsAll reports whether no cohort restriction applies.
func (c CohortID) IsAll() bool {
	return c == ""
}

// NewCohortID trims and validates an optional cohort reference.
func NewCohortID(id string) (CohortID, error) {
	id = strings.TrimSpace(id)
	if len(id) > MaxIDLength {
		return "", NewDomainError("shared", "NewCohortID", ErrInvalidID, "cohort id is too long")
	}
	return CohortID(id), nil
}
