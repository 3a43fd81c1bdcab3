// Package domain holds shared domain primitives: typed identifiers and the
// protocol/state enums. Construct values via the Parse functions at trust
// boundaries; direct casting bypasses validation.
package domain

import (
	"github.com/google/uuid"

	dErrors "canopy/pkg/domain-errors"
)

// LocationID identifies a geospatial location record.
type LocationID uuid.UUID

// ActorID identifies the caller performing a transition. Identity resolution
// happens upstream (auth collaborator); this service only requires it to be a
// well-formed, non-nil UUID.
type ActorID uuid.UUID

// EvidenceRef is an opaque handle into the external blob store. Never
// interpreted here beyond existence checks.
type EvidenceRef string

// NewLocationID mints a fresh location identifier.
func NewLocationID() LocationID {
	return LocationID(uuid.New())
}

// ParseLocationID constructs a LocationID from external input.
func ParseLocationID(s string) (LocationID, error) {
	u, err := parseUUID(s, "location id")
	return LocationID(u), err
}

// ParseActorID constructs an ActorID from external input.
func ParseActorID(s string) (ActorID, error) {
	u, err := parseUUID(s, "actor id")
	return ActorID(u), err
}

func (id LocationID) String() string { return uuid.UUID(id).String() }
func (id LocationID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id ActorID) String() string { return uuid.UUID(id).String() }
func (id ActorID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, what+" cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, "invalid "+what)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, what+" cannot be nil")
	}
	return u, nil
}
