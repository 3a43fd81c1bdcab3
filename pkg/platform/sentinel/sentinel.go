package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into coded domain errors.
//
// These represent factual states about stored records, not validation
// failures:
// - ErrNotFound: record does not exist in the store
// - ErrDuplicate: identity already taken
// - ErrConflict: optimistic precondition no longer holds (concurrent writer won)
// - ErrArchived: location is soft-archived and refuses writes
// - ErrUnavailable: store temporarily unreachable or timed out
//
// For validation errors (bad input, missing fields), use pkg/domain-errors
// directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicate   = errors.New("duplicate")
	ErrConflict    = errors.New("conflict")
	ErrArchived    = errors.New("archived")
	ErrUnavailable = errors.New("unavailable")
)
