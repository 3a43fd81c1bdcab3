// Package store persists locations and protocol records. Implementations
// return pkg/platform/sentinel errors; the protocol service translates them
// into coded domain errors.
package store

import (
	"context"
	"time"

	"canopy/internal/georecord/models"
	id "canopy/pkg/domain"
)

// StateView provides reads of a location's protocol states taken within the
// same atomic scope as a pending append (same mutex hold or SQL transaction).
// The workflow coordinator uses it so cross-protocol preconditions cannot be
// invalidated between check and commit.
type StateView interface {
	CurrentState(protocol id.Protocol) (id.State, error)
}

// GuardFunc runs inside the append's atomic scope, after the expected-state
// precondition has been verified and before anything is written. Returning an
// error aborts the append with no partial write.
type GuardFunc func(view StateView) error

// Store is interface-driven so the in-memory and PostgreSQL implementations
// stay swappable without rewiring domain code.
//
// Error contract (sentinel errors):
//   - CreateLocation: ErrDuplicate when the ID already exists
//   - FindLocation / History / CurrentState: ErrNotFound for unknown locations
//   - AppendTransition: ErrNotFound (unknown location), ErrArchived (location
//     soft-archived), ErrConflict (current state != expectedState, i.e. a
//     concurrent writer won), plus any guard error verbatim
//   - ArchiveLocation: ErrNotFound for unknown locations; idempotent otherwise
//
// Every successful append is durable before the call returns.
type Store interface {
	CreateLocation(ctx context.Context, loc *models.Location) error
	FindLocation(ctx context.Context, locationID id.LocationID) (*models.Location, error)
	ListLocations(ctx context.Context) ([]*models.Location, error)
	ArchiveLocation(ctx context.Context, locationID id.LocationID, at time.Time) error

	// AppendTransition appends one transition to the (location, protocol)
	// record under optimistic concurrency: expectedState is the state the
	// caller observed, and a mismatch at commit time fails with ErrConflict
	// and no write. The guard, if non-nil, runs in the same atomic scope.
	// The transition timestamp is clamped to the history maximum so the
	// per-record monotonicity invariant holds even with a lagging clock.
	AppendTransition(ctx context.Context, locationID id.LocationID, protocol id.Protocol,
		expectedState id.State, tr models.StateTransition, guard GuardFunc) (*models.ProtocolRecord, error)

	History(ctx context.Context, locationID id.LocationID, protocol id.Protocol) ([]models.StateTransition, error)
	CurrentState(ctx context.Context, locationID id.LocationID, protocol id.Protocol) (id.State, error)
}
