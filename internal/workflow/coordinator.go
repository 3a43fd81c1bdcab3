// Package workflow encodes the cross-protocol ordering rules: ORM precedes
// PAV verification, PAV verification precedes IAC enrollment. The rules run
// as store guards so the dependency check and the target append commit in the
// same atomic scope - a foreign key alone cannot express this, because the
// check spans two protocol records.
package workflow

import (
	"canopy/internal/georecord/store"
	id "canopy/pkg/domain"
	dErrors "canopy/pkg/domain-errors"
)

// Coordinator evaluates cross-protocol preconditions. Stateless; all state
// comes from the store view passed in at transition time.
type Coordinator struct{}

// New constructs a Coordinator.
func New() *Coordinator {
	return &Coordinator{}
}

// Guard returns the precondition check to run inside the append's atomic
// scope for the given target transition, or nil when the transition has no
// cross-protocol dependency.
func (c *Coordinator) Guard(protocol id.Protocol, targetState id.State) store.GuardFunc {
	switch {
	case protocol == id.ProtocolPAV && targetState == id.StateVerified:
		// Verification requires the location to have completed registration.
		return func(view store.StateView) error {
			ormState, err := view.CurrentState(id.ProtocolORM)
			if err != nil {
				return err
			}
			if ormState != id.StateRegistered && ormState != id.StateMapped {
				return dErrors.New(dErrors.CodePreconditionNotMet,
					"PAV verification requires ORM registration; ORM is "+ormState.String())
			}
			return nil
		}
	case protocol == id.ProtocolIAC && targetState == id.StateEnrolled:
		// Enrollment requires a currently verified PAV record. Read in the
		// same transaction as the append so a concurrent PAV regression
		// cannot slip between check and commit.
		return func(view store.StateView) error {
			pavState, err := view.CurrentState(id.ProtocolPAV)
			if err != nil {
				return err
			}
			if pavState != id.StateVerified {
				return dErrors.New(dErrors.CodePreconditionNotMet,
					"IAC enrollment requires PAV verification; PAV is "+pavState.String())
			}
			return nil
		}
	}
	return nil
}
