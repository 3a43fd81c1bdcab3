package domain

import dErrors "canopy/pkg/domain-errors"

// Protocol names one of the three sequential workflows a location moves
// through. Each (location, protocol) pair owns an independent state-machine
// record; ordering between protocols is enforced by the workflow coordinator.
type Protocol string

const (
	// ProtocolORM: Observation, Registration, Mapping.
	ProtocolORM Protocol = "ORM"
	// ProtocolPAV: Preliminary analysis and Verification.
	ProtocolPAV Protocol = "PAV"
	// ProtocolIAC: Intervention, Action, Confirmation.
	ProtocolIAC Protocol = "IAC"
)

// validProtocols is the single source of truth for supported protocols.
var validProtocols = map[Protocol]bool{
	ProtocolORM: true,
	ProtocolPAV: true,
	ProtocolIAC: true,
}

// ParseProtocol constructs a Protocol from external input.
func ParseProtocol(s string) (Protocol, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeValidation, "protocol cannot be empty")
	}
	p := Protocol(s)
	if !validProtocols[p] {
		return "", dErrors.New(dErrors.CodeValidation, "unknown protocol")
	}
	return p, nil
}

func (p Protocol) IsValid() bool  { return validProtocols[p] }
func (p Protocol) String() string { return string(p) }

// State is a protocol-specific lifecycle state. The protocol package owns the
// transition tables; this type only names the vocabulary.
type State string

// ORM states.
const (
	StateUnobserved State = "UNOBSERVED"
	StateObserved   State = "OBSERVED"
	StateRegistered State = "REGISTERED"
	StateMapped     State = "MAPPED"
)

// PAV states.
const (
	StatePending       State = "PENDING"
	StateUnderAnalysis State = "UNDER_ANALYSIS"
	StateVerified      State = "VERIFIED"
	StateRejected      State = "REJECTED"
)

// IAC states.
const (
	StateUnenrolled State = "UNENROLLED"
	StateEnrolled   State = "ENROLLED"
	StateInProgress State = "IN_PROGRESS"
	StateConfirmed  State = "CONFIRMED"
	StateWithdrawn  State = "WITHDRAWN"
)

func (s State) String() string { return string(s) }

// InitialState returns the implicit state of a protocol before its record
// exists. Records are created lazily on the first transition.
func (p Protocol) InitialState() State {
	switch p {
	case ProtocolORM:
		return StateUnobserved
	case ProtocolPAV:
		return StatePending
	case ProtocolIAC:
		return StateUnenrolled
	}
	return ""
}
