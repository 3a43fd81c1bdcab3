// Package protocol implements the per-protocol state machines and the
// uniform transition execution contract over the georecord store.
package protocol

import (
	id "canopy/pkg/domain"
)

// edge is one legal transition in a protocol's table.
type edge struct {
	from, to id.State
}

// Machine is the finite transition table for one protocol. Tables are fixed
// at startup; no two protocols share a table.
type Machine struct {
	protocol id.Protocol
	edges    map[edge]bool
	states   map[id.State]bool
	terminal map[id.State]bool
}

var machines = map[id.Protocol]*Machine{
	id.ProtocolORM: newMachine(id.ProtocolORM,
		[]edge{
			{id.StateUnobserved, id.StateObserved},
			{id.StateObserved, id.StateRegistered},
			{id.StateRegistered, id.StateMapped},
		},
		[]id.State{id.StateMapped},
	),
	id.ProtocolPAV: newMachine(id.ProtocolPAV,
		[]edge{
			{id.StatePending, id.StateUnderAnalysis},
			{id.StateUnderAnalysis, id.StateVerified},
			{id.StateUnderAnalysis, id.StateRejected},
			// The one permitted backward edge: explicit resubmission,
			// capped by the configured resubmission limit.
			{id.StateRejected, id.StatePending},
		},
		[]id.State{id.StateVerified, id.StateRejected},
	),
	id.ProtocolIAC: newMachine(id.ProtocolIAC,
		[]edge{
			{id.StateUnenrolled, id.StateEnrolled},
			{id.StateEnrolled, id.StateInProgress},
			{id.StateInProgress, id.StateConfirmed},
			// Progress updates: state unchanged, evidence accumulates.
			{id.StateInProgress, id.StateInProgress},
			// Withdrawal is not reachable from CONFIRMED: confirmed
			// interventions are immutable history.
			{id.StateEnrolled, id.StateWithdrawn},
			{id.StateInProgress, id.StateWithdrawn},
		},
		[]id.State{id.StateConfirmed, id.StateWithdrawn},
	),
}

func newMachine(protocol id.Protocol, edges []edge, terminal []id.State) *Machine {
	m := &Machine{
		protocol: protocol,
		edges:    make(map[edge]bool, len(edges)),
		states:   map[id.State]bool{protocol.InitialState(): true},
		terminal: make(map[id.State]bool, len(terminal)),
	}
	for _, e := range edges {
		m.edges[e] = true
		m.states[e.from] = true
		m.states[e.to] = true
	}
	for _, s := range terminal {
		m.terminal[s] = true
	}
	return m
}

// MachineFor returns the state machine for a protocol.
func MachineFor(protocol id.Protocol) (*Machine, bool) {
	m, ok := machines[protocol]
	return m, ok
}

// Allows reports whether from -> to is in the transition table.
func (m *Machine) Allows(from, to id.State) bool {
	return m.edges[edge{from, to}]
}

// Knows reports whether the state belongs to this protocol's vocabulary.
func (m *Machine) Knows(s id.State) bool {
	return m.states[s]
}

// IsTerminal reports whether entering the state must fan out a notification.
// REJECTED counts as terminal even though the explicit resubmit edge can
// reopen it later.
func (m *Machine) IsTerminal(s id.State) bool {
	return m.terminal[s]
}
