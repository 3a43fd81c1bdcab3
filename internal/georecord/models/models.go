// Package models defines the persistent record types owned by the georecord
// store: locations and their per-protocol append-only transition histories.
package models

import (
	"time"

	id "canopy/pkg/domain"
)

// Location is the aggregate root for a geospatial record.
//
// Invariants:
//   - Longitude in [-180,180], Latitude in [-90,90] (enforced by the
//     validation engine before construction)
//   - AreaDescription and SpeciesTag are non-empty after trimming
//   - Created once via observation submission, never mutated afterwards;
//     all lifecycle changes flow through protocol transitions
//   - Never physically deleted: soft archive only, so evidence chains in
//     transition histories stay resolvable
type Location struct {
	ID              id.LocationID `json:"id"`
	Longitude       float64       `json:"longitude"`
	Latitude        float64       `json:"latitude"`
	AreaDescription string        `json:"area_description"`
	SpeciesTag      string        `json:"species_tag"`
	CreatedBy       id.ActorID    `json:"created_by"`
	CreatedAt       time.Time     `json:"created_at"`
	ArchivedAt      *time.Time    `json:"archived_at,omitempty"`
}

// IsArchived reports whether the location refuses further transitions.
func (l *Location) IsArchived() bool {
	return l.ArchivedAt != nil
}

// StateTransition is one immutable history entry. Timestamps are
// non-decreasing within a single record's history; the store clamps a
// lagging clock to the history maximum rather than rejecting the append.
type StateTransition struct {
	FromState    id.State         `json:"from_state"`
	ToState      id.State         `json:"to_state"`
	ActorID      id.ActorID       `json:"actor_id"`
	Timestamp    time.Time        `json:"timestamp"`
	EvidenceRefs []id.EvidenceRef `json:"evidence_refs,omitempty"`
	// WorkDonePercent is set only on IAC progress and confirmation entries.
	WorkDonePercent *float64 `json:"work_done_percent,omitempty"`
}

// IsProgressUpdate reports whether the entry is a self-loop (state unchanged,
// evidence accumulated), as produced by partial IAC completion reports.
func (t StateTransition) IsProgressUpdate() bool {
	return t.FromState == t.ToState
}

// ProtocolRecord is the per-(location, protocol) state-machine instance.
//
// Invariants:
//   - History is append-only; entries are never rewritten or removed
//   - CurrentState() always equals the last entry's ToState
//   - Adjacent entries chain: history[i].ToState == history[i+1].FromState
type ProtocolRecord struct {
	LocationID id.LocationID     `json:"location_id"`
	Protocol   id.Protocol       `json:"protocol"`
	History    []StateTransition `json:"history"`
}

// CurrentState returns the record's state, or the protocol's implicit initial
// state when no transition has been appended yet.
func (r *ProtocolRecord) CurrentState() id.State {
	if len(r.History) == 0 {
		return r.Protocol.InitialState()
	}
	return r.History[len(r.History)-1].ToState
}

// ResubmissionCount counts REJECTED -> PENDING reopenings in the history.
// Only meaningful for PAV records; used to enforce the resubmission cap.
func (r *ProtocolRecord) ResubmissionCount() int {
	n := 0
	for _, t := range r.History {
		if t.FromState == id.StateRejected && t.ToState == id.StatePending {
			n++
		}
	}
	return n
}
