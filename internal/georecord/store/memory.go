package store

import (
	"context"
	"sync"
	"time"

	"canopy/internal/georecord/models"
	id "canopy/pkg/domain"
	"canopy/pkg/platform/sentinel"
)

// InMemory keeps all records in process memory. It is the unit-test and
// single-node development store; production deployments use Postgres.
//
// Locking model: the store mutex guards the location map; each location entry
// guards its own metadata; each (location, protocol) record has its own mutex
// so appends against different protocols of the same location proceed in
// parallel. Guards read dependency states through short-lived locks on the
// dependency record only - the precondition chain is one-directional
// (ORM <- PAV <- IAC), so no lock cycle can form.
type InMemory struct {
	mu        sync.RWMutex
	locations map[id.LocationID]*locationEntry
}

type locationEntry struct {
	mu      sync.RWMutex
	loc     models.Location
	records map[id.Protocol]*protocolEntry
}

type protocolEntry struct {
	mu  sync.Mutex
	rec models.ProtocolRecord
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{locations: make(map[id.LocationID]*locationEntry)}
}

func (s *InMemory) CreateLocation(_ context.Context, loc *models.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locations[loc.ID]; ok {
		return sentinel.ErrDuplicate
	}
	s.locations[loc.ID] = &locationEntry{
		loc:     *loc,
		records: make(map[id.Protocol]*protocolEntry),
	}
	return nil
}

func (s *InMemory) FindLocation(_ context.Context, locationID id.LocationID) (*models.Location, error) {
	entry, err := s.entry(locationID)
	if err != nil {
		return nil, err
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	loc := entry.loc
	return &loc, nil
}

func (s *InMemory) ListLocations(_ context.Context) ([]*models.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Location, 0, len(s.locations))
	for _, entry := range s.locations {
		entry.mu.RLock()
		loc := entry.loc
		entry.mu.RUnlock()
		out = append(out, &loc)
	}
	return out, nil
}

func (s *InMemory) ArchiveLocation(_ context.Context, locationID id.LocationID, at time.Time) error {
	entry, err := s.entry(locationID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.loc.ArchivedAt == nil {
		archived := at
		entry.loc.ArchivedAt = &archived
	}
	return nil
}

func (s *InMemory) AppendTransition(_ context.Context, locationID id.LocationID, protocol id.Protocol,
	expectedState id.State, tr models.StateTransition, guard GuardFunc) (*models.ProtocolRecord, error) {

	entry, err := s.entry(locationID)
	if err != nil {
		return nil, err
	}

	rec := entry.record(protocol, locationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	entry.mu.RLock()
	archived := entry.loc.IsArchived()
	entry.mu.RUnlock()
	if archived {
		return nil, sentinel.ErrArchived
	}

	if rec.rec.CurrentState() != expectedState {
		return nil, sentinel.ErrConflict
	}

	if guard != nil {
		if err := guard(memoryStateView{entry: entry, target: protocol, targetState: expectedState}); err != nil {
			return nil, err
		}
	}

	if n := len(rec.rec.History); n > 0 && tr.Timestamp.Before(rec.rec.History[n-1].Timestamp) {
		tr.Timestamp = rec.rec.History[n-1].Timestamp
	}
	rec.rec.History = append(rec.rec.History, tr)

	return copyRecord(&rec.rec), nil
}

func (s *InMemory) History(_ context.Context, locationID id.LocationID, protocol id.Protocol) ([]models.StateTransition, error) {
	entry, err := s.entry(locationID)
	if err != nil {
		return nil, err
	}
	rec := entry.record(protocol, locationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]models.StateTransition{}, rec.rec.History...), nil
}

func (s *InMemory) CurrentState(_ context.Context, locationID id.LocationID, protocol id.Protocol) (id.State, error) {
	entry, err := s.entry(locationID)
	if err != nil {
		return "", err
	}
	rec := entry.record(protocol, locationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.rec.CurrentState(), nil
}

func (s *InMemory) entry(locationID id.LocationID) (*locationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.locations[locationID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return entry, nil
}

// record returns the protocol record for a location, creating it lazily.
func (e *locationEntry) record(protocol id.Protocol, locationID id.LocationID) *protocolEntry {
	e.mu.RLock()
	rec, ok := e.records[protocol]
	e.mu.RUnlock()
	if ok {
		return rec
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok = e.records[protocol]; ok {
		return rec
	}
	rec = &protocolEntry{rec: models.ProtocolRecord{LocationID: locationID, Protocol: protocol}}
	e.records[protocol] = rec
	return rec
}

// memoryStateView reads sibling protocol states for the workflow guard. The
// target protocol's state is answered from the value already verified under
// the held record lock; dependency reads take the dependency's lock briefly
// (consistent snapshot, not held for the duration of the append).
type memoryStateView struct {
	entry       *locationEntry
	target      id.Protocol
	targetState id.State
}

func (v memoryStateView) CurrentState(protocol id.Protocol) (id.State, error) {
	if protocol == v.target {
		return v.targetState, nil
	}
	rec := v.entry.record(protocol, v.entry.loc.ID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.rec.CurrentState(), nil
}

func copyRecord(rec *models.ProtocolRecord) *models.ProtocolRecord {
	out := &models.ProtocolRecord{
		LocationID: rec.LocationID,
		Protocol:   rec.Protocol,
		History:    append([]models.StateTransition{}, rec.History...),
	}
	return out
}
