//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"canopy/internal/georecord/models"
	"canopy/internal/georecord/store"
	id "canopy/pkg/domain"
	"canopy/pkg/platform/sentinel"
	"canopy/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
	ctx      context.Context
	actor    id.ActorID
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.ctx = context.Background()
}

func (s *PostgresStoreSuite) SetupTest() {
	s.actor = id.ActorID(uuid.New())
	// Truncate in dependency order.
	err := s.postgres.TruncateTables(s.ctx, "state_transitions", "protocol_records", "locations")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) newLocation() *models.Location {
	return &models.Location{
		ID:              id.NewLocationID(),
		Longitude:       27.68,
		Latitude:        62.89,
		AreaDescription: "lakeshore reeds",
		SpeciesTag:      "cygnus-cygnus",
		CreatedBy:       s.actor,
		CreatedAt:       time.Now().UTC().Truncate(time.Microsecond),
	}
}

func (s *PostgresStoreSuite) transition(from, to id.State) models.StateTransition {
	return models.StateTransition{
		FromState: from,
		ToState:   to,
		ActorID:   s.actor,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func (s *PostgresStoreSuite) TestLocationRoundTrip() {
	loc := s.newLocation()
	s.Require().NoError(s.store.CreateLocation(s.ctx, loc))

	s.Run("finds the stored location", func() {
		found, err := s.store.FindLocation(s.ctx, loc.ID)
		s.Require().NoError(err)
		s.Equal(loc.SpeciesTag, found.SpeciesTag)
		s.Equal(loc.Longitude, found.Longitude)
		s.Nil(found.ArchivedAt)
	})

	s.Run("duplicate insert maps the unique violation", func() {
		err := s.store.CreateLocation(s.ctx, loc)
		s.Require().ErrorIs(err, sentinel.ErrDuplicate)
	})

	s.Run("unknown ID is ErrNotFound", func() {
		_, err := s.store.FindLocation(s.ctx, id.NewLocationID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *PostgresStoreSuite) TestAppendTransition() {
	s.Run("lazy record creation and implicit initial state", func() {
		loc := s.newLocation()
		s.Require().NoError(s.store.CreateLocation(s.ctx, loc))

		state, err := s.store.CurrentState(s.ctx, loc.ID, id.ProtocolORM)
		s.Require().NoError(err)
		s.Equal(id.StateUnobserved, state)

		rec, err := s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolORM,
			id.StateUnobserved, s.transition(id.StateUnobserved, id.StateObserved), nil)
		s.Require().NoError(err)
		s.Equal(id.StateObserved, rec.CurrentState())
	})

	s.Run("expected-state mismatch is ErrConflict with no write", func() {
		loc := s.newLocation()
		s.Require().NoError(s.store.CreateLocation(s.ctx, loc))

		_, err := s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolORM,
			id.StateObserved, s.transition(id.StateObserved, id.StateRegistered), nil)
		s.Require().ErrorIs(err, sentinel.ErrConflict)

		history, err := s.store.History(s.ctx, loc.ID, id.ProtocolORM)
		s.Require().NoError(err)
		s.Empty(history)
	})

	s.Run("evidence refs and work percentage survive the round trip", func() {
		loc := s.newLocation()
		s.Require().NoError(s.store.CreateLocation(s.ctx, loc))

		pct := 62.5
		tr := s.transition(id.StateUnobserved, id.StateObserved)
		tr.EvidenceRefs = []id.EvidenceRef{"photo-1", "photo-2"}
		tr.WorkDonePercent = &pct

		rec, err := s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolORM, id.StateUnobserved, tr, nil)
		s.Require().NoError(err)

		got := rec.History[0]
		s.Equal([]id.EvidenceRef{"photo-1", "photo-2"}, got.EvidenceRefs)
		s.Require().NotNil(got.WorkDonePercent)
		s.Equal(pct, *got.WorkDonePercent)
	})

	s.Run("guard failure rolls back the whole append", func() {
		loc := s.newLocation()
		s.Require().NoError(s.store.CreateLocation(s.ctx, loc))

		_, err := s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolORM,
			id.StateUnobserved, s.transition(id.StateUnobserved, id.StateObserved),
			func(store.StateView) error { return sentinel.ErrConflict })
		s.Require().ErrorIs(err, sentinel.ErrConflict)

		state, err := s.store.CurrentState(s.ctx, loc.ID, id.ProtocolORM)
		s.Require().NoError(err)
		s.Equal(id.StateUnobserved, state)
	})

	s.Run("guard reads sibling state within the transaction", func() {
		loc := s.newLocation()
		s.Require().NoError(s.store.CreateLocation(s.ctx, loc))
		_, err := s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolORM,
			id.StateUnobserved, s.transition(id.StateUnobserved, id.StateObserved), nil)
		s.Require().NoError(err)

		var seen id.State
		_, err = s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolPAV,
			id.StatePending, s.transition(id.StatePending, id.StateUnderAnalysis),
			func(view store.StateView) error {
				seen, err = view.CurrentState(id.ProtocolORM)
				return err
			})
		s.Require().NoError(err)
		s.Equal(id.StateObserved, seen)
	})

	s.Run("archived location refuses appends", func() {
		loc := s.newLocation()
		s.Require().NoError(s.store.CreateLocation(s.ctx, loc))
		s.Require().NoError(s.store.ArchiveLocation(s.ctx, loc.ID, time.Now()))

		_, err := s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolORM,
			id.StateUnobserved, s.transition(id.StateUnobserved, id.StateObserved), nil)
		s.Require().ErrorIs(err, sentinel.ErrArchived)
	})
}

// TestConcurrentAppends verifies row locking serializes racing writers: one
// wins, the rest observe the expected-state mismatch.
func (s *PostgresStoreSuite) TestConcurrentAppends() {
	loc := s.newLocation()
	s.Require().NoError(s.store.CreateLocation(s.ctx, loc))

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolORM,
				id.StateUnobserved, s.transition(id.StateUnobserved, id.StateObserved), nil)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			s.Require().ErrorIs(err, sentinel.ErrConflict)
		}
	}
	s.Equal(1, winners)

	history, err := s.store.History(s.ctx, loc.ID, id.ProtocolORM)
	s.Require().NoError(err)
	s.Len(history, 1)
}

func (s *PostgresStoreSuite) TestTimestampClamp() {
	loc := s.newLocation()
	s.Require().NoError(s.store.CreateLocation(s.ctx, loc))

	base := time.Now().UTC().Truncate(time.Microsecond)
	first := s.transition(id.StateUnobserved, id.StateObserved)
	first.Timestamp = base
	_, err := s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolORM, id.StateUnobserved, first, nil)
	s.Require().NoError(err)

	second := s.transition(id.StateObserved, id.StateRegistered)
	second.Timestamp = base.Add(-time.Hour)
	rec, err := s.store.AppendTransition(s.ctx, loc.ID, id.ProtocolORM, id.StateObserved, second, nil)
	s.Require().NoError(err)
	s.False(rec.History[1].Timestamp.Before(rec.History[0].Timestamp))
}

func (s *PostgresStoreSuite) TestArchiveIdempotent() {
	loc := s.newLocation()
	s.Require().NoError(s.store.CreateLocation(s.ctx, loc))

	first := time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.ArchiveLocation(s.ctx, loc.ID, first))
	s.Require().NoError(s.store.ArchiveLocation(s.ctx, loc.ID, first.Add(time.Hour)))

	found, err := s.store.FindLocation(s.ctx, loc.ID)
	s.Require().NoError(err)
	s.Require().NotNil(found.ArchivedAt)
	s.True(found.ArchivedAt.Equal(first))

	s.Run("archiving an unknown location is ErrNotFound", func() {
		err := s.store.ArchiveLocation(s.ctx, id.NewLocationID(), time.Now())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}
