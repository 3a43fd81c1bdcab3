package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"canopy/internal/blobindex"
	"canopy/internal/georecord/models"
	"canopy/internal/georecord/store"
	"canopy/internal/notify"
	"canopy/internal/notify/mocks"
	"canopy/internal/validation"
	"canopy/internal/workflow"
	id "canopy/pkg/domain"
	dErrors "canopy/pkg/domain-errors"
	"canopy/pkg/platform/sentinel"
	"canopy/pkg/requestcontext"
)

// failingStore returns the same error from every operation, standing in for
// an unreachable or timed-out record store.
type failingStore struct {
	err error
}

func (f failingStore) CreateLocation(context.Context, *models.Location) error { return f.err }

func (f failingStore) FindLocation(context.Context, id.LocationID) (*models.Location, error) {
	return nil, f.err
}

func (f failingStore) ListLocations(context.Context) ([]*models.Location, error) {
	return nil, f.err
}

func (f failingStore) ArchiveLocation(context.Context, id.LocationID, time.Time) error {
	return f.err
}

func (f failingStore) AppendTransition(context.Context, id.LocationID, id.Protocol, id.State,
	models.StateTransition, store.GuardFunc) (*models.ProtocolRecord, error) {
	return nil, f.err
}

func (f failingStore) History(context.Context, id.LocationID, id.Protocol) ([]models.StateTransition, error) {
	return nil, f.err
}

func (f failingStore) CurrentState(context.Context, id.LocationID, id.Protocol) (id.State, error) {
	return "", f.err
}

type ServiceSuite struct {
	suite.Suite
	store   *store.InMemory
	blobs   *blobindex.MemoryIndex
	service *Service
	ctx     context.Context
	actor   id.ActorID
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemory()
	s.blobs = blobindex.NewMemoryIndex()
	s.service = NewService(s.store, validation.NewEngine(s.blobs), workflow.New())
	s.ctx = context.Background()
	s.actor = id.ActorID(uuid.New())
}

func (s *ServiceSuite) observation() validation.ObservationPayload {
	return validation.ObservationPayload{
		Longitude:       25.47,
		Latitude:        65.01,
		AreaDescription: "old-growth margin, north face",
		SpeciesTag:      "calypso-bulbosa",
	}
}

func (s *ServiceSuite) submit() id.LocationID {
	loc, err := s.service.SubmitObservation(s.ctx, s.actor, s.observation())
	s.Require().NoError(err)
	return loc.ID
}

func (s *ServiceSuite) step(locID id.LocationID, p id.Protocol, from, to id.State) {
	_, err := s.service.Transition(s.ctx, locID, p, s.actor,
		TransitionRequest{FromState: from, ToState: to})
	s.Require().NoError(err)
}

// registerLocation drives ORM to REGISTERED so PAV verification can proceed.
func (s *ServiceSuite) registerLocation(locID id.LocationID) {
	s.step(locID, id.ProtocolORM, id.StateUnobserved, id.StateObserved)
	s.step(locID, id.ProtocolORM, id.StateObserved, id.StateRegistered)
}

// verifyLocation drives PAV to VERIFIED so IAC enrollment can proceed.
func (s *ServiceSuite) verifyLocation(locID id.LocationID) {
	s.step(locID, id.ProtocolPAV, id.StatePending, id.StateUnderAnalysis)
	s.step(locID, id.ProtocolPAV, id.StateUnderAnalysis, id.StateVerified)
}

func (s *ServiceSuite) TestSubmitObservation() {
	s.Run("creates a location in the implicit initial state", func() {
		locID := s.submit()

		state, err := s.service.GetState(s.ctx, locID, id.ProtocolORM)
		s.Require().NoError(err)
		s.Equal(id.StateUnobserved, state)

		history, err := s.service.GetHistory(s.ctx, locID, id.ProtocolORM)
		s.Require().NoError(err)
		s.Empty(history)
	})

	s.Run("rejects invalid payloads before any write", func() {
		p := s.observation()
		p.Latitude = 95
		_, err := s.service.SubmitObservation(s.ctx, s.actor, p)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("rejects a nil actor", func() {
		_, err := s.service.SubmitObservation(s.ctx, id.ActorID{}, s.observation())
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.Run("client-supplied ID makes resubmission a DUPLICATE", func() {
		p := s.observation()
		p.LocationID = uuid.NewString()
		_, err := s.service.SubmitObservation(s.ctx, s.actor, p)
		s.Require().NoError(err)

		_, err = s.service.SubmitObservation(s.ctx, s.actor, p)
		s.True(dErrors.HasCode(err, dErrors.CodeDuplicate))
	})
}

func (s *ServiceSuite) TestObservationPipeline() {
	s.Run("full chain reaches MAPPED with a three-entry history", func() {
		locID := s.submit()
		s.registerLocation(locID)
		s.step(locID, id.ProtocolORM, id.StateRegistered, id.StateMapped)

		state, err := s.service.GetState(s.ctx, locID, id.ProtocolORM)
		s.Require().NoError(err)
		s.Equal(id.StateMapped, state)

		history, err := s.service.GetHistory(s.ctx, locID, id.ProtocolORM)
		s.Require().NoError(err)
		s.Require().Len(history, 3)
		for i := 1; i < len(history); i++ {
			s.Equal(history[i-1].ToState, history[i].FromState)
		}
	})

	s.Run("skipping a state is an ILLEGAL_TRANSITION", func() {
		locID := s.submit()
		_, err := s.service.Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{FromState: id.StateUnobserved, ToState: id.StateRegistered})
		s.True(dErrors.HasCode(err, dErrors.CodeIllegalTransition))
	})

	s.Run("stale from-state is STALE_STATE", func() {
		locID := s.submit()
		s.step(locID, id.ProtocolORM, id.StateUnobserved, id.StateObserved)

		_, err := s.service.Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{FromState: id.StateUnobserved, ToState: id.StateObserved})
		s.True(dErrors.HasCode(err, dErrors.CodeStaleState))
	})

	s.Run("foreign state names fail validation", func() {
		locID := s.submit()
		_, err := s.service.Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{FromState: id.StateUnobserved, ToState: id.StatePending})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown location is NOT_FOUND", func() {
		_, err := s.service.Transition(s.ctx, id.NewLocationID(), id.ProtocolORM, s.actor,
			TransitionRequest{FromState: id.StateUnobserved, ToState: id.StateObserved})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestVerificationPreconditions() {
	s.Run("verification before registration is PRECONDITION_NOT_MET", func() {
		locID := s.submit()
		s.step(locID, id.ProtocolPAV, id.StatePending, id.StateUnderAnalysis)

		_, err := s.service.Transition(s.ctx, locID, id.ProtocolPAV, s.actor,
			TransitionRequest{FromState: id.StateUnderAnalysis, ToState: id.StateVerified})
		s.True(dErrors.HasCode(err, dErrors.CodePreconditionNotMet))
	})

	s.Run("verification succeeds once ORM is registered", func() {
		locID := s.submit()
		s.registerLocation(locID)
		s.verifyLocation(locID)

		state, err := s.service.GetState(s.ctx, locID, id.ProtocolPAV)
		s.Require().NoError(err)
		s.Equal(id.StateVerified, state)
	})

	s.Run("enrollment before verification is PRECONDITION_NOT_MET", func() {
		locID := s.submit()
		s.registerLocation(locID)

		_, err := s.service.Transition(s.ctx, locID, id.ProtocolIAC, s.actor,
			TransitionRequest{FromState: id.StateUnenrolled, ToState: id.StateEnrolled})
		s.True(dErrors.HasCode(err, dErrors.CodePreconditionNotMet))
	})
}

func (s *ServiceSuite) TestResubmissionCap() {
	locID := s.submit()
	s.registerLocation(locID)

	reject := func() {
		s.step(locID, id.ProtocolPAV, id.StatePending, id.StateUnderAnalysis)
		s.step(locID, id.ProtocolPAV, id.StateUnderAnalysis, id.StateRejected)
	}

	reject()
	for i := 0; i < DefaultResubmissionLimit; i++ {
		s.step(locID, id.ProtocolPAV, id.StateRejected, id.StatePending)
		reject()
	}

	// One past the cap.
	_, err := s.service.Transition(s.ctx, locID, id.ProtocolPAV, s.actor,
		TransitionRequest{FromState: id.StateRejected, ToState: id.StatePending})
	s.True(dErrors.HasCode(err, dErrors.CodeResubmissionLimit))
}

func (s *ServiceSuite) TestInterventionCompletion() {
	enroll := func() id.LocationID {
		locID := s.submit()
		s.registerLocation(locID)
		s.verifyLocation(locID)
		s.step(locID, id.ProtocolIAC, id.StateUnenrolled, id.StateEnrolled)
		s.step(locID, id.ProtocolIAC, id.StateEnrolled, id.StateInProgress)
		return locID
	}
	pct := func(v float64) *float64 { return &v }

	s.Run("full completion confirms", func() {
		locID := enroll()
		rec, err := s.service.Transition(s.ctx, locID, id.ProtocolIAC, s.actor,
			TransitionRequest{
				FromState: id.StateInProgress,
				ToState:   id.StateConfirmed,
				Payload:   TransitionPayload{WorkDonePercent: pct(100)},
			})
		s.Require().NoError(err)
		s.Equal(id.StateConfirmed, rec.CurrentState())
	})

	s.Run("partial completion stays in progress with a recorded entry", func() {
		locID := enroll()
		rec, err := s.service.Transition(s.ctx, locID, id.ProtocolIAC, s.actor,
			TransitionRequest{
				FromState: id.StateInProgress,
				ToState:   id.StateConfirmed,
				Payload:   TransitionPayload{WorkDonePercent: pct(99)},
			})
		s.Require().NoError(err)
		s.Equal(id.StateInProgress, rec.CurrentState())

		last := rec.History[len(rec.History)-1]
		s.True(last.IsProgressUpdate())
		s.Require().NotNil(last.WorkDonePercent)
		s.Equal(99.0, *last.WorkDonePercent)
	})

	s.Run("confirmation without a percentage fails validation", func() {
		locID := enroll()
		_, err := s.service.Transition(s.ctx, locID, id.ProtocolIAC, s.actor,
			TransitionRequest{FromState: id.StateInProgress, ToState: id.StateConfirmed})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("withdrawal closes the record", func() {
		locID := enroll()
		s.step(locID, id.ProtocolIAC, id.StateInProgress, id.StateWithdrawn)

		_, err := s.service.Transition(s.ctx, locID, id.ProtocolIAC, s.actor,
			TransitionRequest{FromState: id.StateWithdrawn, ToState: id.StateEnrolled})
		s.True(dErrors.HasCode(err, dErrors.CodeIllegalTransition))
	})
}

func (s *ServiceSuite) TestEvidenceChecks() {
	locID := s.submit()

	s.Run("unresolvable evidence blocks the transition", func() {
		_, err := s.service.Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{
				FromState: id.StateUnobserved,
				ToState:   id.StateObserved,
				Payload:   TransitionPayload{EvidenceRefs: []string{"missing-blob"}},
			})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("resolved evidence is recorded on the entry", func() {
		s.blobs.Put("photo-1", 1024)
		rec, err := s.service.Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{
				FromState: id.StateUnobserved,
				ToState:   id.StateObserved,
				Payload:   TransitionPayload{EvidenceRefs: []string{"photo-1"}},
			})
		s.Require().NoError(err)
		s.Equal([]id.EvidenceRef{"photo-1"}, rec.History[0].EvidenceRefs)
	})
}

func (s *ServiceSuite) TestArchive() {
	locID := s.submit()
	s.Require().NoError(s.service.ArchiveLocation(s.ctx, locID, s.actor))

	s.Run("archived locations refuse transitions with CONFLICT", func() {
		_, err := s.service.Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{FromState: id.StateUnobserved, ToState: id.StateObserved})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("reads keep working after archive", func() {
		state, err := s.service.GetState(s.ctx, locID, id.ProtocolORM)
		s.Require().NoError(err)
		s.Equal(id.StateUnobserved, state)

		loc, err := s.service.GetLocation(s.ctx, locID)
		s.Require().NoError(err)
		s.NotNil(loc.ArchivedAt)
	})

	s.Run("archiving twice is a no-op", func() {
		s.NoError(s.service.ArchiveLocation(s.ctx, locID, s.actor))
	})
}

func (s *ServiceSuite) TestTerminalNotifications() {
	newService := func(n notify.Notifier) *Service {
		return NewService(s.store, validation.NewEngine(s.blobs), workflow.New(),
			WithNotifier(n))
	}

	s.Run("terminal states fan out exactly one event", func() {
		ctrl := gomock.NewController(s.T())
		notifier := mocks.NewMockNotifier(ctrl)
		svc := newService(notifier)

		locID := s.submit()
		s.registerLocation(locID)

		notifier.EXPECT().
			Notify(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, ev notify.Event) error {
				s.Equal(locID, ev.LocationID)
				s.Equal(id.ProtocolORM, ev.Protocol)
				s.Equal(id.StateMapped, ev.ToState)
				return nil
			})

		_, err := svc.Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{FromState: id.StateRegistered, ToState: id.StateMapped})
		s.Require().NoError(err)
	})

	s.Run("notifier failure does not fail the transition", func() {
		ctrl := gomock.NewController(s.T())
		notifier := mocks.NewMockNotifier(ctrl)
		notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(context.DeadlineExceeded)
		svc := newService(notifier)

		locID := s.submit()
		s.registerLocation(locID)

		rec, err := svc.Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{FromState: id.StateRegistered, ToState: id.StateMapped})
		s.Require().NoError(err)
		s.Equal(id.StateMapped, rec.CurrentState())
	})

	s.Run("non-terminal states stay silent", func() {
		ctrl := gomock.NewController(s.T())
		notifier := mocks.NewMockNotifier(ctrl)
		svc := newService(notifier)

		locID := s.submit()
		_, err := svc.Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{FromState: id.StateUnobserved, ToState: id.StateObserved})
		s.Require().NoError(err)
	})
}

func (s *ServiceSuite) TestStoreUnavailable() {
	broken := func(err error) *Service {
		return NewService(failingStore{err: err}, validation.NewEngine(s.blobs), workflow.New())
	}

	s.Run("observation submission surfaces UNAVAILABLE", func() {
		_, err := broken(sentinel.ErrUnavailable).SubmitObservation(s.ctx, s.actor, s.observation())
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("transition surfaces UNAVAILABLE and retains the healthy store's state", func() {
		locID := s.submit()

		_, err := broken(sentinel.ErrUnavailable).Transition(s.ctx, locID, id.ProtocolORM, s.actor,
			TransitionRequest{FromState: id.StateUnobserved, ToState: id.StateObserved})
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))

		// The record behind the healthy store is untouched.
		history, err := s.service.GetHistory(s.ctx, locID, id.ProtocolORM)
		s.Require().NoError(err)
		s.Empty(history)
	})

	s.Run("store deadline expiry maps to UNAVAILABLE", func() {
		_, err := broken(context.DeadlineExceeded).SubmitObservation(s.ctx, s.actor, s.observation())
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})

	s.Run("history reads surface UNAVAILABLE", func() {
		_, err := broken(sentinel.ErrUnavailable).GetHistory(s.ctx, id.NewLocationID(), id.ProtocolORM)
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})
}

func (s *ServiceSuite) TestRequestScopedTime() {
	locID := s.submit()

	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	ctx := requestcontext.WithTime(s.ctx, at)

	rec, err := s.service.Transition(ctx, locID, id.ProtocolORM, s.actor,
		TransitionRequest{FromState: id.StateUnobserved, ToState: id.StateObserved})
	s.Require().NoError(err)
	s.True(rec.History[0].Timestamp.Equal(at))
}
