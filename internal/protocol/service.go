package protocol

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"canopy/internal/georecord/models"
	"canopy/internal/georecord/store"
	"canopy/internal/notify"
	"canopy/internal/platform/metrics"
	"canopy/internal/validation"
	"canopy/internal/workflow"
	id "canopy/pkg/domain"
	dErrors "canopy/pkg/domain-errors"
	"canopy/pkg/platform/sentinel"
	"canopy/pkg/requestcontext"
)

// DefaultResubmissionLimit caps PAV reopenings when no limit is configured.
const DefaultResubmissionLimit = 3

// TransitionPayload carries the caller-supplied data for one transition.
// WorkDonePercent is required for IAC progress and confirmation submissions
// and ignored elsewhere.
type TransitionPayload struct {
	EvidenceRefs    []string `json:"evidence_refs"`
	WorkDonePercent *float64 `json:"work_done_percent,omitempty"`
}

// TransitionRequest names the edge the caller wants to take. FromState is the
// state the caller last observed; a mismatch with the record's current state
// fails with STALE_STATE before anything is written.
type TransitionRequest struct {
	FromState id.State          `json:"from_state"`
	ToState   id.State          `json:"to_state"`
	Payload   TransitionPayload `json:"payload"`
}

// Service executes the uniform transition contract across all three
// protocols. It keeps orchestration out of handlers and leaves persistence
// atomicity to the store.
type Service struct {
	store       store.Store
	validator   *validation.Engine
	coordinator *workflow.Coordinator

	notifier          notify.Notifier
	logger            *slog.Logger
	metrics           *metrics.Metrics
	tracer            trace.Tracer
	storeTimeout      time.Duration
	resubmissionLimit int
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStoreTimeout bounds every store call. Zero means no bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

func WithResubmissionLimit(n int) Option {
	return func(s *Service) { s.resubmissionLimit = n }
}

// NewService constructs the protocol service.
func NewService(st store.Store, validator *validation.Engine, coordinator *workflow.Coordinator, opts ...Option) *Service {
	s := &Service{
		store:             st,
		validator:         validator,
		coordinator:       coordinator,
		resubmissionLimit: DefaultResubmissionLimit,
		tracer:            otel.Tracer("canopy/protocol"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.logger)
	}
	return s
}

// SubmitObservation validates the payload and creates the location. The
// location starts in ORM's implicit UNOBSERVED state; recording the
// observation itself is the first ORM transition, made separately.
func (s *Service) SubmitObservation(ctx context.Context, actor id.ActorID, p validation.ObservationPayload) (*models.Location, error) {
	ctx, span := s.tracer.Start(ctx, "protocol.SubmitObservation")
	defer span.End()

	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "actor identity is required")
	}

	validated, err := s.validator.ValidateObservation(ctx, p)
	if err != nil {
		return nil, err
	}

	locationID := id.NewLocationID()
	if p.LocationID != "" {
		locationID, err = id.ParseLocationID(p.LocationID)
		if err != nil {
			return nil, err
		}
	}

	loc := &models.Location{
		ID:              locationID,
		Longitude:       validated.Longitude,
		Latitude:        validated.Latitude,
		AreaDescription: validated.AreaDescription,
		SpeciesTag:      validated.SpeciesTag,
		CreatedBy:       actor,
		CreatedAt:       requestcontext.Now(ctx),
	}

	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	createStart := time.Now()
	err = s.store.CreateLocation(storeCtx, loc)
	s.metrics.ObserveStore("create_location", createStart)
	if err != nil {
		return nil, s.translate(err)
	}

	if s.metrics != nil {
		s.metrics.LocationsCreated.Inc()
	}
	span.SetAttributes(attribute.String("location_id", loc.ID.String()))
	s.logger.InfoContext(ctx, "location created",
		"location_id", loc.ID.String(),
		"species_tag", loc.SpeciesTag,
		"actor_id", actor.String(),
	)
	return loc, nil
}

// Transition applies the uniform algorithm: current-state check, table-edge
// check, cross-protocol precondition, payload validation, optimistic append,
// and terminal-state notification. Every failure leaves the store unchanged.
func (s *Service) Transition(ctx context.Context, locationID id.LocationID, protocol id.Protocol,
	actor id.ActorID, req TransitionRequest) (*models.ProtocolRecord, error) {

	ctx, span := s.tracer.Start(ctx, "protocol.Transition",
		trace.WithAttributes(
			attribute.String("location_id", locationID.String()),
			attribute.String("protocol", protocol.String()),
			attribute.String("to_state", req.ToState.String()),
		))
	defer span.End()

	rec, err := s.transition(ctx, locationID, protocol, actor, req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncrementRejected(protocol.String(), string(dErrors.CodeOf(err)))
		}
		return nil, err
	}
	return rec, nil
}

func (s *Service) transition(ctx context.Context, locationID id.LocationID, protocol id.Protocol,
	actor id.ActorID, req TransitionRequest) (*models.ProtocolRecord, error) {

	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "actor identity is required")
	}

	machine, ok := MachineFor(protocol)
	if !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown protocol")
	}
	if !machine.Knows(req.FromState) || !machine.Knows(req.ToState) {
		return nil, dErrors.New(dErrors.CodeValidation,
			"state does not belong to protocol "+protocol.String())
	}

	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()

	current, err := s.store.CurrentState(storeCtx, locationID, protocol)
	if err != nil {
		return nil, s.translate(err)
	}
	if req.FromState != current {
		return nil, dErrors.New(dErrors.CodeStaleState,
			"record is in state "+current.String()+", not "+req.FromState.String())
	}

	if !machine.Allows(current, req.ToState) {
		return nil, dErrors.New(dErrors.CodeIllegalTransition,
			"transition "+current.String()+" -> "+req.ToState.String()+" is not allowed for "+protocol.String())
	}

	// Fast-fail precondition read. The same guard re-runs inside the
	// append's atomic scope; this early check just spares callers a
	// validation round-trip when the dependency is obviously unmet.
	if guard := s.coordinator.Guard(protocol, req.ToState); guard != nil {
		view := liveStateView{ctx: storeCtx, store: s.store, locationID: locationID, target: protocol, targetState: current}
		if err := guard(view); err != nil {
			return nil, s.translate(err)
		}
	}

	effectiveTo := req.ToState
	var workDone *float64

	// IAC completion handling: confirmation requires 100 percent; partial
	// reports stay IN_PROGRESS and append a progress entry instead.
	needsIntervention := protocol == id.ProtocolIAC &&
		(req.ToState == id.StateConfirmed || (req.ToState == id.StateInProgress && current == id.StateInProgress))
	var evidence []id.EvidenceRef
	if needsIntervention {
		if req.Payload.WorkDonePercent == nil {
			return nil, dErrors.NewField(dErrors.CodeValidation, "work_done_percent",
				"work done percentage is required for progress and confirmation")
		}
		validated, err := s.validator.ValidateIntervention(ctx, validation.InterventionPayload{
			WorkDonePercent: *req.Payload.WorkDonePercent,
			EvidenceRefs:    req.Payload.EvidenceRefs,
		})
		if err != nil {
			return nil, err
		}
		evidence = validated.EvidenceRefs
		workDone = &validated.WorkDonePercent
		if req.ToState == id.StateConfirmed && validated.WorkDonePercent < 100 {
			effectiveTo = id.StateInProgress
		}
	} else {
		evidence, err = s.validator.ValidateEvidence(ctx, req.Payload.EvidenceRefs)
		if err != nil {
			return nil, err
		}
	}

	if protocol == id.ProtocolPAV && current == id.StateRejected && effectiveTo == id.StatePending {
		history, err := s.store.History(storeCtx, locationID, protocol)
		if err != nil {
			return nil, s.translate(err)
		}
		rec := models.ProtocolRecord{LocationID: locationID, Protocol: protocol, History: history}
		if rec.ResubmissionCount() >= s.resubmissionLimit {
			return nil, dErrors.New(dErrors.CodeResubmissionLimit,
				"resubmission limit reached for this location")
		}
	}

	tr := models.StateTransition{
		FromState:       current,
		ToState:         effectiveTo,
		ActorID:         actor,
		Timestamp:       requestcontext.Now(ctx),
		EvidenceRefs:    evidence,
		WorkDonePercent: workDone,
	}

	guard := s.coordinator.Guard(protocol, effectiveTo)
	appendStart := time.Now()
	rec, err := s.store.AppendTransition(storeCtx, locationID, protocol, current, tr, guard)
	s.metrics.ObserveStore("append_transition", appendStart)
	if err != nil {
		return nil, s.translate(err)
	}

	if s.metrics != nil {
		s.metrics.IncrementTransition(protocol.String(), effectiveTo.String())
	}
	s.logger.InfoContext(ctx, "transition applied",
		"location_id", locationID.String(),
		"protocol", protocol.String(),
		"from_state", current.String(),
		"to_state", effectiveTo.String(),
		"actor_id", actor.String(),
	)

	if machine.IsTerminal(effectiveTo) {
		s.fanOut(ctx, notify.Event{
			LocationID: locationID,
			Protocol:   protocol,
			ToState:    effectiveTo,
			ActorID:    actor,
			Timestamp:  tr.Timestamp,
		})
	}
	return rec, nil
}

// GetState reports the current state; the protocol's implicit initial state
// when no transition has happened yet.
func (s *Service) GetState(ctx context.Context, locationID id.LocationID, protocol id.Protocol) (id.State, error) {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	state, err := s.store.CurrentState(storeCtx, locationID, protocol)
	if err != nil {
		return "", s.translate(err)
	}
	return state, nil
}

// GetHistory returns the ordered transition history.
func (s *Service) GetHistory(ctx context.Context, locationID id.LocationID, protocol id.Protocol) ([]models.StateTransition, error) {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	history, err := s.store.History(storeCtx, locationID, protocol)
	if err != nil {
		return nil, s.translate(err)
	}
	return history, nil
}

// GetLocation returns location metadata.
func (s *Service) GetLocation(ctx context.Context, locationID id.LocationID) (*models.Location, error) {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	loc, err := s.store.FindLocation(storeCtx, locationID)
	if err != nil {
		return nil, s.translate(err)
	}
	return loc, nil
}

// ListLocations returns all locations, archived included.
func (s *Service) ListLocations(ctx context.Context) ([]*models.Location, error) {
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	locs, err := s.store.ListLocations(storeCtx)
	if err != nil {
		return nil, s.translate(err)
	}
	return locs, nil
}

// ArchiveLocation soft-archives a location. History stays readable; further
// transitions fail with CONFLICT. Idempotent.
func (s *Service) ArchiveLocation(ctx context.Context, locationID id.LocationID, actor id.ActorID) error {
	if actor.IsNil() {
		return dErrors.New(dErrors.CodeUnauthorized, "actor identity is required")
	}
	storeCtx, cancel := s.boundStore(ctx)
	defer cancel()
	if err := s.store.ArchiveLocation(storeCtx, locationID, requestcontext.Now(ctx)); err != nil {
		return s.translate(err)
	}
	s.logger.InfoContext(ctx, "location archived",
		"location_id", locationID.String(),
		"actor_id", actor.String(),
	)
	return nil
}

// fanOut delivers a terminal-state notification best-effort. Failures are
// logged and counted, never propagated: notifications are a side channel,
// not part of the durability contract.
func (s *Service) fanOut(ctx context.Context, event notify.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		if s.metrics != nil {
			s.metrics.NotificationsDropped.Inc()
		}
		s.logger.WarnContext(ctx, "notification delivery failed",
			"location_id", event.LocationID.String(),
			"protocol", event.Protocol.String(),
			"to_state", event.ToState.String(),
			"error", err.Error(),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.NotificationsSent.Inc()
	}
}

// liveStateView answers guard reads from the store outside any atomic scope.
// Used only for the fast-fail precondition check before validation; the
// authoritative check runs inside the append.
type liveStateView struct {
	ctx         context.Context
	store       store.Store
	locationID  id.LocationID
	target      id.Protocol
	targetState id.State
}

func (v liveStateView) CurrentState(protocol id.Protocol) (id.State, error) {
	if protocol == v.target {
		return v.targetState, nil
	}
	return v.store.CurrentState(v.ctx, v.locationID, protocol)
}

func (s *Service) boundStore(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

// translate maps sentinel store errors onto coded domain errors. Guard
// errors are already coded and pass through unchanged.
func (s *Service) translate(err error) error {
	var coded *dErrors.Error
	switch {
	case errors.As(err, &coded):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "unknown location")
	case errors.Is(err, sentinel.ErrDuplicate):
		return dErrors.New(dErrors.CodeDuplicate, "location already exists")
	case errors.Is(err, sentinel.ErrArchived):
		return dErrors.New(dErrors.CodeConflict, "location is archived")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "concurrent write conflict: re-read current state and retry")
	case errors.Is(err, sentinel.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "record store unavailable")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "record store failure")
	}
}
