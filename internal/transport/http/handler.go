// Package httpapi is the thin HTTP layer over the protocol service. It
// parses requests, resolves the actor from context, and delegates; business
// logic stays in the service so transport concerns remain isolated.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"canopy/internal/georecord/models"
	"canopy/internal/platform/metrics"
	"canopy/internal/platform/middleware"
	proto "canopy/internal/protocol"
	"canopy/internal/transport/http/shared"
	"canopy/internal/validation"
	id "canopy/pkg/domain"
	dErrors "canopy/pkg/domain-errors"
	"canopy/pkg/requestcontext"
)

// ProtocolService defines the core operations this handler exposes.
type ProtocolService interface {
	SubmitObservation(ctx context.Context, actor id.ActorID, p validation.ObservationPayload) (*models.Location, error)
	Transition(ctx context.Context, locationID id.LocationID, protocol id.Protocol, actor id.ActorID, req proto.TransitionRequest) (*models.ProtocolRecord, error)
	GetState(ctx context.Context, locationID id.LocationID, protocol id.Protocol) (id.State, error)
	GetHistory(ctx context.Context, locationID id.LocationID, protocol id.Protocol) ([]models.StateTransition, error)
	GetLocation(ctx context.Context, locationID id.LocationID) (*models.Location, error)
	ListLocations(ctx context.Context) ([]*models.Location, error)
	ArchiveLocation(ctx context.Context, locationID id.LocationID, actor id.ActorID) error
}

// Handler serves the location and protocol endpoints.
type Handler struct {
	logger    *slog.Logger
	service   ProtocolService
	metrics   *metrics.Metrics
	validator middleware.ActorValidator
}

// New creates a Handler.
func New(service ProtocolService, logger *slog.Logger, m *metrics.Metrics, validator middleware.ActorValidator) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		metrics:   m,
		validator: validator,
	}
}

// Register mounts all routes with the standard middleware chain.
func (h *Handler) Register(r chi.Router) {
	api := chi.NewRouter()
	api.Use(middleware.Recovery(h.logger))
	api.Use(middleware.RequestID)
	api.Use(middleware.RequestTime)
	api.Use(middleware.Metadata)
	api.Use(middleware.Logger(h.logger))
	api.Use(middleware.Timeout(30 * time.Second))
	api.Use(middleware.ContentTypeJSON)
	api.Use(middleware.Latency(h.metrics))
	api.Use(middleware.RequireActor(h.validator, h.logger))

	api.Post("/locations", h.handleSubmitObservation)
	api.Get("/locations", h.handleListLocations)
	api.Get("/locations/{locationID}", h.handleGetLocation)
	api.Post("/locations/{locationID}/archive", h.handleArchiveLocation)
	api.Post("/locations/{locationID}/protocols/{protocol}/transitions", h.handleTransition)
	api.Get("/locations/{locationID}/protocols/{protocol}/state", h.handleGetState)
	api.Get("/locations/{locationID}/protocols/{protocol}/history", h.handleGetHistory)

	r.Mount("/", api)
}

func (h *Handler) handleSubmitObservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := requestcontext.ActorID(ctx)

	var payload validation.ObservationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	loc, err := h.service.SubmitObservation(ctx, actor, payload)
	if err != nil {
		h.logFailure(ctx, "submit observation failed", err)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusCreated, loc)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := requestcontext.ActorID(ctx)

	locationID, protocol, err := pathIdentity(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	var req proto.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	rec, err := h.service.Transition(ctx, locationID, protocol, actor, req)
	if err != nil {
		h.logFailure(ctx, "transition failed", err)
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleGetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	locationID, protocol, err := pathIdentity(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	state, err := h.service.GetState(ctx, locationID, protocol)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	locationID, protocol, err := pathIdentity(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	history, err := h.service.GetHistory(ctx, locationID, protocol)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if history == nil {
		history = []models.StateTransition{}
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (h *Handler) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	locationID, err := id.ParseLocationID(chi.URLParam(r, "locationID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	loc, err := h.service.GetLocation(ctx, locationID)
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	shared.WriteJSON(w, http.StatusOK, loc)
}

func (h *Handler) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locs, err := h.service.ListLocations(r.Context())
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if locs == nil {
		locs = []*models.Location{}
	}
	shared.WriteJSON(w, http.StatusOK, map[string]any{"locations": locs})
}

func (h *Handler) handleArchiveLocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := requestcontext.ActorID(ctx)
	locationID, err := id.ParseLocationID(chi.URLParam(r, "locationID"))
	if err != nil {
		shared.WriteError(w, err)
		return
	}
	if err := h.service.ArchiveLocation(ctx, locationID, actor); err != nil {
		h.logFailure(ctx, "archive failed", err)
		shared.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	h.logger.WarnContext(ctx, msg,
		"error", err.Error(),
		"code", string(dErrors.CodeOf(err)),
		"request_id", requestcontext.RequestID(ctx),
	)
}

func pathIdentity(r *http.Request) (id.LocationID, id.Protocol, error) {
	locationID, err := id.ParseLocationID(chi.URLParam(r, "locationID"))
	if err != nil {
		return id.LocationID{}, "", err
	}
	protocol, err := id.ParseProtocol(chi.URLParam(r, "protocol"))
	if err != nil {
		return id.LocationID{}, "", err
	}
	return locationID, protocol, nil
}
