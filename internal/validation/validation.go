// Package validation checks incoming payloads before any state transition.
// Validation is pure and side-effect-free: it reads the blob index to verify
// evidence references but never mutates any store. Callers must not proceed
// to a transition on any validation error.
package validation

import (
	"context"
	"math"
	"strings"

	id "canopy/pkg/domain"
	dErrors "canopy/pkg/domain-errors"
	pstrings "canopy/pkg/platform/strings"
)

// BlobIndex answers existence checks for uploaded evidence. The upload
// pipeline owns the blobs; this service only verifies that a reference
// resolves to a non-zero-size blob.
type BlobIndex interface {
	Exists(ctx context.Context, ref id.EvidenceRef) (bool, error)
}

// ObservationPayload is the raw submission from the form handlers.
// LocationID is optional: clients may supply their own UUID for idempotent
// submission; identity is checked by the service, not here.
type ObservationPayload struct {
	LocationID      string   `json:"location_id,omitempty"`
	Longitude       float64  `json:"longitude"`
	Latitude        float64  `json:"latitude"`
	AreaDescription string   `json:"area_description"`
	SpeciesTag      string   `json:"species_tag"`
	EvidenceRefs    []string `json:"evidence_refs"`
}

// ValidatedObservation is the typed result of a successful observation
// validation. Only the validation engine constructs it.
type ValidatedObservation struct {
	Longitude       float64
	Latitude        float64
	AreaDescription string
	SpeciesTag      string
	EvidenceRefs    []id.EvidenceRef
}

// InterventionPayload carries IAC action and confirmation data.
type InterventionPayload struct {
	WorkDonePercent float64  `json:"work_done_percent"`
	EvidenceRefs    []string `json:"evidence_refs"`
}

// ValidatedIntervention is the typed result of a successful intervention
// validation.
type ValidatedIntervention struct {
	WorkDonePercent float64
	EvidenceRefs    []id.EvidenceRef
}

// Engine validates payloads against structural and geospatial rules.
type Engine struct {
	blobs BlobIndex
}

// NewEngine constructs a validation engine over the given blob index.
func NewEngine(blobs BlobIndex) *Engine {
	return &Engine{blobs: blobs}
}

// ValidateObservation checks coordinate bounds, required text fields, and
// evidence references. Returns the first violated rule.
func (e *Engine) ValidateObservation(ctx context.Context, p ObservationPayload) (*ValidatedObservation, error) {
	if err := checkCoordinate(p.Longitude, -180, 180, "longitude"); err != nil {
		return nil, err
	}
	if err := checkCoordinate(p.Latitude, -90, 90, "latitude"); err != nil {
		return nil, err
	}

	area := strings.TrimSpace(p.AreaDescription)
	if area == "" {
		return nil, dErrors.NewField(dErrors.CodeValidation, "area_description", "area description cannot be empty")
	}
	species := pstrings.NormalizeTag(p.SpeciesTag)
	if species == "" {
		return nil, dErrors.NewField(dErrors.CodeValidation, "species_tag", "species tag cannot be empty")
	}

	refs, err := e.ValidateEvidence(ctx, p.EvidenceRefs)
	if err != nil {
		return nil, err
	}

	return &ValidatedObservation{
		Longitude:       p.Longitude,
		Latitude:        p.Latitude,
		AreaDescription: area,
		SpeciesTag:      species,
		EvidenceRefs:    refs,
	}, nil
}

// ValidateIntervention checks the work-done percentage and evidence
// references for IAC progress and confirmation submissions.
func (e *Engine) ValidateIntervention(ctx context.Context, p InterventionPayload) (*ValidatedIntervention, error) {
	pct := p.WorkDonePercent
	if math.IsNaN(pct) || math.IsInf(pct, 0) || pct < 0 || pct > 100 {
		return nil, dErrors.NewField(dErrors.CodeValidation, "work_done_percent", "work done percentage must be in [0,100]")
	}
	refs, err := e.ValidateEvidence(ctx, p.EvidenceRefs)
	if err != nil {
		return nil, err
	}
	return &ValidatedIntervention{WorkDonePercent: pct, EvidenceRefs: refs}, nil
}

// ValidateEvidence verifies every reference resolves to a non-zero-size blob.
// Duplicate references are collapsed; blank ones are rejected outright.
func (e *Engine) ValidateEvidence(ctx context.Context, raw []string) ([]id.EvidenceRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			return nil, dErrors.NewField(dErrors.CodeValidation, "evidence_refs", "evidence reference cannot be empty")
		}
	}
	raw = pstrings.DedupeAndTrim(raw)

	refs := make([]id.EvidenceRef, 0, len(raw))
	for _, r := range raw {
		ref := id.EvidenceRef(r)
		ok, err := e.blobs.Exists(ctx, ref)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "blob index unavailable")
		}
		if !ok {
			return nil, dErrors.NewField(dErrors.CodeValidation, "evidence_refs", "evidence reference does not resolve to an uploaded blob")
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func checkCoordinate(v, lo, hi float64, field string) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return dErrors.NewField(dErrors.CodeValidation, field, field+" must be a finite number")
	}
	if v < lo || v > hi {
		return dErrors.NewField(dErrors.CodeValidation, field, field+" out of bounds")
	}
	return nil
}
