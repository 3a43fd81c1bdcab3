package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"canopy/internal/georecord/models"
	id "canopy/pkg/domain"
	"canopy/pkg/platform/sentinel"
)

// Postgres persists records in PostgreSQL via database/sql. Appends run in a
// transaction that locks the target (location, protocol) row FOR UPDATE, so
// the expected-state check, the workflow guard, and the insert commit
// atomically. Dependency protocol rows are read inside the same transaction
// without FOR UPDATE: a consistent snapshot, per the concurrency contract.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const uniqueViolation = "23505"

func (s *Postgres) CreateLocation(ctx context.Context, loc *models.Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, longitude, latitude, area_description, species_tag, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.UUID(loc.ID), loc.Longitude, loc.Latitude, loc.AreaDescription,
		loc.SpeciesTag, uuid.UUID(loc.CreatedBy), loc.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return sentinel.ErrDuplicate
		}
		return storeErr("create location", err)
	}
	return nil
}

func (s *Postgres) FindLocation(ctx context.Context, locationID id.LocationID) (*models.Location, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, longitude, latitude, area_description, species_tag, created_by, created_at, archived_at
		FROM locations WHERE id = $1`, uuid.UUID(locationID))
	return scanLocation(row)
}

func (s *Postgres) ListLocations(ctx context.Context) ([]*models.Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, longitude, latitude, area_description, species_tag, created_by, created_at, archived_at
		FROM locations ORDER BY created_at`)
	if err != nil {
		return nil, storeErr("list locations", err)
	}
	defer rows.Close()

	var out []*models.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list locations", err)
	}
	return out, nil
}

func (s *Postgres) ArchiveLocation(ctx context.Context, locationID id.LocationID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE locations SET archived_at = COALESCE(archived_at, $2) WHERE id = $1`,
		uuid.UUID(locationID), at)
	if err != nil {
		return storeErr("archive location", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("archive location", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *Postgres) AppendTransition(ctx context.Context, locationID id.LocationID, protocol id.Protocol,
	expectedState id.State, tr models.StateTransition, guard GuardFunc) (*models.ProtocolRecord, error) {

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin append", err)
	}
	defer tx.Rollback()

	var archivedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT archived_at FROM locations WHERE id = $1`, uuid.UUID(locationID)).Scan(&archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("load location", err)
	}
	if archivedAt.Valid {
		return nil, sentinel.ErrArchived
	}

	// Lazy record creation, then lock the row for the rest of the append.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO protocol_records (location_id, protocol, current_state)
		VALUES ($1, $2, $3) ON CONFLICT (location_id, protocol) DO NOTHING`,
		uuid.UUID(locationID), protocol.String(), protocol.InitialState().String()); err != nil {
		return nil, storeErr("ensure record", err)
	}

	var currentState string
	var seq int
	var lastTS sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT r.current_state,
		       (SELECT COUNT(*) FROM state_transitions t
		         WHERE t.location_id = r.location_id AND t.protocol = r.protocol),
		       (SELECT MAX(t.ts) FROM state_transitions t
		         WHERE t.location_id = r.location_id AND t.protocol = r.protocol)
		FROM protocol_records r
		WHERE r.location_id = $1 AND r.protocol = $2
		FOR UPDATE OF r`,
		uuid.UUID(locationID), protocol.String()).Scan(&currentState, &seq, &lastTS)
	if err != nil {
		return nil, storeErr("lock record", err)
	}

	if id.State(currentState) != expectedState {
		return nil, sentinel.ErrConflict
	}

	if guard != nil {
		view := pgStateView{ctx: ctx, tx: tx, locationID: locationID, target: protocol, targetState: expectedState}
		if err := guard(view); err != nil {
			return nil, err
		}
	}

	if lastTS.Valid && tr.Timestamp.Before(lastTS.Time) {
		tr.Timestamp = lastTS.Time
	}

	refs := make([]string, len(tr.EvidenceRefs))
	for i, r := range tr.EvidenceRefs {
		refs[i] = string(r)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO state_transitions (location_id, protocol, seq, from_state, to_state, actor_id, ts, evidence_refs, work_done_percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.UUID(locationID), protocol.String(), seq, tr.FromState.String(), tr.ToState.String(),
		uuid.UUID(tr.ActorID), tr.Timestamp, pq.Array(refs), tr.WorkDonePercent); err != nil {
		return nil, storeErr("insert transition", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE protocol_records SET current_state = $3
		WHERE location_id = $1 AND protocol = $2`,
		uuid.UUID(locationID), protocol.String(), tr.ToState.String()); err != nil {
		return nil, storeErr("update record state", err)
	}

	history, err := loadHistory(ctx, tx, locationID, protocol)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit append", err)
	}
	return &models.ProtocolRecord{LocationID: locationID, Protocol: protocol, History: history}, nil
}

func (s *Postgres) History(ctx context.Context, locationID id.LocationID, protocol id.Protocol) ([]models.StateTransition, error) {
	if _, err := s.FindLocation(ctx, locationID); err != nil {
		return nil, err
	}
	return loadHistory(ctx, s.db, locationID, protocol)
}

func (s *Postgres) CurrentState(ctx context.Context, locationID id.LocationID, protocol id.Protocol) (id.State, error) {
	if _, err := s.FindLocation(ctx, locationID); err != nil {
		return "", err
	}
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT current_state FROM protocol_records WHERE location_id = $1 AND protocol = $2`,
		uuid.UUID(locationID), protocol.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.InitialState(), nil
	}
	if err != nil {
		return "", storeErr("current state", err)
	}
	return id.State(state), nil
}

// querier covers *sql.DB and *sql.Tx for history reads.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadHistory(ctx context.Context, q querier, locationID id.LocationID, protocol id.Protocol) ([]models.StateTransition, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT from_state, to_state, actor_id, ts, evidence_refs, work_done_percent
		FROM state_transitions
		WHERE location_id = $1 AND protocol = $2
		ORDER BY seq`,
		uuid.UUID(locationID), protocol.String())
	if err != nil {
		return nil, storeErr("load history", err)
	}
	defer rows.Close()

	var history []models.StateTransition
	for rows.Next() {
		var tr models.StateTransition
		var from, to string
		var actor uuid.UUID
		var refs pq.StringArray
		if err := rows.Scan(&from, &to, &actor, &tr.Timestamp, &refs, &tr.WorkDonePercent); err != nil {
			return nil, storeErr("scan transition", err)
		}
		tr.FromState = id.State(from)
		tr.ToState = id.State(to)
		tr.ActorID = id.ActorID(actor)
		for _, r := range refs {
			tr.EvidenceRefs = append(tr.EvidenceRefs, id.EvidenceRef(r))
		}
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load history", err)
	}
	return history, nil
}

// pgStateView reads sibling protocol states within the append transaction.
type pgStateView struct {
	ctx         context.Context
	tx          *sql.Tx
	locationID  id.LocationID
	target      id.Protocol
	targetState id.State
}

func (v pgStateView) CurrentState(protocol id.Protocol) (id.State, error) {
	if protocol == v.target {
		return v.targetState, nil
	}
	var state string
	err := v.tx.QueryRowContext(v.ctx, `
		SELECT current_state FROM protocol_records WHERE location_id = $1 AND protocol = $2`,
		uuid.UUID(v.locationID), protocol.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.InitialState(), nil
	}
	if err != nil {
		return "", storeErr("read dependency state", err)
	}
	return id.State(state), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (*models.Location, error) {
	var loc models.Location
	var locID, createdBy uuid.UUID
	var archivedAt sql.NullTime
	err := row.Scan(&locID, &loc.Longitude, &loc.Latitude, &loc.AreaDescription,
		&loc.SpeciesTag, &createdBy, &loc.CreatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("scan location", err)
	}
	loc.ID = id.LocationID(locID)
	loc.CreatedBy = id.ActorID(createdBy)
	if archivedAt.Valid {
		t := archivedAt.Time
		loc.ArchivedAt = &t
	}
	return &loc, nil
}

// storeErr wraps infrastructure failures (including context deadline expiry)
// as ErrUnavailable so the service layer can offer callers a
// retry-with-backoff contract.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
}
