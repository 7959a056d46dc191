// Package eventstore implements the append-only per-project event log that
// every substrate subsystem writes through. The log is the source of truth;
// the relational tables are projections maintained in the same transaction
// as the append, so a projection failure rolls the event back too.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

// Projector applies one event's effects to the relational tables. It runs
// inside the append transaction: returning an error aborts the append.
type Projector interface {
	// EventTypes lists the event type tags this projector handles.
	EventTypes() []string

	// Apply projects evt into tx. Must be deterministic: rebuilds replay
	// the full log through the same code path.
	Apply(tx *sql.Tx, evt *types.Event) error
}

// Store is the event log for one project database.
type Store struct {
	db  *storage.DB
	log zerolog.Logger

	projectors map[string][]Projector

	broadcaster *broadcaster
}

// New creates a Store over an open project database.
func New(db *storage.DB, log zerolog.Logger, subscriberBuffer int) *Store {
	return &Store{
		db:          db,
		log:         log.With().Str("component", "eventstore").Str("project", db.ProjectKey).Logger(),
		projectors:  make(map[string][]Projector),
		broadcaster: newBroadcaster(subscriberBuffer),
	}
}

// Register adds a projector for the event types it declares. Registration
// happens at construction time, before any appends.
func (s *Store) Register(p Projector) {
	for _, t := range p.EventTypes() {
		s.projectors[t] = append(s.projectors[t], p)
	}
}

// Append validates, sequences, stores, and projects one event, then notifies
// subscribers. The payload must be a registered typed payload. Returns the
// stored event with its assigned sequence.
//
// extra, when non-nil, runs inside the same transaction after projection and
// is used by callers that must atomically couple side tables to the event
// (reservation grants, cell creation).
func (s *Store) Append(ctx context.Context, payload types.Payload, extra func(tx *sql.Tx) error) (*types.Event, error) {
	if payload == nil {
		return nil, errs.Validation("empty_payload", "event payload cannot be nil")
	}
	tag := payload.EventType()
	if !types.KnownEventType(tag) {
		return nil, errs.Validation("unknown_event_type", "event type %q is not registered", tag)
	}
	if err := payload.Validate(); err != nil {
		return nil, errs.Validation("invalid_payload", "%s payload: %v", tag, err)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", tag, err)
	}
	return s.AppendRaw(ctx, tag, raw, extra)
}

// AppendRaw appends a pre-encoded payload. The payload is still validated
// against the registered schema for tag; extra fields pass through.
func (s *Store) AppendRaw(ctx context.Context, tag string, raw json.RawMessage, extra func(tx *sql.Tx) error) (*types.Event, error) {
	if err := types.ValidatePayload(tag, raw); err != nil {
		return nil, errs.Validation("invalid_payload", "%v", err)
	}

	evt := &types.Event{
		Type:        tag,
		ProjectKey:  s.db.ProjectKey,
		TimestampMS: time.Now().UnixMilli(),
		Payload:     raw,
	}

	// The write lock serializes sequence assignment with the insert, making
	// the per-project sequence gap-free without relying on AUTOINCREMENT.
	unlock := s.db.LockWrites()
	defer unlock()

	err := storage.WithRetry(ctx, func() error {
		return storage.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
			seq, err := nextSequence(tx, s.db.ProjectKey)
			if err != nil {
				return err
			}
			evt.Sequence = seq

			res, err := tx.ExecContext(ctx, `
				INSERT INTO events (project_key, type, sequence, timestamp_ms, data_json)
				VALUES (?, ?, ?, ?, ?)`,
				evt.ProjectKey, evt.Type, evt.Sequence, evt.TimestampMS, string(raw))
			if err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
			if evt.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("event rowid: %w", err)
			}

			if err := s.project(tx, evt); err != nil {
				return &errs.ProjectionError{EventType: evt.Type, Err: err}
			}
			if extra != nil {
				if err := extra(tx); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("type", evt.Type).Int64("seq", evt.Sequence).Msg("event appended")
	s.broadcaster.publish(evt)
	return evt, nil
}

// project runs every projector registered for the event's type.
func (s *Store) project(tx *sql.Tx, evt *types.Event) error {
	for _, p := range s.projectors[evt.Type] {
		if err := p.Apply(tx, evt); err != nil {
			return err
		}
	}
	return nil
}

// nextSequence returns max(sequence)+1 for the project, starting at 1.
func nextSequence(tx *sql.Tx, projectKey string) (int64, error) {
	var max sql.NullInt64
	err := tx.QueryRow(
		"SELECT MAX(sequence) FROM events WHERE project_key = ?", projectKey,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	return max.Int64 + 1, nil
}

// Filter narrows a Read. Since is exclusive, Until inclusive; zero values
// mean unbounded. Types empty means all types.
type Filter struct {
	Since int64
	Until int64
	Types []string
	Limit int
}

// Read returns events in sequence order matching the filter.
func (s *Store) Read(ctx context.Context, f Filter) ([]*types.Event, error) {
	var (
		conds = []string{"project_key = ?"}
		args  = []any{s.db.ProjectKey}
	)
	if f.Since > 0 {
		conds = append(conds, "sequence > ?")
		args = append(args, f.Since)
	}
	if f.Until > 0 {
		conds = append(conds, "sequence <= ?")
		args = append(args, f.Until)
	}
	if len(f.Types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Types)), ",")
		conds = append(conds, "type IN ("+placeholders+")")
		for _, t := range f.Types {
			args = append(args, t)
		}
	}

	query := `
		SELECT id, project_key, type, sequence, timestamp_ms, data_json
		FROM events WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY sequence ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		var (
			evt  types.Event
			data string
		)
		if err := rows.Scan(&evt.ID, &evt.ProjectKey, &evt.Type, &evt.Sequence, &evt.TimestampMS, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Payload = json.RawMessage(data)
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ReadPage is Read with a more-available flag: it fetches one event past the
// limit and reports whether callers should page again from the last sequence.
func (s *Store) ReadPage(ctx context.Context, f Filter) ([]*types.Event, bool, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	probe := f
	probe.Limit = f.Limit + 1
	events, err := s.Read(ctx, probe)
	if err != nil {
		return nil, false, err
	}
	if len(events) > f.Limit {
		return events[:f.Limit], true, nil
	}
	return events, false, nil
}

// LastSequence returns the highest assigned sequence, 0 for an empty log.
func (s *Store) LastSequence(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(sequence) FROM events WHERE project_key = ?", s.db.ProjectKey,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max sequence: %w", err)
	}
	return max.Int64, nil
}

// Fold replays events matching the filter through fn in sequence order.
// fn receives the decoded payload alongside the envelope.
func (s *Store) Fold(ctx context.Context, f Filter, fn func(evt *types.Event, payload any) error) error {
	events, err := s.Read(ctx, f)
	if err != nil {
		return err
	}
	for _, evt := range events {
		payload, err := evt.Decode()
		if err != nil {
			return errs.Corrupted(err, "event %d (%s)", evt.Sequence, evt.Type)
		}
		if err := fn(evt, payload); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a consumer for events with sequence > after. Events
// already stored are replayed first, then live events stream until the
// context is cancelled or Close is called on the subscription.
func (s *Store) Subscribe(ctx context.Context, after int64, eventTypes []string) (*Subscription, error) {
	sub := s.broadcaster.subscribe(eventTypes)

	// Replay the backlog before going live. The subscription buffers any
	// event appended between the registration above and the end of the
	// replay, then flushes it in sequence order, so the consumer sees no
	// gap and no duplicate.
	backlog, err := s.Read(ctx, Filter{Since: after, Types: eventTypes})
	if err != nil {
		sub.Close()
		return nil, err
	}
	sub.replay(backlog)

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

// Rebuild drops and repopulates all projection tables by replaying the full
// log. Used after schema migrations and by `loom admin rebuild`.
func (s *Store) Rebuild(ctx context.Context, reset func(tx *sql.Tx) error) error {
	unlock := s.db.LockWrites()
	defer unlock()

	return storage.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		if reset != nil {
			if err := reset(tx); err != nil {
				return fmt.Errorf("reset projections: %w", err)
			}
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, project_key, type, sequence, timestamp_ms, data_json
			FROM events WHERE project_key = ? ORDER BY sequence ASC`, s.db.ProjectKey)
		if err != nil {
			return fmt.Errorf("query events: %w", err)
		}
		defer func() { _ = rows.Close() }()

		var events []*types.Event
		for rows.Next() {
			var (
				evt  types.Event
				data string
			)
			if err := rows.Scan(&evt.ID, &evt.ProjectKey, &evt.Type, &evt.Sequence, &evt.TimestampMS, &data); err != nil {
				return fmt.Errorf("scan event: %w", err)
			}
			evt.Payload = json.RawMessage(data)
			events = append(events, &evt)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate events: %w", err)
		}

		for _, evt := range events {
			if err := s.project(tx, evt); err != nil {
				return &errs.ProjectionError{EventType: evt.Type, Err: err}
			}
		}
		s.log.Info().Int("events", len(events)).Msg("projections rebuilt")
		return nil
	})
}
