package mail

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/identity"
	"github.com/loomhq/loom/internal/types"
)

// Reserve claims path patterns for an agent for ttl. The grant is
// all-or-nothing: any conflict with another agent's active reservation
// rejects the whole request, records a file_conflict event, and returns a
// *errs.ReservationConflictError naming every conflicting path and holder.
//
// Non-exclusive reservations coexist with each other; a conflict arises when
// either side is exclusive.
func (s *Service) Reserve(ctx context.Context, agent string, patterns []string, ttl time.Duration, exclusive bool, reason string) (*types.Reservation, error) {
	if err := s.limiter.Allow(agent, "reserve"); err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return nil, errs.Validation("no_patterns", "at least one path pattern is required")
	}
	if ttl <= 0 {
		return nil, errs.Validation("invalid_ttl", "reservation TTL must be positive")
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, errs.Validation("invalid_pattern", "malformed glob pattern %q", p)
		}
	}
	ok, err := s.agentExists(ctx, agent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.NotFound("agent_not_found", "agent %q is not registered", agent)
	}

	now := time.Now()
	conflicts, err := s.findConflicts(ctx, agent, patterns, exclusive, now)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		payload := &types.FileConflictPayload{Agent: agent}
		for _, c := range conflicts {
			payload.Conflicts = append(payload.Conflicts, types.PathConflict(c))
		}
		if _, err := s.events.Append(ctx, payload, nil); err != nil {
			return nil, err
		}
		return nil, &errs.ReservationConflictError{Conflicts: conflicts}
	}

	resID := identity.NewReservationID()
	expiresAt := now.Add(ttl)
	evt, err := s.events.Append(ctx, &types.FileReservedPayload{
		ReservationID: resID,
		Agent:         agent,
		PathPatterns:  patterns,
		Exclusive:     exclusive,
		Reason:        reason,
		TTLSeconds:    int64(ttl / time.Second),
		ExpiresAtMS:   expiresAt.UnixMilli(),
	}, nil)
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("agent", agent).Strs("patterns", patterns).
		Dur("ttl", ttl).Msg("reservation granted")
	return &types.Reservation{
		ID:           resID,
		Agent:        agent,
		PathPatterns: patterns,
		Exclusive:    exclusive,
		Reason:       reason,
		ReservedAt:   evt.Time(),
		ExpiresAt:    expiresAt,
	}, nil
}

// Release releases reservations held by agent. With ids it releases exactly
// those; with paths it releases reservations whose patterns match any path;
// with neither it releases everything the agent holds. Releasing an already
// released or expired reservation is a no-op, never an error.
func (s *Service) Release(ctx context.Context, agent string, ids, paths []string) ([]string, error) {
	if err := s.limiter.Allow(agent, "release"); err != nil {
		return nil, err
	}

	active, err := s.activeReservations(ctx, time.Now())
	if err != nil {
		return nil, err
	}

	var toRelease []string
	for _, res := range active {
		if res.Agent != agent {
			continue
		}
		switch {
		case len(ids) > 0:
			for _, id := range ids {
				if res.ID == id {
					toRelease = append(toRelease, res.ID)
				}
			}
		case len(paths) > 0:
			if reservationMatchesAny(res, paths) {
				toRelease = append(toRelease, res.ID)
			}
		default:
			toRelease = append(toRelease, res.ID)
		}
	}
	if len(toRelease) == 0 {
		return nil, nil
	}

	if _, err := s.events.Append(ctx, &types.FileReleasedPayload{
		ReservationIDs: toRelease,
		Agent:          agent,
		Paths:          paths,
	}, nil); err != nil {
		return nil, err
	}
	s.log.Info().Str("agent", agent).Int("count", len(toRelease)).Msg("reservations released")
	return toRelease, nil
}

// Reservations lists the project's active reservations, oldest first.
func (s *Service) Reservations(ctx context.Context) ([]*types.Reservation, error) {
	return s.activeReservations(ctx, time.Now())
}

// ConflictsFor reports which of the given paths are covered by an active
// exclusive reservation, and by whom. Used by hive ready-work computation.
func (s *Service) ConflictsFor(ctx context.Context, agent string, paths []string) ([]errs.PathHolders, error) {
	return s.findConflicts(ctx, agent, paths, true, time.Now())
}

// Sweep releases every expired, unreleased reservation, appending one
// file_released event per reservation with reason "ttl_expired". The event
// carries the expiry instant, so released_at records when the reservation
// lapsed, not when the sweeper noticed. Returns the number released.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, expires_at FROM reservations
		WHERE project_key = ? AND released_at IS NULL AND expires_at <= ?
		ORDER BY agent, id`,
		s.db.ProjectKey, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("query expired reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type expiredRes struct {
		id        string
		agent     string
		expiresAt int64
	}
	var expired []expiredRes
	for rows.Next() {
		var r expiredRes
		if err := rows.Scan(&r.id, &r.agent, &r.expiresAt); err != nil {
			return 0, fmt.Errorf("scan expired reservation: %w", err)
		}
		expired = append(expired, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, r := range expired {
		if _, err := s.events.Append(ctx, &types.FileReleasedPayload{
			ReservationIDs: []string{r.id},
			Agent:          r.agent,
			Reason:         "ttl_expired",
			ExpiresAtMS:    r.expiresAt,
		}, nil); err != nil {
			return total, err
		}
		total++
	}
	if total > 0 {
		s.log.Info().Int("released", total).Msg("swept expired reservations")
	}
	return total, nil
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("reservation sweep failed")
			}
		}
	}
}

// findConflicts returns the paths among patterns held by other agents'
// active reservations. When exclusive is false, only exclusive holders
// conflict.
func (s *Service) findConflicts(ctx context.Context, agent string, patterns []string, exclusive bool, now time.Time) ([]errs.PathHolders, error) {
	active, err := s.activeReservations(ctx, now)
	if err != nil {
		return nil, err
	}

	holders := make(map[string]map[string]bool) // pattern -> holder set
	for _, res := range active {
		if res.Agent == agent {
			continue // an agent never conflicts with itself
		}
		if !exclusive && !res.Exclusive {
			continue
		}
		for _, want := range patterns {
			for _, held := range res.PathPatterns {
				if patternsOverlap(want, held) {
					if holders[want] == nil {
						holders[want] = make(map[string]bool)
					}
					holders[want][res.Agent] = true
				}
			}
		}
	}
	if len(holders) == 0 {
		return nil, nil
	}

	conflicts := make([]errs.PathHolders, 0, len(holders))
	for _, want := range patterns {
		set, ok := holders[want]
		if !ok {
			continue
		}
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)
		conflicts = append(conflicts, errs.PathHolders{Path: want, Holders: names})
	}
	return conflicts, nil
}

func (s *Service) activeReservations(ctx context.Context, now time.Time) ([]*types.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent, patterns_json, exclusive, reason, reserved_at, expires_at
		FROM reservations
		WHERE project_key = ? AND released_at IS NULL AND expires_at > ?
		ORDER BY reserved_at ASC, id ASC`,
		s.db.ProjectKey, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reservations []*types.Reservation
	for rows.Next() {
		var (
			res          types.Reservation
			patternsJSON string
			exclusive    int
			reason       sql.NullString
			reservedAt   int64
			expiresAt    int64
		)
		if err := rows.Scan(&res.ID, &res.Agent, &patternsJSON, &exclusive, &reason, &reservedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		if err := json.Unmarshal([]byte(patternsJSON), &res.PathPatterns); err != nil {
			return nil, errs.Corrupted(err, "reservation %s patterns", res.ID)
		}
		res.Exclusive = exclusive != 0
		res.Reason = reason.String
		res.ReservedAt = time.UnixMilli(reservedAt)
		res.ExpiresAt = time.UnixMilli(expiresAt)
		reservations = append(reservations, &res)
	}
	return reservations, rows.Err()
}

// patternsOverlap reports whether two glob patterns can cover a common path.
// Matching each pattern against the other catches the concrete-vs-glob cases
// that arise in practice; two disjoint wildcard patterns that still overlap
// are treated as conflicting only when one matches the other's text.
func patternsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if ok, err := doublestar.Match(a, b); err == nil && ok {
		return true
	}
	if ok, err := doublestar.Match(b, a); err == nil && ok {
		return true
	}
	return false
}

func reservationMatchesAny(res *types.Reservation, paths []string) bool {
	for _, p := range paths {
		for _, held := range res.PathPatterns {
			if patternsOverlap(p, held) {
				return true
			}
		}
	}
	return false
}
