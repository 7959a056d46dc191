package hive

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/identity"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

// AddDependency adds a typed edge between two cells. Blocking edges must
// keep the blocks graph acyclic; a cycle rejects the add with
// *errs.CycleError and nothing is persisted.
func (s *Service) AddDependency(ctx context.Context, from, to string, kind types.DependencyKind) error {
	if !kind.Valid() {
		return errs.Validation("invalid_relationship", "unknown relationship %q", kind)
	}
	if from == to {
		return errs.Validation("self_dependency", "a cell cannot depend on itself")
	}
	for _, id := range []string{from, to} {
		cell, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if cell.IsTombstone() {
			return errs.Conflict("cell_deleted", "cell %s is deleted", id)
		}
	}

	payload := &types.CellDependencyPayload{FromCell: from, ToCell: to, Kind: kind}

	// The cycle check runs inside the append transaction, after the edge
	// has been projected, so a concurrent add cannot slip a cycle past it.
	// A detected cycle rolls the whole append back.
	var extra func(tx *sql.Tx) error
	if blocker, _, blocking := normalizeEdge(from, to, kind); blocking {
		extra = func(tx *sql.Tx) error {
			cyclic, err := onBlockingCycleTx(tx, blocker)
			if err != nil {
				return err
			}
			if cyclic {
				return &errs.CycleError{From: from, To: to}
			}
			return nil
		}
	}

	_, err := s.events.Append(ctx, payload, extra)
	return err
}

// RemoveDependency removes an edge. Removing a missing edge is a no-op.
func (s *Service) RemoveDependency(ctx context.Context, from, to string, kind types.DependencyKind) error {
	if !kind.Valid() {
		return errs.Validation("invalid_relationship", "unknown relationship %q", kind)
	}
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) > 0 FROM cell_dependencies WHERE from_cell = ? AND to_cell = ? AND relationship = ?",
		from, to, string(kind),
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	raw := &types.CellDependencyPayload{FromCell: from, ToCell: to, Kind: kind}
	_, err = s.events.AppendRaw(ctx, types.EventCellDependencyRemoved, mustJSON(raw), nil)
	return err
}

// Dependencies lists a cell's outgoing edges.
func (s *Service) Dependencies(ctx context.Context, cellID string) ([]*types.Dependency, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT from_cell, to_cell, relationship FROM cell_dependencies WHERE from_cell = ? ORDER BY to_cell",
		cellID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var deps []*types.Dependency
	for rows.Next() {
		var d types.Dependency
		if err := rows.Scan(&d.FromCell, &d.ToCell, &d.Kind); err != nil {
			return nil, err
		}
		deps = append(deps, &d)
	}
	return deps, rows.Err()
}

// AddLabel attaches a label to a cell. Idempotent.
func (s *Service) AddLabel(ctx context.Context, cellID, label string) error {
	if _, err := s.Get(ctx, cellID); err != nil {
		return err
	}
	if label == "" {
		return errs.Validation("empty_label", "label cannot be empty")
	}
	_, err := s.events.Append(ctx, &types.CellLabelPayload{CellID: cellID, Label: label}, nil)
	return err
}

// RemoveLabel detaches a label. Idempotent.
func (s *Service) RemoveLabel(ctx context.Context, cellID, label string) error {
	raw := &types.CellLabelPayload{CellID: cellID, Label: label}
	_, err := s.events.AppendRaw(ctx, types.EventCellLabelRemoved, mustJSON(raw), nil)
	return err
}

// AddComment attaches a comment to a cell.
func (s *Service) AddComment(ctx context.Context, cellID, author, body string) (*types.Comment, error) {
	if _, err := s.Get(ctx, cellID); err != nil {
		return nil, err
	}
	if body == "" {
		return nil, errs.Validation("empty_comment", "comment body cannot be empty")
	}

	comment := &types.Comment{
		ID:        identity.NewCommentID(),
		CellID:    cellID,
		Author:    author,
		Body:      body,
		CreatedAt: time.Now(),
	}
	if _, err := s.events.Append(ctx, &types.CellCommentPayload{Comment: comment}, nil); err != nil {
		return nil, err
	}
	return comment, nil
}

// Comments lists a cell's comments in order.
func (s *Service) Comments(ctx context.Context, cellID string) ([]*types.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, cell_id, author, body, created_at FROM cell_comments WHERE cell_id = ? ORDER BY created_at ASC, id ASC",
		cellID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var comments []*types.Comment
	for rows.Next() {
		var (
			c         types.Comment
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.CellID, &c.Author, &c.Body, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(createdAt)
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

// DeleteComment removes a comment.
func (s *Service) DeleteComment(ctx context.Context, cellID, commentID string) error {
	raw := &types.CellCommentDeletedPayload{CommentID: commentID, CellID: cellID}
	_, err := s.events.AppendRaw(ctx, types.EventCellCommentDeleted, mustJSON(raw), nil)
	return err
}

// onBlockingCycleTx reports whether start sits on a cycle in the blocking
// graph as projected inside tx. With the candidate edge already inserted, a
// cycle through it makes start reachable from itself over the blockee ->
// blockers adjacency.
func onBlockingCycleTx(tx *sql.Tx, start string) (bool, error) {
	edges, err := blockingEdgesTx(tx)
	if err != nil {
		return false, err
	}

	stack := []string{start}
	visited := map[string]bool{start: true}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range edges[current] {
			if next == start {
				return true, nil
			}
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false, nil
}

// RebuildCaches recomputes the full blocked cache, for repair after manual
// edits or suspected drift.
func (s *Service) RebuildCaches(ctx context.Context) error {
	unlock := s.db.LockWrites()
	defer unlock()
	return storage.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		return RebuildBlockedCache(tx, s.db.ProjectKey)
	})
}

// Events returns the hive's event store, for wiring and diagnostics.
func (s *Service) Events() *eventstore.Store { return s.events }

// mustJSON marshals payloads whose shape is statically known to encode.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err) // unreachable for the payload structs used here
	}
	return data
}
