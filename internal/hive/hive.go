// Package hive tracks the project's work graph: cells (issues, epics,
// subtasks), typed dependency edges with cycle detection, labels, comments,
// a status state machine, dependency-aware ready-work selection, and JSONL
// sync with three-way merge. All writes flow through the event store.
package hive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/identity"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

// ReservationChecker reports active reservation conflicts for a set of
// paths. The mail subsystem implements it; ready-work selection uses it to
// skip cells whose declared files are already claimed.
type ReservationChecker interface {
	ConflictsFor(ctx context.Context, agent string, paths []string) ([]errs.PathHolders, error)
}

// Service is the hive subsystem for one project.
type Service struct {
	db           *storage.DB
	events       *eventstore.Store
	reservations ReservationChecker
	tombstoneTTL time.Duration
	log          zerolog.Logger
}

// NewService wires the hive and registers its projector. reservations may be
// nil; ready() then ignores file claims. tombstoneTTL <= 0 defaults to 30
// days.
func NewService(db *storage.DB, events *eventstore.Store, reservations ReservationChecker, tombstoneTTL time.Duration, log zerolog.Logger) *Service {
	if tombstoneTTL <= 0 {
		tombstoneTTL = 30 * 24 * time.Hour
	}
	s := &Service{
		db:           db,
		events:       events,
		reservations: reservations,
		tombstoneTTL: tombstoneTTL,
		log:          log.With().Str("component", "hive").Logger(),
	}
	events.Register(projector{})
	return s
}

// CreateRequest carries the parameters of a cell creation.
type CreateRequest struct {
	Title       string
	Description string
	IssueType   types.IssueType
	Priority    int
	ParentID    string
	Assignee    string
	Files       []string
	Metadata    map[string]string
	ID          string // optional explicit id
}

// Create validates and creates one cell. Without an explicit ID it derives
// one from the project slug and a content hash; subtask ids are numbered
// under their parent.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Cell, error) {
	if req.IssueType == "" {
		req.IssueType = types.TypeTask
	}

	cell := &types.Cell{
		ID:          req.ID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      types.StatusOpen,
		Priority:    req.Priority,
		IssueType:   req.IssueType,
		ParentID:    req.ParentID,
		Assignee:    req.Assignee,
		Files:       req.Files,
		Metadata:    req.Metadata,
	}
	if err := cell.Validate(); err != nil {
		return nil, errs.Validation("invalid_cell", "%v", err)
	}

	if req.ParentID != "" {
		parent, err := s.Get(ctx, req.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.IsTombstone() {
			return nil, errs.Conflict("parent_deleted", "parent cell %s is deleted", req.ParentID)
		}
	}

	if cell.ID == "" {
		id, err := s.generateID(ctx, req)
		if err != nil {
			return nil, err
		}
		cell.ID = id
	} else {
		if err := identity.ValidateCellID(cell.ID); err != nil {
			return nil, errs.Validation("invalid_cell_id", "%v", err)
		}
		if _, err := s.Get(ctx, cell.ID); err == nil {
			return nil, errs.Conflict("cell_exists", "cell %s already exists", cell.ID)
		}
	}

	evt, err := s.events.Append(ctx, &types.CellCreatedPayload{Cell: cell}, nil)
	if err != nil {
		return nil, err
	}
	cell.CreatedAt = evt.Time()
	cell.UpdatedAt = evt.Time()

	s.log.Info().Str("cell", cell.ID).Str("type", string(cell.IssueType)).Msg("cell created")
	return cell, nil
}

// SubtaskSpec describes one child inside CreateEpic.
type SubtaskSpec struct {
	Title       string
	Description string
	Priority    int
	Files       []string
	IDSuffix    string
}

// CreateEpic creates an epic and its subtasks atomically: everything is
// validated up front and appended as one event, so either every cell lands
// or none do.
func (s *Service) CreateEpic(ctx context.Context, title, description string, priority int, subtasks []SubtaskSpec) (*types.Cell, []*types.Cell, error) {
	epic := &types.Cell{
		Title:       strings.TrimSpace(title),
		Description: description,
		Status:      types.StatusOpen,
		Priority:    priority,
		IssueType:   types.TypeEpic,
	}
	if err := epic.Validate(); err != nil {
		return nil, nil, errs.Validation("invalid_cell", "%v", err)
	}
	id, err := s.generateID(ctx, CreateRequest{Title: epic.Title, Description: description})
	if err != nil {
		return nil, nil, err
	}
	epic.ID = id

	children := make([]*types.Cell, 0, len(subtasks))
	for i, sub := range subtasks {
		childID := identity.SubtaskID(epic.ID, i+1)
		if sub.IDSuffix != "" {
			childID = epic.ID + "." + sub.IDSuffix
		}
		child := &types.Cell{
			ID:          childID,
			Title:       strings.TrimSpace(sub.Title),
			Description: sub.Description,
			Status:      types.StatusOpen,
			Priority:    sub.Priority,
			IssueType:   types.TypeTask,
			ParentID:    epic.ID,
			Files:       sub.Files,
		}
		if err := child.Validate(); err != nil {
			return nil, nil, errs.Validation("invalid_subtask", "subtask %d: %v", i+1, err)
		}
		children = append(children, child)
	}

	evt, err := s.events.Append(ctx, &types.EpicCreatedPayload{
		Epic:     epic,
		Subtasks: children,
	}, nil)
	if err != nil {
		return nil, nil, err
	}
	epic.CreatedAt = evt.Time()
	epic.UpdatedAt = evt.Time()
	for _, child := range children {
		child.CreatedAt = evt.Time()
		child.UpdatedAt = evt.Time()
	}

	s.log.Info().Str("epic", epic.ID).Int("subtasks", len(children)).Msg("epic created")
	return epic, children, nil
}

// UpdateRequest carries optional field changes. Nil pointers leave the field
// untouched.
type UpdateRequest struct {
	Title       *string
	Description *string
	Priority    *int
	Assignee    *string
	Status      *types.CellStatus
	Files       []string
	Metadata    map[string]string
}

// Update applies field changes to a cell, enforcing the status state machine
// for status changes. Every change, status included, lands in one event.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*types.Cell, error) {
	cell, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cell.IsTombstone() {
		return nil, errs.Conflict("cell_deleted", "cell %s is deleted", id)
	}

	changes := make(map[string]string)
	if req.Title != nil && *req.Title != cell.Title {
		probe := *cell
		probe.Title = *req.Title
		if err := probe.Validate(); err != nil {
			return nil, errs.Validation("invalid_cell", "%v", err)
		}
		changes["title"] = *req.Title
	}
	if req.Description != nil && *req.Description != cell.Description {
		changes["description"] = *req.Description
	}
	if req.Priority != nil && *req.Priority != cell.Priority {
		if *req.Priority < 0 || *req.Priority > 4 {
			return nil, errs.Validation("invalid_priority", "priority must be between 0 and 4 (got %d)", *req.Priority)
		}
		changes["priority"] = strconv.Itoa(*req.Priority)
	}
	if req.Assignee != nil && *req.Assignee != cell.Assignee {
		changes["assignee"] = *req.Assignee
	}
	if req.Files != nil {
		encoded, err := json.Marshal(req.Files)
		if err != nil {
			return nil, fmt.Errorf("marshal files: %w", err)
		}
		changes["files"] = string(encoded)
	}
	if req.Metadata != nil {
		encoded, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		changes["metadata"] = string(encoded)
	}

	if req.Status != nil && *req.Status != cell.Status {
		if err := validateTransition(cell.Status, *req.Status); err != nil {
			return nil, err
		}
		changes["status"] = string(*req.Status)
	}

	if len(changes) == 0 {
		return cell, nil
	}

	if _, err := s.events.Append(ctx, &types.CellUpdatedPayload{
		CellID:  id,
		Changes: changes,
	}, nil); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Close closes a cell with a reason and optional result.
func (s *Service) Close(ctx context.Context, id, reason, result string) (*types.Cell, error) {
	cell, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(cell.Status, types.StatusClosed); err != nil {
		return nil, err
	}

	if _, err := s.events.Append(ctx, &types.CellClosedPayload{
		CellID: id,
		Reason: reason,
		Result: result,
	}, nil); err != nil {
		return nil, err
	}
	s.log.Info().Str("cell", id).Str("reason", reason).Msg("cell closed")
	return s.Get(ctx, id)
}

// Reopen moves a closed cell back to open.
func (s *Service) Reopen(ctx context.Context, id string) (*types.Cell, error) {
	cell, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cell.Status != types.StatusClosed {
		return nil, errs.Conflict("invalid_transition", "only closed cells can be reopened (cell %s is %s)", id, cell.Status)
	}

	if _, err := s.events.Append(ctx, &types.CellStatusChangedPayload{
		CellID:    id,
		OldStatus: cell.Status,
		NewStatus: types.StatusOpen,
	}, nil); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete tombstones a cell. Tombstones are retained for merge
// reconciliation and purged after the configured TTL.
func (s *Service) Delete(ctx context.Context, id, reason string) error {
	cell, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cell.IsTombstone() {
		return nil // deleting a tombstone is a no-op
	}

	_, err = s.events.Append(ctx, &types.CellDeletedPayload{
		CellID: id,
		Reason: reason,
	}, nil)
	if err == nil {
		s.log.Info().Str("cell", id).Msg("cell tombstoned")
	}
	return err
}

// Get returns a cell by exact id, including its labels.
func (s *Service) Get(ctx context.Context, id string) (*types.Cell, error) {
	rows, err := s.db.QueryContext(ctx, selectCells+" WHERE project_key = ? AND id = ?", s.db.ProjectKey, id)
	if err != nil {
		return nil, fmt.Errorf("query cell: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cells, err := scanCells(rows)
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, errs.NotFound("cell_not_found", "cell %s does not exist", id)
	}
	cell := cells[0]
	if err := s.attachLabels(ctx, cell); err != nil {
		return nil, err
	}
	return cell, nil
}

// ResolveResult is the outcome of a partial-id lookup.
type ResolveResult struct {
	Found     *types.Cell
	Ambiguous []string
}

// ResolvePartialID finds the cell whose id starts with prefix. An exact
// match wins immediately; multiple prefix matches report ambiguity.
func (s *Service) ResolvePartialID(ctx context.Context, prefix string) (*ResolveResult, error) {
	if cell, err := s.Get(ctx, prefix); err == nil {
		return &ResolveResult{Found: cell}, nil
	} else if !errs.IsNotFound(err) {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM cells
		WHERE project_key = ? AND id LIKE ? AND status != 'tombstone'
		ORDER BY id LIMIT 10`,
		s.db.ProjectKey, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("query partial id: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(ids) {
	case 0:
		return nil, errs.NotFound("cell_not_found", "no cell matches prefix %q", prefix)
	case 1:
		cell, err := s.Get(ctx, ids[0])
		if err != nil {
			return nil, err
		}
		return &ResolveResult{Found: cell}, nil
	default:
		return &ResolveResult{Ambiguous: ids}, nil
	}
}

// generateID derives a cell id, retrying hash collisions with a nonce.
// Subtasks take the next free number under their parent.
func (s *Service) generateID(ctx context.Context, req CreateRequest) (string, error) {
	if req.ParentID != "" {
		n, err := s.nextChildNumber(ctx, req.ParentID)
		if err != nil {
			return "", err
		}
		return identity.SubtaskID(req.ParentID, n), nil
	}

	slug := identity.ProjectSlug(s.db.ProjectKey)
	now := time.Now()
	for nonce := 0; nonce < 50; nonce++ {
		id := identity.NewCellID(slug, req.Title, req.Description, now, nonce)
		var exists bool
		err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) > 0 FROM cells WHERE id = ?", id,
		).Scan(&exists)
		if err != nil {
			return "", fmt.Errorf("check id collision: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", errs.Conflict("id_space_exhausted", "could not find a free cell id after 50 attempts")
}

// nextChildNumber returns one past the highest numeric suffix among the
// parent's existing dotted children.
func (s *Service) nextChildNumber(ctx context.Context, parentID string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM cells WHERE parent_id = ? AND id LIKE ?",
		parentID, parentID+".%")
	if err != nil {
		return 0, fmt.Errorf("query children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	highest := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan child id: %w", err)
		}
		suffix := strings.TrimPrefix(id, parentID+".")
		if n, err := strconv.Atoi(suffix); err == nil && n > highest {
			highest = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return highest + 1, nil
}

// validateTransition enforces the status state machine.
func validateTransition(from, to types.CellStatus) error {
	if !to.Valid() {
		return errs.Validation("invalid_status", "unknown status %q", to)
	}
	if from == to {
		return nil
	}

	allowed := map[types.CellStatus][]types.CellStatus{
		types.StatusOpen:       {types.StatusInProgress, types.StatusBlocked, types.StatusClosed},
		types.StatusInProgress: {types.StatusOpen, types.StatusBlocked, types.StatusClosed},
		types.StatusBlocked:    {types.StatusOpen, types.StatusInProgress, types.StatusClosed},
		types.StatusClosed:     {types.StatusOpen, types.StatusTombstone},
		types.StatusTombstone:  nil,
	}
	for _, next := range allowed[from] {
		if next == to {
			if to == types.StatusTombstone {
				return errs.Conflict("invalid_transition", "cells are tombstoned via delete, not a status update")
			}
			return nil
		}
	}

	err := errs.Conflict("invalid_transition", "cannot move cell from %s to %s", from, to)
	if from == types.StatusClosed && to == types.StatusInProgress {
		return err.WithHint("reopen the cell first, then start it")
	}
	if to == types.StatusTombstone {
		return errs.Conflict("invalid_transition", "cells are tombstoned via delete, not a status update")
	}
	return err
}

const selectCells = `
	SELECT id, title, description, status, priority, issue_type, parent_id, assignee,
	       files_json, created_at, updated_at, closed_at, deleted_at, close_reason,
	       metadata_json, is_blocked
	FROM cells`

func scanCells(rows *sql.Rows) ([]*types.Cell, error) {
	var cells []*types.Cell
	for rows.Next() {
		var (
			c            types.Cell
			description  sql.NullString
			parentID     sql.NullString
			assignee     sql.NullString
			filesJSON    sql.NullString
			createdAt    int64
			updatedAt    int64
			closedAt     sql.NullInt64
			deletedAt    sql.NullInt64
			closeReason  sql.NullString
			metadataJSON sql.NullString
			isBlocked    int
		)
		err := rows.Scan(&c.ID, &c.Title, &description, &c.Status, &c.Priority, &c.IssueType,
			&parentID, &assignee, &filesJSON, &createdAt, &updatedAt, &closedAt, &deletedAt,
			&closeReason, &metadataJSON, &isBlocked)
		if err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		c.Description = description.String
		c.ParentID = parentID.String
		c.Assignee = assignee.String
		c.CloseReason = closeReason.String
		c.CreatedAt = time.UnixMilli(createdAt)
		c.UpdatedAt = time.UnixMilli(updatedAt)
		c.ClosedAt = storage.TimeFromMS(closedAt)
		c.DeletedAt = storage.TimeFromMS(deletedAt)
		c.IsBlocked = isBlocked != 0
		if filesJSON.Valid && filesJSON.String != "" && filesJSON.String != "null" {
			if err := json.Unmarshal([]byte(filesJSON.String), &c.Files); err != nil {
				return nil, errs.Corrupted(err, "cell %s files", c.ID)
			}
		}
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &c.Metadata); err != nil {
				return nil, errs.Corrupted(err, "cell %s metadata", c.ID)
			}
		}
		cells = append(cells, &c)
	}
	return cells, rows.Err()
}

func (s *Service) attachLabels(ctx context.Context, cell *types.Cell) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM cell_labels WHERE cell_id = ? ORDER BY name", cell.ID)
	if err != nil {
		return fmt.Errorf("query labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan label: %w", err)
		}
		cell.Labels = append(cell.Labels, name)
	}
	return rows.Err()
}

// cellExists reports whether an id exists at all, tombstones included.
func (s *Service) cellExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) > 0 FROM cells WHERE project_key = ? AND id = ?",
		s.db.ProjectKey, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check cell existence: %w", err)
	}
	return exists, nil
}
