package hive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/loomhq/loom/internal/types"
)

// projector maintains the cells, cell_dependencies, cell_labels, and
// cell_comments tables from hive events, including the denormalized
// is_blocked cache. It runs inside the append transaction and serves full
// rebuilds unchanged.
type projector struct{}

func (projector) EventTypes() []string {
	return []string{
		types.EventCellCreated,
		types.EventEpicCreated,
		types.EventCellUpdated,
		types.EventCellStatusChanged,
		types.EventCellClosed,
		types.EventCellDeleted,
		types.EventCellDependencyAdded,
		types.EventCellDependencyRemoved,
		types.EventCellLabelAdded,
		types.EventCellLabelRemoved,
		types.EventCellCommentAdded,
		types.EventCellCommentUpdated,
		types.EventCellCommentDeleted,
	}
}

func (projector) Apply(tx *sql.Tx, evt *types.Event) error {
	decoded, err := evt.Decode()
	if err != nil {
		return err
	}

	switch p := decoded.(type) {
	case *types.CellCreatedPayload:
		return applyCellCreated(tx, evt, p.Cell)
	case *types.EpicCreatedPayload:
		if err := applyCellCreated(tx, evt, p.Epic); err != nil {
			return err
		}
		for _, sub := range p.Subtasks {
			if err := applyCellCreated(tx, evt, sub); err != nil {
				return err
			}
		}
		return nil
	case *types.CellUpdatedPayload:
		return applyCellUpdated(tx, evt, p)
	case *types.CellStatusChangedPayload:
		return applyCellStatusChanged(tx, evt, p)
	case *types.CellClosedPayload:
		return applyCellClosed(tx, evt, p)
	case *types.CellDeletedPayload:
		return applyCellDeleted(tx, evt, p)
	case *types.CellDependencyPayload:
		return applyCellDependency(tx, evt.Type, p)
	case *types.CellLabelPayload:
		return applyCellLabel(tx, evt.Type, p)
	case *types.CellCommentPayload:
		return applyCellComment(tx, p.Comment)
	case *types.CellCommentDeletedPayload:
		_, err := tx.Exec("DELETE FROM cell_comments WHERE id = ?", p.CommentID)
		return err
	}
	return nil
}

func applyCellCreated(tx *sql.Tx, evt *types.Event, c *types.Cell) error {
	files, err := json.Marshal(c.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	metadata, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	status := c.Status
	if status == "" {
		status = types.StatusOpen
	}
	createdAt := c.CreatedAt.UnixMilli()
	if c.CreatedAt.IsZero() {
		createdAt = evt.TimestampMS
	}
	updatedAt := c.UpdatedAt.UnixMilli()
	if c.UpdatedAt.IsZero() {
		updatedAt = evt.TimestampMS
	}

	var closedAt, deletedAt any
	if c.ClosedAt != nil {
		closedAt = c.ClosedAt.UnixMilli()
	}
	if c.DeletedAt != nil {
		deletedAt = c.DeletedAt.UnixMilli()
	}

	_, err = tx.Exec(`
		INSERT INTO cells (id, project_key, title, description, status, priority, issue_type,
			parent_id, assignee, files_json, created_at, updated_at, closed_at, deleted_at,
			close_reason, metadata_json, is_blocked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			issue_type = excluded.issue_type,
			parent_id = excluded.parent_id,
			assignee = excluded.assignee,
			files_json = excluded.files_json,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at,
			deleted_at = excluded.deleted_at,
			close_reason = excluded.close_reason,
			metadata_json = excluded.metadata_json`,
		c.ID, evt.ProjectKey, c.Title, nullable(c.Description), string(status), c.Priority,
		string(c.IssueType), nullable(c.ParentID), nullable(c.Assignee), string(files),
		createdAt, updatedAt, closedAt, deletedAt, nullable(c.CloseReason), string(metadata))
	if err != nil {
		return fmt.Errorf("upsert cell %s: %w", c.ID, err)
	}

	// Adopted cells (merge imports) carry their edge sets inline.
	for _, label := range c.Labels {
		if _, err := tx.Exec(
			"INSERT INTO cell_labels (cell_id, name) VALUES (?, ?) ON CONFLICT DO NOTHING",
			c.ID, label); err != nil {
			return fmt.Errorf("insert label: %w", err)
		}
	}
	for _, dep := range c.Dependencies {
		if _, err := tx.Exec(`
			INSERT INTO cell_dependencies (from_cell, to_cell, relationship)
			VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			dep.FromCell, dep.ToCell, string(dep.Kind)); err != nil {
			return fmt.Errorf("insert dependency: %w", err)
		}
	}
	for _, comment := range c.Comments {
		if err := applyCellComment(tx, comment); err != nil {
			return err
		}
	}

	return recomputeBlockedByID(tx, c.ID)
}

// applyCellUpdated applies a field-change map. Values are the new values,
// stringified; files and metadata are JSON-encoded.
func applyCellUpdated(tx *sql.Tx, evt *types.Event, p *types.CellUpdatedPayload) error {
	for field, value := range p.Changes {
		var (
			column string
			arg    any = value
		)
		switch field {
		case "title":
			column = "title"
		case "description":
			column = "description"
		case "assignee":
			column = "assignee"
			arg = nullable(value)
		case "priority":
			column = "priority"
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("priority change %q: %w", value, err)
			}
			arg = n
		case "issue_type":
			column = "issue_type"
		case "parent_id":
			column = "parent_id"
			arg = nullable(value)
		case "files":
			column = "files_json"
		case "metadata":
			column = "metadata_json"
		case "status":
			if err := applyStatusValue(tx, evt, p.CellID, types.CellStatus(value)); err != nil {
				return err
			}
			continue
		default:
			return fmt.Errorf("unknown cell field %q in update", field)
		}
		if _, err := tx.Exec(
			"UPDATE cells SET "+column+" = ?, updated_at = ? WHERE id = ?",
			arg, evt.TimestampMS, p.CellID); err != nil {
			return fmt.Errorf("update cell %s: %w", field, err)
		}
	}
	return nil
}

func applyCellStatusChanged(tx *sql.Tx, evt *types.Event, p *types.CellStatusChangedPayload) error {
	return applyStatusValue(tx, evt, p.CellID, p.NewStatus)
}

// applyStatusValue moves a cell to status. Reopen clears the close stamp,
// closing without a dedicated cell_closed event sets it.
func applyStatusValue(tx *sql.Tx, evt *types.Event, cellID string, status types.CellStatus) error {
	var err error
	switch status {
	case types.StatusOpen:
		_, err = tx.Exec(
			"UPDATE cells SET status = ?, closed_at = NULL, close_reason = NULL, updated_at = ? WHERE id = ?",
			string(status), evt.TimestampMS, cellID)
	case types.StatusClosed:
		_, err = tx.Exec(
			"UPDATE cells SET status = ?, closed_at = ?, updated_at = ? WHERE id = ?",
			string(status), evt.TimestampMS, evt.TimestampMS, cellID)
	default:
		_, err = tx.Exec(
			"UPDATE cells SET status = ?, updated_at = ? WHERE id = ?",
			string(status), evt.TimestampMS, cellID)
	}
	if err != nil {
		return fmt.Errorf("update cell status: %w", err)
	}
	return recomputeAround(tx, cellID)
}

func applyCellClosed(tx *sql.Tx, evt *types.Event, p *types.CellClosedPayload) error {
	_, err := tx.Exec(`
		UPDATE cells SET status = ?, closed_at = ?, close_reason = ?, updated_at = ?
		WHERE id = ?`,
		string(types.StatusClosed), evt.TimestampMS, nullable(p.Reason), evt.TimestampMS, p.CellID)
	if err != nil {
		return fmt.Errorf("close cell: %w", err)
	}
	return recomputeAround(tx, p.CellID)
}

func applyCellDeleted(tx *sql.Tx, evt *types.Event, p *types.CellDeletedPayload) error {
	_, err := tx.Exec(`
		UPDATE cells SET status = ?, deleted_at = ?, updated_at = ? WHERE id = ?`,
		string(types.StatusTombstone), evt.TimestampMS, evt.TimestampMS, p.CellID)
	if err != nil {
		return fmt.Errorf("tombstone cell: %w", err)
	}
	return recomputeAround(tx, p.CellID)
}

func applyCellDependency(tx *sql.Tx, eventType string, p *types.CellDependencyPayload) error {
	var err error
	if eventType == types.EventCellDependencyAdded {
		_, err = tx.Exec(`
			INSERT INTO cell_dependencies (from_cell, to_cell, relationship)
			VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			p.FromCell, p.ToCell, string(p.Kind))
	} else {
		_, err = tx.Exec(
			"DELETE FROM cell_dependencies WHERE from_cell = ? AND to_cell = ? AND relationship = ?",
			p.FromCell, p.ToCell, string(p.Kind))
	}
	if err != nil {
		return fmt.Errorf("apply dependency edge: %w", err)
	}

	_, blockee, blocking := normalizeEdge(p.FromCell, p.ToCell, p.Kind)
	if !blocking {
		return nil
	}
	return recomputeBlockedByID(tx, blockee)
}

func applyCellLabel(tx *sql.Tx, eventType string, p *types.CellLabelPayload) error {
	var err error
	if eventType == types.EventCellLabelAdded {
		_, err = tx.Exec(
			"INSERT INTO cell_labels (cell_id, name) VALUES (?, ?) ON CONFLICT DO NOTHING",
			p.CellID, p.Label)
	} else {
		_, err = tx.Exec(
			"DELETE FROM cell_labels WHERE cell_id = ? AND name = ?", p.CellID, p.Label)
	}
	if err != nil {
		return fmt.Errorf("apply label: %w", err)
	}
	return nil
}

func applyCellComment(tx *sql.Tx, c *types.Comment) error {
	_, err := tx.Exec(`
		INSERT INTO cell_comments (id, cell_id, author, body, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body`,
		c.ID, c.CellID, c.Author, c.Body, c.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	return nil
}

// normalizeEdge maps a typed edge to its (blocker, blockee) direction.
// blocking is false for related/discovered-from edges.
func normalizeEdge(from, to string, kind types.DependencyKind) (blocker, blockee string, blocking bool) {
	switch kind {
	case types.DepBlocks:
		return from, to, true
	case types.DepBlockedBy:
		return to, from, true
	default:
		return "", "", false
	}
}

// recomputeBlockedByID refreshes one cell's is_blocked cache: blocked while
// any blocker on a blocks/blocked-by edge is still open.
func recomputeBlockedByID(tx *sql.Tx, cellID string) error {
	_, err := tx.Exec(`
		UPDATE cells SET is_blocked = EXISTS (
			SELECT 1 FROM cell_dependencies d
			JOIN cells b ON b.id = CASE d.relationship
				WHEN 'blocked-by' THEN d.to_cell ELSE d.from_cell END
			WHERE d.relationship IN ('blocks', 'blocked-by')
			  AND CASE d.relationship
				WHEN 'blocked-by' THEN d.from_cell ELSE d.to_cell END = cells.id
			  AND b.status NOT IN ('closed', 'tombstone')
		)
		WHERE id = ?`, cellID)
	if err != nil {
		return fmt.Errorf("recompute blocked cache for %s: %w", cellID, err)
	}
	return nil
}

// recomputeAround refreshes the cell itself and every cell it blocks, after
// a status change that may have unblocked (or re-blocked) downstream work.
func recomputeAround(tx *sql.Tx, cellID string) error {
	if err := recomputeBlockedByID(tx, cellID); err != nil {
		return err
	}

	rows, err := tx.Query(`
		SELECT CASE relationship WHEN 'blocked-by' THEN from_cell ELSE to_cell END
		FROM cell_dependencies
		WHERE relationship IN ('blocks', 'blocked-by')
		  AND CASE relationship WHEN 'blocked-by' THEN to_cell ELSE from_cell END = ?`,
		cellID)
	if err != nil {
		return fmt.Errorf("query blockees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blockees []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan blockee: %w", err)
		}
		blockees = append(blockees, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range blockees {
		if err := recomputeBlockedByID(tx, id); err != nil {
			return err
		}
	}
	return nil
}

// RebuildBlockedCache recomputes is_blocked for every cell in one pass.
func RebuildBlockedCache(tx *sql.Tx, projectKey string) error {
	_, err := tx.Exec(`
		UPDATE cells SET is_blocked = EXISTS (
			SELECT 1 FROM cell_dependencies d
			JOIN cells b ON b.id = CASE d.relationship
				WHEN 'blocked-by' THEN d.to_cell ELSE d.from_cell END
			WHERE d.relationship IN ('blocks', 'blocked-by')
			  AND CASE d.relationship
				WHEN 'blocked-by' THEN d.from_cell ELSE d.to_cell END = cells.id
			  AND b.status NOT IN ('closed', 'tombstone')
		)
		WHERE project_key = ?`, projectKey)
	if err != nil {
		return fmt.Errorf("rebuild blocked cache: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
