package hive

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/loomhq/loom/internal/types"
)

// QueryRequest filters a cell listing. Zero values mean unfiltered.
type QueryRequest struct {
	Status   types.CellStatus
	Type     types.IssueType
	ParentID string
	Ready    bool
	Limit    int
}

// Query lists cells matching the filter, tombstones excluded, newest first.
func (s *Service) Query(ctx context.Context, req QueryRequest) ([]*types.Cell, error) {
	if req.Ready {
		cells, err := s.Ready(ctx)
		if err != nil {
			return nil, err
		}
		if req.Limit > 0 && len(cells) > req.Limit {
			cells = cells[:req.Limit]
		}
		return cells, nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	query := selectCells + " WHERE project_key = ? AND status != 'tombstone'"
	args := []any{s.db.ProjectKey}
	if req.Status != "" {
		query += " AND status = ?"
		args = append(args, string(req.Status))
	}
	if req.Type != "" {
		query += " AND issue_type = ?"
		args = append(args, string(req.Type))
	}
	if req.ParentID != "" {
		query += " AND parent_id = ?"
		args = append(args, req.ParentID)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cells: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCells(rows)
}

// Ready returns cells an agent can start now: open, with every blocker
// closed, and none of their declared files claimed by an active exclusive
// reservation. Sorted by priority ascending (critical first), then oldest
// update first.
func (s *Service) Ready(ctx context.Context) ([]*types.Cell, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCells+` WHERE project_key = ? AND status = 'open' AND is_blocked = 0
		ORDER BY priority ASC, updated_at ASC`,
		s.db.ProjectKey)
	if err != nil {
		return nil, fmt.Errorf("query ready cells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := scanCells(rows)
	if err != nil {
		return nil, err
	}
	if s.reservations == nil {
		return candidates, nil
	}

	ready := make([]*types.Cell, 0, len(candidates))
	for _, cell := range candidates {
		if len(cell.Files) == 0 {
			ready = append(ready, cell)
			continue
		}
		conflicts, err := s.reservations.ConflictsFor(ctx, cell.Assignee, cell.Files)
		if err != nil {
			return nil, err
		}
		if len(conflicts) == 0 {
			ready = append(ready, cell)
		}
	}
	return ready, nil
}

// BlockedCell is a blocked cell annotated with the cells blocking it.
type BlockedCell struct {
	Cell     *types.Cell `json:"cell"`
	Blockers []string    `json:"blockers"`
}

// Blocked returns cells with status=blocked or an open blocker, each with
// its blocker list.
func (s *Service) Blocked(ctx context.Context) ([]*BlockedCell, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCells+` WHERE project_key = ? AND status != 'tombstone'
		AND (status = 'blocked' OR is_blocked = 1)
		ORDER BY priority ASC, updated_at ASC`,
		s.db.ProjectKey)
	if err != nil {
		return nil, fmt.Errorf("query blocked cells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cells, err := scanCells(rows)
	if err != nil {
		return nil, err
	}

	blocked := make([]*BlockedCell, 0, len(cells))
	for _, cell := range cells {
		blockers, err := s.openBlockersOf(ctx, cell.ID)
		if err != nil {
			return nil, err
		}
		blocked = append(blocked, &BlockedCell{Cell: cell, Blockers: blockers})
	}
	return blocked, nil
}

// EpicsEligibleForClosure returns open epics whose children are all closed.
func (s *Service) EpicsEligibleForClosure(ctx context.Context) ([]*types.Cell, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCells+` WHERE project_key = ? AND issue_type = 'epic' AND status != 'closed' AND status != 'tombstone'
		AND EXISTS (SELECT 1 FROM cells c WHERE c.parent_id = cells.id AND c.status != 'tombstone')
		AND NOT EXISTS (
			SELECT 1 FROM cells c
			WHERE c.parent_id = cells.id AND c.status NOT IN ('closed', 'tombstone')
		)
		ORDER BY updated_at ASC`,
		s.db.ProjectKey)
	if err != nil {
		return nil, fmt.Errorf("query closable epics: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCells(rows)
}

// Stale returns non-closed cells untouched for at least the given number of
// days (default 14).
func (s *Service) Stale(ctx context.Context, days int) ([]*types.Cell, error) {
	if days <= 0 {
		days = 14
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		selectCells+` WHERE project_key = ? AND status NOT IN ('closed', 'tombstone')
		AND updated_at < ? ORDER BY updated_at ASC`,
		s.db.ProjectKey, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale cells: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanCells(rows)
}

// Statistics summarizes the work graph.
type Statistics struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	ByType          map[string]int `json:"by_type"`
	ByPriority      map[int]int    `json:"by_priority"`
	AverageAgeDays  float64        `json:"average_age_days"`
	MaxBlockerDepth int            `json:"max_blocker_depth"`
}

// Stats computes counts per status/type/priority, the average open-cell age,
// and the deepest blocker chain.
func (s *Service) Stats(ctx context.Context) (*Statistics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, issue_type, priority, created_at FROM cells
		WHERE project_key = ? AND status != 'tombstone'`,
		s.db.ProjectKey)
	if err != nil {
		return nil, fmt.Errorf("query cell stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &Statistics{
		ByStatus:   make(map[string]int),
		ByType:     make(map[string]int),
		ByPriority: make(map[int]int),
	}
	var (
		now     = time.Now()
		ageSum  float64
		openAge int
	)
	for rows.Next() {
		var (
			status    string
			issueType string
			priority  int
			createdAt int64
		)
		if err := rows.Scan(&status, &issueType, &priority, &createdAt); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.Total++
		stats.ByStatus[status]++
		stats.ByType[issueType]++
		stats.ByPriority[priority]++
		if status != "closed" {
			ageSum += now.Sub(time.UnixMilli(createdAt)).Hours() / 24
			openAge++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if openAge > 0 {
		stats.AverageAgeDays = ageSum / float64(openAge)
	}

	depth, err := s.maxBlockerDepth(ctx)
	if err != nil {
		return nil, err
	}
	stats.MaxBlockerDepth = depth
	return stats, nil
}

// openBlockersOf lists the non-closed cells blocking the given cell.
func (s *Service) openBlockersOf(ctx context.Context, cellID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT b.id
		FROM cell_dependencies d
		JOIN cells b ON b.id = CASE d.relationship
			WHEN 'blocked-by' THEN d.to_cell ELSE d.from_cell END
		WHERE d.relationship IN ('blocks', 'blocked-by')
		  AND CASE d.relationship
			WHEN 'blocked-by' THEN d.from_cell ELSE d.to_cell END = ?
		  AND b.status NOT IN ('closed', 'tombstone')
		ORDER BY b.id`,
		cellID)
	if err != nil {
		return nil, fmt.Errorf("query blockers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blockers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan blocker: %w", err)
		}
		blockers = append(blockers, id)
	}
	return blockers, rows.Err()
}

// maxBlockerDepth computes the longest blocker chain among non-tombstone
// cells. The graph is acyclic by construction, so a memoized DFS suffices.
func (s *Service) maxBlockerDepth(ctx context.Context) (int, error) {
	edges, err := s.blockingEdges(ctx)
	if err != nil {
		return 0, err
	}

	memo := make(map[string]int)
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		memo[id] = 0 // cycle guard; the graph should be acyclic
		best := 0
		for _, blocker := range edges[id] {
			if d := depth(blocker) + 1; d > best {
				best = d
			}
		}
		memo[id] = best
		return best
	}

	ids := make([]string, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := 0
	for _, id := range ids {
		if d := depth(id); d > best {
			best = d
		}
	}
	return best, nil
}

const blockingEdgesSQL = `
	SELECT
		CASE d.relationship WHEN 'blocked-by' THEN d.from_cell ELSE d.to_cell END,
		CASE d.relationship WHEN 'blocked-by' THEN d.to_cell ELSE d.from_cell END
	FROM cell_dependencies d
	JOIN cells f ON f.id = d.from_cell
	JOIN cells t ON t.id = d.to_cell
	WHERE d.relationship IN ('blocks', 'blocked-by')
	  AND f.status != 'tombstone' AND t.status != 'tombstone'`

// blockingEdges returns blockee -> blockers over non-tombstone cells.
func (s *Service) blockingEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, blockingEdgesSQL)
	if err != nil {
		return nil, fmt.Errorf("query blocking edges: %w", err)
	}
	return scanBlockingEdges(rows)
}

// blockingEdgesTx is blockingEdges inside an append transaction, so the
// graph it reads includes edges projected earlier in the same transaction.
func blockingEdgesTx(tx *sql.Tx) (map[string][]string, error) {
	rows, err := tx.Query(blockingEdgesSQL)
	if err != nil {
		return nil, fmt.Errorf("query blocking edges: %w", err)
	}
	return scanBlockingEdges(rows)
}

func scanBlockingEdges(rows *sql.Rows) (map[string][]string, error) {
	defer func() { _ = rows.Close() }()

	edges := make(map[string][]string)
	for rows.Next() {
		var blockee, blocker string
		if err := rows.Scan(&blockee, &blocker); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges[blockee] = append(edges[blockee], blocker)
	}
	return edges, rows.Err()
}
