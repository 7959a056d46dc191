package hive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/jsonl"
	"github.com/loomhq/loom/internal/types"
)

// exportVersion tags the cells.jsonl record schema.
const exportVersion = 1

// clockSkewGrace treats updated_at stamps within this window as equal when
// merging records from different machines.
const clockSkewGrace = 2 * time.Minute

// exportRecord is one cells.jsonl line: a self-describing cell snapshot with
// a content hash over the tracked fields.
type exportRecord struct {
	V           int    `json:"_v"`
	ContentHash string `json:"content_hash"`
	*types.Cell
}

// SyncResult reports what an import changed.
type SyncResult struct {
	Adopted   int `json:"adopted"`
	Conflicts int `json:"conflicts"`
	Dropped   int `json:"dropped"` // expired tombstones discarded
}

// ExportJSONL writes the hive to path: every live cell plus tombstones still
// inside the TTL window, one JSON line each, sorted by id for deterministic
// diffs. It also refreshes the merge-base snapshot used by ImportJSONL.
func (s *Service) ExportJSONL(ctx context.Context, path string) (int, error) {
	cells, err := s.exportableCells(ctx)
	if err != nil {
		return 0, err
	}

	records := make([]any, 0, len(cells))
	for _, cell := range cells {
		records = append(records, &exportRecord{
			V:           exportVersion,
			ContentHash: contentHash(cell),
			Cell:        cell,
		})
	}
	if err := jsonl.WriteAll(path, records); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if err := jsonl.WriteAll(s.basePath(), records); err != nil {
		return 0, fmt.Errorf("write merge base: %w", err)
	}

	s.log.Info().Int("cells", len(records)).Str("path", path).Msg("hive exported")
	return len(records), nil
}

// ImportJSONL merges an incoming cells.jsonl into the hive: a three-way
// merge per cell id against the last export/import snapshot as base. Every
// adopted cell is appended as a cell_created event so the log stays
// authoritative, and the merge base is advanced to the merged state.
func (s *Service) ImportJSONL(ctx context.Context, path string) (*SyncResult, error) {
	theirs, err := s.readRecords(path)
	if err != nil {
		return nil, err
	}
	base, err := s.readRecords(s.basePath())
	if err != nil {
		return nil, err
	}
	oursCells, err := s.exportableCells(ctx)
	if err != nil {
		return nil, err
	}
	ours := make(map[string]*types.Cell, len(oursCells))
	for _, c := range oursCells {
		ours[c.ID] = c
	}

	result := &SyncResult{}
	merged := make(map[string]*types.Cell)
	for _, id := range unionIDs(ours, theirs, base) {
		cell, conflict := s.mergeCell(base[id], ours[id], theirs[id])
		if conflict {
			result.Conflicts++
		}
		if cell == nil {
			result.Dropped++
			continue
		}
		merged[id] = cell
	}

	// Adopt every merged cell that differs from our current state.
	for _, id := range sortedKeys(merged) {
		cell := merged[id]
		ourCell, have := ours[id]
		if have && contentHash(ourCell) == contentHash(cell) {
			continue
		}
		if _, err := s.events.Append(ctx, &types.CellCreatedPayload{Cell: cell}, nil); err != nil {
			return nil, err
		}
		result.Adopted++
	}

	if _, err := s.events.Append(ctx, &types.HiveSyncedPayload{
		Path:      filepath.Base(path),
		Adopted:   result.Adopted,
		Conflicts: result.Conflicts,
	}, nil); err != nil {
		return nil, err
	}

	// Advance the merge base to the merged state.
	records := make([]any, 0, len(merged))
	for _, id := range sortedKeys(merged) {
		records = append(records, &exportRecord{
			V:           exportVersion,
			ContentHash: contentHash(merged[id]),
			Cell:        merged[id],
		})
	}
	if err := jsonl.WriteAll(s.basePath(), records); err != nil {
		return nil, fmt.Errorf("write merge base: %w", err)
	}

	s.log.Info().Int("adopted", result.Adopted).Int("conflicts", result.Conflicts).
		Int("dropped", result.Dropped).Msg("hive import merged")
	return result, nil
}

// mergeCell resolves one cell id across base/ours/theirs. A nil return
// drops the cell (expired tombstones).
func (s *Service) mergeCell(base, ours, theirs *types.Cell) (*types.Cell, bool) {
	now := time.Now()

	switch {
	case ours == nil && theirs == nil:
		return nil, false
	case ours == nil:
		if s.tombstoneExpired(theirs, now) {
			return nil, false
		}
		return theirs, false
	case theirs == nil:
		if s.tombstoneExpired(ours, now) {
			return nil, false
		}
		return ours, false
	}

	// Both tombstones: keep the earliest deletion, drop when both expired.
	if ours.IsTombstone() && theirs.IsTombstone() {
		if s.tombstoneExpired(ours, now) && s.tombstoneExpired(theirs, now) {
			return nil, false
		}
		if theirs.DeletedAt != nil && (ours.DeletedAt == nil || theirs.DeletedAt.Before(*ours.DeletedAt)) {
			return theirs, false
		}
		return ours, false
	}

	// A live tombstone beats a concurrent edit.
	if ours.IsTombstone() && !s.tombstoneExpired(ours, now) {
		return ours, false
	}
	if theirs.IsTombstone() && !s.tombstoneExpired(theirs, now) {
		return theirs, false
	}

	if contentHash(ours) == contentHash(theirs) {
		return ours, false
	}

	if base == nil {
		// Both sides new and different: newer updated_at wins, tie keeps
		// ours and records a conflict.
		switch compareClocks(ours.UpdatedAt, theirs.UpdatedAt) {
		case 1:
			return ours, false
		case -1:
			return theirs, false
		default:
			return ours, true
		}
	}

	oursChanged := contentHash(ours) != contentHash(base)
	theirsChanged := contentHash(theirs) != contentHash(base)
	switch {
	case !oursChanged:
		return theirs, false
	case !theirsChanged:
		return ours, false
	}
	return fieldwiseMerge(base, ours, theirs)
}

// fieldwiseMerge merges two divergent edits of the same base, field by
// field: the side that changed a field wins it; when both changed it, the
// newer updated_at wins and a tie keeps ours and flags a conflict.
func fieldwiseMerge(base, ours, theirs *types.Cell) (*types.Cell, bool) {
	merged := *ours
	conflict := false
	preferTheirs := compareClocks(ours.UpdatedAt, theirs.UpdatedAt) == -1

	pick := func(baseV, oursV, theirsV string) string {
		switch {
		case oursV == theirsV:
			return oursV
		case oursV == baseV:
			return theirsV
		case theirsV == baseV:
			return oursV
		case preferTheirs:
			return theirsV
		default:
			if compareClocks(ours.UpdatedAt, theirs.UpdatedAt) == 0 {
				conflict = true
			}
			return oursV
		}
	}

	merged.Title = pick(base.Title, ours.Title, theirs.Title)
	merged.Description = pick(base.Description, ours.Description, theirs.Description)
	merged.Assignee = pick(base.Assignee, ours.Assignee, theirs.Assignee)
	merged.ParentID = pick(base.ParentID, ours.ParentID, theirs.ParentID)
	merged.IssueType = types.IssueType(pick(string(base.IssueType), string(ours.IssueType), string(theirs.IssueType)))
	merged.Status = types.CellStatus(pick(string(base.Status), string(ours.Status), string(theirs.Status)))
	merged.CloseReason = pick(base.CloseReason, ours.CloseReason, theirs.CloseReason)
	merged.Priority = atoiDefault(pick(
		fmt.Sprint(base.Priority), fmt.Sprint(ours.Priority), fmt.Sprint(theirs.Priority)), ours.Priority)
	merged.Files = splitList(pick(joinList(base.Files), joinList(ours.Files), joinList(theirs.Files)))

	// Close/delete stamps follow whichever side supplied the status.
	switch merged.Status {
	case theirs.Status:
		merged.ClosedAt = theirs.ClosedAt
		merged.DeletedAt = theirs.DeletedAt
	default:
		merged.ClosedAt = ours.ClosedAt
		merged.DeletedAt = ours.DeletedAt
	}

	merged.Labels = unionStrings(ours.Labels, theirs.Labels)
	merged.Dependencies = unionDeps(ours.Dependencies, theirs.Dependencies)
	merged.Comments = unionComments(ours.Comments, theirs.Comments)

	if theirs.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = theirs.UpdatedAt
	}
	return &merged, conflict
}

func (s *Service) tombstoneExpired(c *types.Cell, now time.Time) bool {
	return c.IsTombstone() && c.DeletedAt != nil && now.Sub(*c.DeletedAt) > s.tombstoneTTL
}

// compareClocks orders two timestamps with the skew grace: 0 when within
// the grace window, else ±1.
func compareClocks(a, b time.Time) int {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	if delta < clockSkewGrace {
		return 0
	}
	if a.After(b) {
		return 1
	}
	return -1
}

// exportableCells returns live cells plus unexpired tombstones, with labels,
// dependencies, and comments attached, sorted by id.
func (s *Service) exportableCells(ctx context.Context) ([]*types.Cell, error) {
	cutoff := time.Now().Add(-s.tombstoneTTL).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		selectCells+` WHERE project_key = ?
		AND (status != 'tombstone' OR deleted_at > ?)
		ORDER BY id ASC`,
		s.db.ProjectKey, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query exportable cells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cells, err := scanCells(rows)
	if err != nil {
		return nil, err
	}
	for _, cell := range cells {
		if err := s.attachLabels(ctx, cell); err != nil {
			return nil, err
		}
		deps, err := s.Dependencies(ctx, cell.ID)
		if err != nil {
			return nil, err
		}
		cell.Dependencies = deps
		comments, err := s.Comments(ctx, cell.ID)
		if err != nil {
			return nil, err
		}
		cell.Comments = comments
	}
	return cells, nil
}

func (s *Service) readRecords(path string) (map[string]*types.Cell, error) {
	lines, err := jsonl.ReadAll(path)
	if err != nil {
		return nil, err
	}
	cells := make(map[string]*types.Cell, len(lines))
	for i, line := range lines {
		var rec exportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errs.Corrupted(err, "%s line %d", filepath.Base(path), i+1)
		}
		if rec.Cell == nil || rec.ID == "" {
			return nil, errs.Corrupted(nil, "%s line %d: missing cell id", filepath.Base(path), i+1)
		}
		cells[rec.ID] = rec.Cell
	}
	return cells, nil
}

// basePath is the merge-base snapshot kept beside the project database.
func (s *Service) basePath() string {
	return filepath.Join(s.db.Dir, "cells.base.jsonl")
}

// contentHash digests the tracked fields of a cell, edge sets included.
// Timestamps other than deleted_at are excluded so a pure clock touch does
// not read as a content change.
func contentHash(c *types.Cell) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}
	write(c.ID, c.Title, c.Description, string(c.Status), fmt.Sprint(c.Priority),
		string(c.IssueType), c.ParentID, c.Assignee, c.CloseReason)
	write(sortedCopy(c.Files)...)
	write(sortedCopy(c.Labels)...)

	deps := make([]string, 0, len(c.Dependencies))
	for _, d := range c.Dependencies {
		deps = append(deps, d.FromCell+"|"+d.ToCell+"|"+string(d.Kind))
	}
	write(sortedCopy(deps)...)

	comments := make([]string, 0, len(c.Comments))
	for _, cm := range c.Comments {
		comments = append(comments, cm.ID)
	}
	write(sortedCopy(comments)...)

	if c.DeletedAt != nil {
		write(fmt.Sprint(c.DeletedAt.UnixMilli()))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func unionIDs(maps ...map[string]*types.Cell) []string {
	seen := make(map[string]bool)
	for _, m := range maps {
		for id := range m {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedKeys(m map[string]*types.Cell) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func unionDeps(a, b []*types.Dependency) []*types.Dependency {
	seen := make(map[string]bool)
	var out []*types.Dependency
	for _, d := range append(append([]*types.Dependency(nil), a...), b...) {
		key := d.FromCell + "|" + d.ToCell + "|" + string(d.Kind)
		if !seen[key] {
			seen[key] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ToCell < out[j].ToCell
	})
	return out
}

func unionComments(a, b []*types.Comment) []*types.Comment {
	seen := make(map[string]bool)
	var out []*types.Comment
	for _, c := range append(append([]*types.Comment(nil), a...), b...) {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func joinList(in []string) string {
	return strings.Join(sortedCopy(in), "\x00")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

func atoiDefault(s string, def int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}
