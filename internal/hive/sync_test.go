package hive

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/jsonl"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

func TestExportImportRoundTrip(t *testing.T) {
	s := testHive(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "cells.jsonl")

	a := mustCreate(t, s, "alpha work")
	b := mustCreate(t, s, "beta work")
	require.NoError(t, s.AddDependency(ctx, a.ID, b.ID, types.DepBlocks))
	require.NoError(t, s.AddLabel(ctx, a.ID, "backend"))
	_, err := s.AddComment(ctx, a.ID, "alice", "note")
	require.NoError(t, err)

	n, err := s.ExportJSONL(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A fresh database importing the file reproduces the same state.
	mgr := storage.NewManager(t.TempDir(), zerolog.Nop())
	t.Cleanup(func() { _ = mgr.Close() })
	db, err := mgr.Get("/home/dev/webapp")
	require.NoError(t, err)
	fresh := NewService(db, eventstore.New(db, zerolog.Nop(), 16), nil, 0, zerolog.Nop())

	result, err := fresh.ImportJSONL(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Adopted)
	assert.Zero(t, result.Conflicts)

	got, err := fresh.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha work", got.Title)
	assert.Equal(t, []string{"backend"}, got.Labels)

	gotB, err := fresh.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, gotB.IsBlocked, "blocking edge survives the round trip")

	comments, err := fresh.Comments(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}

func TestImportIsIdempotent(t *testing.T) {
	s := testHive(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cells.jsonl")

	mustCreate(t, s, "stable")
	_, err := s.ExportJSONL(ctx, path)
	require.NoError(t, err)

	result, err := s.ImportJSONL(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, result.Adopted, "re-importing our own export adopts nothing")
}

func TestThreeWayFieldMerge(t *testing.T) {
	s := testHive(t)
	ctx := context.Background()
	dir := t.TempDir()
	theirsPath := filepath.Join(dir, "cells.jsonl")

	// Base: open, priority 2. Export pins the merge base.
	cell := mustCreate(t, s, "contested")
	_, err := s.ExportJSONL(ctx, filepath.Join(dir, "base-export.jsonl"))
	require.NoError(t, err)

	// Theirs: base with priority 0.
	theirs := *cell
	theirs.Status = types.StatusOpen
	theirs.Priority = 0
	theirs.UpdatedAt = time.Now()
	writeRecords(t, theirsPath, &theirs)

	// Ours: status moved to in_progress.
	st := types.StatusInProgress
	_, err = s.Update(ctx, cell.ID, UpdateRequest{Status: &st})
	require.NoError(t, err)

	result, err := s.ImportJSONL(ctx, theirsPath)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Adopted)

	merged, err := s.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, merged.Status, "our status change survives")
	assert.Equal(t, 0, merged.Priority, "their priority change survives")
}

func TestTombstoneWinsOverConcurrentEdit(t *testing.T) {
	s := testHive(t)
	ctx := context.Background()
	dir := t.TempDir()
	theirsPath := filepath.Join(dir, "cells.jsonl")

	cell := mustCreate(t, s, "contested")
	_, err := s.ExportJSONL(ctx, filepath.Join(dir, "snapshot.jsonl"))
	require.NoError(t, err)

	// Theirs edited the title; we deleted the cell.
	theirs := *cell
	theirs.Title = "renamed elsewhere"
	theirs.UpdatedAt = time.Now().Add(time.Hour)
	writeRecords(t, theirsPath, &theirs)

	require.NoError(t, s.Delete(ctx, cell.ID, "superseded"))

	_, err = s.ImportJSONL(ctx, theirsPath)
	require.NoError(t, err)

	got, err := s.Get(ctx, cell.ID)
	require.NoError(t, err)
	assert.True(t, got.IsTombstone(), "live tombstone beats a concurrent edit")
}

func TestTombstoneReimportIsNoop(t *testing.T) {
	s := testHive(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cells.jsonl")

	cell := mustCreate(t, s, "short lived")
	require.NoError(t, s.Delete(ctx, cell.ID, "mistake"))

	_, err := s.ExportJSONL(ctx, path)
	require.NoError(t, err)

	result, err := s.ImportJSONL(ctx, path)
	require.NoError(t, err)
	assert.Zero(t, result.Adopted)
}

func TestExpiredTombstonesDropOnImport(t *testing.T) {
	s := testHive(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cells.jsonl")

	old := time.Now().Add(-40 * 24 * time.Hour)
	expired := &types.Cell{
		ID:        "webapp-zzz",
		Title:     "ancient",
		Status:    types.StatusTombstone,
		Priority:  2,
		IssueType: types.TypeTask,
		CreatedAt: old,
		UpdatedAt: old,
		DeletedAt: &old,
	}
	writeRecords(t, path, expired)

	result, err := s.ImportJSONL(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dropped)
	assert.Zero(t, result.Adopted)
}

func TestTwoWayConflictKeepsOursOnTie(t *testing.T) {
	s := testHive(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cells.jsonl")

	// No base: the incoming cell shares an id with a local one but differs,
	// and the timestamps fall within the clock-skew grace.
	ours := mustCreate(t, s, "ours version")
	theirs := *ours
	theirs.Title = "theirs version"
	theirs.UpdatedAt = ours.UpdatedAt.Add(10 * time.Second)
	writeRecords(t, path, &theirs)

	result, err := s.ImportJSONL(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conflicts)

	got, err := s.Get(ctx, ours.ID)
	require.NoError(t, err)
	assert.Equal(t, "ours version", got.Title)
}

func TestContentHashIgnoresClockTouches(t *testing.T) {
	cell := &types.Cell{
		ID: "webapp-abc", Title: "t", Status: types.StatusOpen,
		Priority: 2, IssueType: types.TypeTask,
		UpdatedAt: time.Now(),
	}
	h1 := contentHash(cell)
	cell.UpdatedAt = cell.UpdatedAt.Add(time.Hour)
	assert.Equal(t, h1, contentHash(cell))

	cell.Title = "changed"
	assert.NotEqual(t, h1, contentHash(cell))
}

func writeRecords(t *testing.T, path string, cells ...*types.Cell) {
	t.Helper()
	records := make([]any, 0, len(cells))
	for _, c := range cells {
		records = append(records, &exportRecord{V: exportVersion, ContentHash: contentHash(c), Cell: c})
	}
	require.NoError(t, jsonl.WriteAll(path, records))
}

func TestExportSortedByID(t *testing.T) {
	s := testHive(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cells.jsonl")

	mustCreate(t, s, "one")
	mustCreate(t, s, "two")
	mustCreate(t, s, "three")

	_, err := s.ExportJSONL(ctx, path)
	require.NoError(t, err)

	lines, err := jsonl.ReadAll(path)
	require.NoError(t, err)
	var prev string
	for _, line := range lines {
		var rec struct {
			ID string `json:"id"`
			V  int    `json:"_v"`
		}
		require.NoError(t, json.Unmarshal(line, &rec))
		assert.Equal(t, exportVersion, rec.V)
		assert.Greater(t, rec.ID, prev)
		prev = rec.ID
	}
}
