package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/loomhq/loom/internal/embedder"
	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/jsonl"
	"github.com/loomhq/loom/internal/types"
)

// ImportStrategy selects how import treats rows whose id already exists.
type ImportStrategy string

const (
	// StrategySkipExisting keeps local rows untouched.
	StrategySkipExisting ImportStrategy = "skip_existing"
	// StrategyUpsert lets incoming rows with a newer updated_at win.
	StrategyUpsert ImportStrategy = "upsert"
)

// ExportOptions narrows what ExportJSONL writes.
type ExportOptions struct {
	Collection string
	Since      *time.Time // only memories updated at or after this instant
}

// ExportJSONL writes memories to path, one JSON object per line sorted by
// id. Embeddings are omitted; importers regenerate them.
func (s *Service) ExportJSONL(ctx context.Context, path string, opts ExportOptions) (int, error) {
	memories, err := s.List(ctx, opts.Collection)
	if err != nil {
		return 0, err
	}

	filtered := memories[:0]
	for _, mem := range memories {
		if opts.Since != nil && mem.UpdatedAt.Before(*opts.Since) {
			continue
		}
		filtered = append(filtered, mem)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	records := make([]any, 0, len(filtered))
	for _, mem := range filtered {
		records = append(records, mem)
	}
	if err := jsonl.WriteAll(path, records); err != nil {
		return 0, err
	}
	s.log.Info().Int("memories", len(records)).Str("path", path).Msg("exported memories")
	return len(records), nil
}

// ImportResult reports what an import changed.
type ImportResult struct {
	Added    int `json:"added"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Embedded int `json:"embedded"`
}

// ImportJSONL merges memories from path. With skip_existing, known ids are
// left alone; with upsert, incoming rows win when their updated_at is newer.
// Rows are re-embedded when an embedder is configured, otherwise they land
// without vectors and serve full-text search only.
func (s *Service) ImportJSONL(ctx context.Context, path string, strategy ImportStrategy) (*ImportResult, error) {
	switch strategy {
	case StrategySkipExisting, StrategyUpsert:
	case "":
		strategy = StrategySkipExisting
	default:
		return nil, errs.Validation("unknown_strategy", "unknown import strategy %q", strategy)
	}

	lines, err := jsonl.ReadAll(path)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	for _, line := range lines {
		var incoming types.Memory
		if err := json.Unmarshal(line, &incoming); err != nil {
			return nil, errs.Corrupted(err, "unparseable memory record in %s", path)
		}
		if incoming.ID == "" || incoming.Content == "" {
			return nil, errs.Validation("incomplete_record", "memory record missing id or content")
		}

		existing, err := s.Get(ctx, incoming.ID)
		switch {
		case errs.IsNotFound(err):
			if err := s.adopt(ctx, &incoming); err != nil {
				return nil, err
			}
			if incoming.Embedding != nil {
				result.Embedded++
			}
			result.Added++
		case err != nil:
			return nil, err
		case strategy == StrategySkipExisting:
			result.Skipped++
		case incoming.UpdatedAt.After(existing.UpdatedAt):
			if err := s.overwrite(ctx, &incoming); err != nil {
				return nil, err
			}
			if incoming.Embedding != nil {
				result.Embedded++
			}
			result.Updated++
		default:
			result.Skipped++
		}
	}

	s.log.Info().Int("added", result.Added).Int("updated", result.Updated).
		Int("skipped", result.Skipped).Str("path", path).Msg("imported memories")
	return result, nil
}

// adopt inserts an imported memory, embedding its content when possible.
func (s *Service) adopt(ctx context.Context, mem *types.Memory) error {
	s.reembed(ctx, mem)
	if mem.Collection == "" {
		mem.Collection = "default"
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now()
	}
	if mem.UpdatedAt.IsZero() {
		mem.UpdatedAt = mem.CreatedAt
	}

	payload := &types.MemoryStoredPayload{MemoryID: mem.ID, Collection: mem.Collection}
	_, err := s.events.Append(ctx, payload, func(tx *sql.Tx) error {
		return insertMemory(tx, s.db.ProjectKey, mem)
	})
	return err
}

// overwrite replaces an existing row's content and bookkeeping with an
// imported one that won the updated_at comparison. Links and entity
// junctions are left in place.
func (s *Service) overwrite(ctx context.Context, mem *types.Memory) error {
	s.reembed(ctx, mem)
	payload := &types.MemoryUpdatedPayload{MemoryID: mem.ID, Operation: "import"}
	_, err := s.events.Append(ctx, payload, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`UPDATE memories SET content = ?, collection = ?, metadata_json = ?, tags_json = ?,
				auto_tags_json = ?, embedding = ?, created_at = ?, updated_at = ?,
				valid_from = ?, valid_until = ?, superseded_by = ?, confidence = ?
			 WHERE project_key = ? AND id = ?`,
			mem.Content, mem.Collection, jsonOrNull(mem.Metadata), jsonOrNull(mem.Tags),
			jsonOrNull(mem.AutoTags), embedder.EncodeVector(mem.Embedding),
			mem.CreatedAt.UnixMilli(), mem.UpdatedAt.UnixMilli(),
			millisOrNull(mem.ValidFrom), millisOrNull(mem.ValidUntil),
			stringOrNull(mem.SupersededBy), mem.Confidence,
			s.db.ProjectKey, mem.ID); err != nil {
			return err
		}
		_, err := tx.Exec("UPDATE memories_fts SET content = ? WHERE memory_id = ?", mem.Content, mem.ID)
		return err
	})
	return err
}

// reembed regenerates a vector for imported content. Embedding failures are
// tolerated: the row imports without a vector.
func (s *Service) reembed(ctx context.Context, mem *types.Memory) {
	if s.embedder == nil {
		mem.Embedding = nil
		return
	}
	vec, err := s.embedder.Embed(ctx, mem.Content)
	if err != nil {
		s.log.Warn().Err(err).Str("memory", mem.ID).Msg("import re-embedding failed")
		mem.Embedding = nil
		return
	}
	mem.Embedding = vec
}
