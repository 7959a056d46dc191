package memory

import (
	"context"
	"database/sql"
	"time"

	"github.com/loomhq/loom/internal/analyzer"
	"github.com/loomhq/loom/internal/embedder"
	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/types"
)

const (
	upsertCandidates = 5
	upsertThreshold  = 0.6

	analyzerDownReason = "analyzer unavailable, defaulting to ADD"
)

// UpsertRequest is StoreRequest plus the smart-ops switch.
type UpsertRequest struct {
	StoreRequest
	UseSmartOps bool
}

// UpsertResult reports which operation the upsert resolved to. ID is the
// memory the operation landed on: the new row for ADD, the target for
// UPDATE/DELETE/NOOP.
type UpsertResult struct {
	ID        string             `json:"id"`
	Operation analyzer.Operation `json:"operation"`
	Reason    string             `json:"reason"`
}

// Upsert stores content with deduplication against similar existing
// memories. Candidate selection is vector similarity (top 5 at >= 0.6);
// the analyzer arbitrates non-exact overlaps. Without smart ops, or when
// the analyzer is unavailable, it behaves as a plain Store.
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	if req.Content == "" {
		return nil, errs.Validation("empty_content", "memory content cannot be empty")
	}
	if s.embedder == nil {
		return nil, errs.New(errs.KindExternalUnavailable, "embedding_unavailable",
			"no embedder configured")
	}

	vec, err := s.embedder.Embed(ctx, req.Content)
	if err != nil {
		return nil, err
	}

	if !req.UseSmartOps {
		return s.upsertAdd(ctx, req.StoreRequest, vec, "smart ops disabled")
	}

	matches, err := s.scanSimilar(ctx, vec, similarQuery{
		collection: req.Collection,
		threshold:  upsertThreshold,
		limit:      upsertCandidates,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return s.upsertAdd(ctx, req.StoreRequest, vec, "no similar memories")
	}

	for _, m := range matches {
		if m.Memory.Content == req.Content {
			return &UpsertResult{
				ID:        m.Memory.ID,
				Operation: analyzer.OpNoop,
				Reason:    "exact content already stored",
			}, nil
		}
	}

	if s.analyzer == nil {
		return s.upsertAdd(ctx, req.StoreRequest, vec, analyzerDownReason)
	}

	candidates := make([]analyzer.Candidate, 0, len(matches))
	for _, m := range matches {
		candidates = append(candidates, analyzer.Candidate{
			ID:         m.Memory.ID,
			Content:    m.Memory.Content,
			Similarity: m.Similarity,
		})
	}
	decision, err := s.analyzer.AnalyzeOperation(ctx, req.Content, candidates)
	if err != nil {
		s.log.Warn().Err(err).Msg("smart upsert analysis failed")
		return s.upsertAdd(ctx, req.StoreRequest, vec, analyzerDownReason)
	}

	switch decision.Operation {
	case analyzer.OpAdd:
		return s.upsertAdd(ctx, req.StoreRequest, vec, decision.Reason)
	case analyzer.OpUpdate:
		if err := s.updateContent(ctx, decision.TargetID, req.StoreRequest, vec); err != nil {
			return nil, err
		}
		return &UpsertResult{ID: decision.TargetID, Operation: analyzer.OpUpdate, Reason: decision.Reason}, nil
	case analyzer.OpDelete:
		if err := s.remove(ctx, decision.TargetID, decision.Reason); err != nil {
			return nil, err
		}
		return &UpsertResult{ID: decision.TargetID, Operation: analyzer.OpDelete, Reason: decision.Reason}, nil
	case analyzer.OpNoop:
		return &UpsertResult{ID: decision.TargetID, Operation: analyzer.OpNoop, Reason: decision.Reason}, nil
	}
	// Decision validity is checked by the analyzer client.
	return nil, errs.Corrupted(nil, "unexpected upsert operation %q", decision.Operation)
}

func (s *Service) upsertAdd(ctx context.Context, req StoreRequest, vec []float32, reason string) (*UpsertResult, error) {
	stored, err := s.storeEmbedded(ctx, req, vec)
	if err != nil {
		return nil, err
	}
	return &UpsertResult{ID: stored.Memory.ID, Operation: analyzer.OpAdd, Reason: reason}, nil
}

// updateContent overwrites a memory's content, metadata, and embedding.
func (s *Service) updateContent(ctx context.Context, id string, req StoreRequest, vec []float32) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	payload := &types.MemoryUpdatedPayload{MemoryID: id, Operation: string(analyzer.OpUpdate)}
	_, err := s.events.Append(ctx, payload, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(
			`UPDATE memories SET content = ?, metadata_json = ?, embedding = ?, updated_at = ?
			 WHERE project_key = ? AND id = ?`,
			req.Content, jsonOrNull(req.Metadata), embedder.EncodeVector(vec), now,
			s.db.ProjectKey, id); err != nil {
			return err
		}
		_, err := tx.Exec("UPDATE memories_fts SET content = ? WHERE memory_id = ?", req.Content, id)
		return err
	})
	return err
}
