package memory

import (
	"context"
	"database/sql"
	"time"

	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/types"
)

const chainHopLimit = 1000

// Supersede marks old as replaced by new: old's validity window closes now
// and new's opens now. Both updates land in one transaction.
func (s *Service) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return errs.Validation("self_supersession", "a memory cannot supersede itself")
	}
	for _, id := range []string{oldID, newID} {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}

	payload := &types.MemoryUpdatedPayload{MemoryID: oldID, Operation: "supersede"}
	_, err := s.events.Append(ctx, payload, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		if _, err := tx.Exec(
			"UPDATE memories SET superseded_by = ?, valid_until = ?, updated_at = ? WHERE project_key = ? AND id = ?",
			newID, now, now, s.db.ProjectKey, oldID); err != nil {
			return err
		}
		_, err := tx.Exec(
			"UPDATE memories SET valid_from = ?, updated_at = ? WHERE project_key = ? AND id = ?",
			now, now, s.db.ProjectKey, newID)
		return err
	})
	return err
}

// GetSupersessionChain walks superseded_by links forward from id, returning
// the chronological chain starting at id. A walk longer than 1000 hops
// means the links form a loop and aborts.
func (s *Service) GetSupersessionChain(ctx context.Context, id string) ([]*types.Memory, error) {
	var chain []*types.Memory
	seen := make(map[string]bool)
	current := id
	for hops := 0; current != ""; hops++ {
		if hops >= chainHopLimit || seen[current] {
			return nil, errs.New(errs.KindCorrupted, "supersession_loop",
				"supersession chain from %s does not terminate", id)
		}
		seen[current] = true

		mem, err := s.Get(ctx, current)
		if err != nil {
			return nil, err
		}
		chain = append(chain, mem)
		current = mem.SupersededBy
	}
	return chain, nil
}
