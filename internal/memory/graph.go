package memory

import (
	"context"
	"database/sql"
	"strings"

	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

// LinkedMemory pairs an outgoing link with its target memory.
type LinkedMemory struct {
	Link   types.MemoryLink `json:"link"`
	Memory *types.Memory    `json:"memory"`
}

// GetLinkedMemories returns id's outgoing links, optionally restricted to a
// link type, strongest first.
func (s *Service) GetLinkedMemories(ctx context.Context, id, linkType string) ([]*LinkedMemory, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	query := "SELECT source, target, link_type, strength FROM memory_links WHERE source = ?"
	args := []any{id}
	if linkType != "" {
		query += " AND link_type = ?"
		args = append(args, linkType)
	}
	query += " ORDER BY strength DESC, target"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var links []types.MemoryLink
	for rows.Next() {
		var link types.MemoryLink
		if err := rows.Scan(&link.Source, &link.Target, &link.LinkType, &link.Strength); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*LinkedMemory, 0, len(links))
	for _, link := range links {
		mem, err := s.Get(ctx, link.Target)
		if err != nil {
			return nil, err
		}
		out = append(out, &LinkedMemory{Link: link, Memory: mem})
	}
	return out, nil
}

// RebuildLinks recomputes auto "related" links for every embedded memory in
// a collection (all collections when empty) and returns the link count.
// Manually added link types are left alone.
func (s *Service) RebuildLinks(ctx context.Context, collection string) (int, error) {
	memories, err := s.List(ctx, collection)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, mem := range memories {
		if len(mem.Embedding) == 0 {
			continue
		}
		links, err := s.similarLinks(ctx, mem.ID, mem.Embedding)
		if err != nil {
			return total, err
		}

		unlock := s.db.LockWrites()
		err = storage.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
			if _, err := tx.Exec(
				"DELETE FROM memory_links WHERE source = ? AND link_type = 'related'", mem.ID); err != nil {
				return err
			}
			for _, link := range links {
				if err := insertLink(tx, link); err != nil {
					return err
				}
			}
			return nil
		})
		unlock()
		if err != nil {
			return total, err
		}
		total += len(links)
	}
	return total, nil
}

// AddLink creates or restrengthens an explicit link between two memories.
func (s *Service) AddLink(ctx context.Context, source, target, linkType string, strength float64) error {
	for _, id := range []string{source, target} {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	unlock := s.db.LockWrites()
	defer unlock()
	return storage.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		return insertLink(tx, types.MemoryLink{
			Source: source, Target: target, LinkType: linkType, Strength: strength,
		})
	})
}

// FindByEntity returns memories linked to a named entity.
func (s *Service) FindByEntity(ctx context.Context, name, entityType string) ([]*types.Memory, error) {
	query := selectMemory + ` WHERE project_key = ? AND id IN (
		SELECT me.memory_id FROM memory_entities me
		JOIN entities e ON e.id = me.entity_id
		WHERE e.project_key = ? AND e.name = ?`
	args := []any{s.db.ProjectKey, s.db.ProjectKey, name}
	if entityType != "" {
		query += " AND e.entity_type = ?"
		args = append(args, entityType)
	}
	query += ") ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// KnowledgeGraph is the neighborhood of one memory: its entities and every
// relationship touching them.
type KnowledgeGraph struct {
	Entities      []types.Entity       `json:"entities"`
	Relationships []types.Relationship `json:"relationships"`
}

// GetKnowledgeGraph returns the entities directly linked to a memory plus
// all relationships whose subject or object is one of those entities.
func (s *Service) GetKnowledgeGraph(ctx context.Context, memoryID string) (*KnowledgeGraph, error) {
	if _, err := s.Get(ctx, memoryID); err != nil {
		return nil, err
	}
	graph := &KnowledgeGraph{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.name, e.entity_type FROM entities e
		 JOIN memory_entities me ON me.entity_id = e.id
		 WHERE me.memory_id = ? ORDER BY e.name`,
		memoryID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make([]any, 0, 8)
	for rows.Next() {
		var e types.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.EntityType); err != nil {
			return nil, err
		}
		graph.Entities = append(graph.Entities, e)
		ids = append(ids, e.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return graph, nil
	}

	placeholders := "?" + strings.Repeat(", ?", len(ids)-1)
	relRows, err := s.db.QueryContext(ctx,
		`SELECT subject_entity, predicate, object_entity, confidence, COALESCE(memory_id, '')
		 FROM relationships
		 WHERE subject_entity IN (`+placeholders+`) OR object_entity IN (`+placeholders+`)
		 ORDER BY id`,
		append(append([]any{}, ids...), ids...)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = relRows.Close() }()

	for relRows.Next() {
		var r types.Relationship
		if err := relRows.Scan(&r.SubjectEntity, &r.Predicate, &r.ObjectEntity, &r.Confidence, &r.MemoryID); err != nil {
			return nil, err
		}
		graph.Relationships = append(graph.Relationships, r)
	}
	return graph, relRows.Err()
}
