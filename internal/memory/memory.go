// Package memory is the content-addressed memory store: embedded, decaying,
// searchable records with a light knowledge graph on top.
//
// Memory rows are written inside the event append transaction rather than by
// a projector: memory events carry only identifiers, so the tables are the
// source of truth for content and the log records that the mutation happened.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomhq/loom/internal/analyzer"
	"github.com/loomhq/loom/internal/embedder"
	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/identity"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

const (
	defaultConfidence = 0.7
	autoLinkThreshold = 0.7
	autoLinkMax       = 5
)

// Service is the memory store for one project.
type Service struct {
	db       *storage.DB
	events   *eventstore.Store
	embedder embedder.Embedder
	analyzer analyzer.Analyzer
	log      zerolog.Logger
}

// NewService wires a memory store. embedder is required for semantic search
// and storing; analyzer may be nil, in which case tag generation, entity
// extraction, and smart upserts degrade.
func NewService(db *storage.DB, events *eventstore.Store, emb embedder.Embedder, an analyzer.Analyzer, log zerolog.Logger) *Service {
	return &Service{
		db:       db,
		events:   events,
		embedder: emb,
		analyzer: an,
		log:      log.With().Str("component", "memory").Logger(),
	}
}

// StoreRequest carries the inputs to Store.
type StoreRequest struct {
	Content    string
	Collection string
	Tags       []string
	Metadata   map[string]string
	Confidence *float64 // default 0.7, clamped to [0,1]

	AutoTag         bool
	AutoLink        bool
	ExtractEntities bool
}

// StoreResult reports what Store produced beyond the row itself.
type StoreResult struct {
	Memory   *types.Memory
	AutoTags []string
	Links    []types.MemoryLink
}

// Store persists a new memory. Embedding is mandatory: an unreachable
// embedder aborts the store. Analyzer-backed extras (auto-tagging, entity
// extraction) degrade with a warning when the analyzer is absent or failing.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
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
	return s.storeEmbedded(ctx, req, vec)
}

// storeEmbedded is Store after the embedding has been computed; the smart
// upsert path reuses it to avoid embedding twice.
func (s *Service) storeEmbedded(ctx context.Context, req StoreRequest, vec []float32) (*StoreResult, error) {
	now := time.Now()
	mem := &types.Memory{
		ID:         identity.NewMemoryID(),
		Content:    req.Content,
		Collection: req.Collection,
		Metadata:   req.Metadata,
		Tags:       req.Tags,
		Embedding:  vec,
		CreatedAt:  now,
		UpdatedAt:  now,
		Confidence: clampConfidence(req.Confidence),
	}
	if mem.Collection == "" {
		mem.Collection = "default"
	}

	result := &StoreResult{Memory: mem}

	if req.AutoTag && s.analyzer != nil {
		tags, err := s.analyzer.GenerateTags(ctx, req.Content)
		if err != nil {
			s.log.Warn().Err(err).Msg("auto-tagging skipped")
		} else {
			mem.AutoTags = tags
			result.AutoTags = tags
		}
	}

	var extraction *analyzer.Extraction
	if req.ExtractEntities && s.analyzer != nil {
		var err error
		extraction, err = s.analyzer.ExtractEntities(ctx, req.Content)
		if err != nil {
			s.log.Warn().Err(err).Msg("entity extraction skipped")
			extraction = nil
		}
	}

	var links []types.MemoryLink
	if req.AutoLink {
		var err error
		links, err = s.similarLinks(ctx, mem.ID, vec)
		if err != nil {
			return nil, err
		}
		result.Links = links
	}

	payload := &types.MemoryStoredPayload{MemoryID: mem.ID, Collection: mem.Collection}
	_, err := s.events.Append(ctx, payload, func(tx *sql.Tx) error {
		if err := insertMemory(tx, s.db.ProjectKey, mem); err != nil {
			return err
		}
		for _, link := range links {
			if err := insertLink(tx, link); err != nil {
				return err
			}
		}
		if extraction != nil {
			if err := s.applyExtraction(tx, mem.ID, extraction); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns a memory by id.
func (s *Service) Get(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx, selectMemory+" WHERE project_key = ? AND id = ?", s.db.ProjectKey, id)
	mem, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("memory_not_found", "no memory %s", id)
	}
	return mem, err
}

// Remove deletes a memory along with its links and entity junctions.
func (s *Service) Remove(ctx context.Context, id string) error {
	return s.remove(ctx, id, "removed")
}

func (s *Service) remove(ctx context.Context, id, reason string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	payload := &types.MemoryDeletedPayload{MemoryID: id, Reason: reason}
	_, err := s.events.Append(ctx, payload, func(tx *sql.Tx) error {
		return deleteMemory(tx, s.db.ProjectKey, id)
	})
	return err
}

// List returns memories, optionally restricted to a collection, newest
// first.
func (s *Service) List(ctx context.Context, collection string) ([]*types.Memory, error) {
	query := selectMemory + " WHERE project_key = ?"
	args := []any{s.db.ProjectKey}
	if collection != "" {
		query += " AND collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanMemories(rows)
}

// Statistics summarizes the store.
type Statistics struct {
	Total         int            `json:"total"`
	ByCollection  map[string]int `json:"by_collection"`
	Entities      int            `json:"entities"`
	Links         int            `json:"links"`
	AvgConfidence float64        `json:"avg_confidence"`
	TotalAccesses int            `json:"total_accesses"`
}

// Stats computes store-wide counts.
func (s *Service) Stats(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{ByCollection: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT collection, COUNT(*) FROM memories WHERE project_key = ? GROUP BY collection",
		s.db.ProjectKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			collection string
			count      int
		)
		if err := rows.Scan(&collection, &count); err != nil {
			return nil, err
		}
		stats.ByCollection[collection] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(AVG(confidence), 0), COALESCE(SUM(access_count), 0) FROM memories WHERE project_key = ?",
		s.db.ProjectKey).Scan(&stats.AvgConfidence, &stats.TotalAccesses)
	if err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities WHERE project_key = ?", s.db.ProjectKey).Scan(&stats.Entities); err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_links l
		 JOIN memories m ON m.id = l.source WHERE m.project_key = ?`,
		s.db.ProjectKey).Scan(&stats.Links)
	return stats, err
}

// Validate resets a memory's decay clock by setting created_at to now.
func (s *Service) Validate(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	payload := &types.MemoryValidatedPayload{MemoryID: id}
	_, err := s.events.Append(ctx, payload, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		_, err := tx.Exec(
			"UPDATE memories SET created_at = ?, updated_at = ? WHERE project_key = ? AND id = ?",
			now, now, s.db.ProjectKey, id)
		return err
	})
	return err
}

// similarLinks scans existing vectors and proposes up to 5 related links
// with cosine similarity at or above 0.7.
func (s *Service) similarLinks(ctx context.Context, selfID string, vec []float32) ([]types.MemoryLink, error) {
	matches, err := s.scanSimilar(ctx, vec, similarQuery{threshold: autoLinkThreshold, limit: autoLinkMax, exclude: selfID})
	if err != nil {
		return nil, err
	}
	links := make([]types.MemoryLink, 0, len(matches))
	for _, m := range matches {
		links = append(links, types.MemoryLink{
			Source:   selfID,
			Target:   m.Memory.ID,
			LinkType: "related",
			Strength: m.Similarity,
		})
	}
	return links, nil
}

// applyExtraction upserts extracted entities and relationships and links
// them to the memory. Entities are deduplicated on (name, entity_type).
func (s *Service) applyExtraction(tx *sql.Tx, memoryID string, ex *analyzer.Extraction) error {
	ids := make(map[string]int64, len(ex.Entities))
	for _, ent := range ex.Entities {
		id, err := upsertEntity(tx, s.db.ProjectKey, ent.Name, ent.EntityType)
		if err != nil {
			return err
		}
		ids[ent.Name] = id
		if _, err := tx.Exec(
			"INSERT INTO memory_entities (memory_id, entity_id) VALUES (?, ?) ON CONFLICT DO NOTHING",
			memoryID, id); err != nil {
			return err
		}
	}
	for _, rel := range ex.Relationships {
		subject, okS := ids[rel.Subject]
		object, okO := ids[rel.Object]
		if !okS || !okO {
			// Relationship references an entity the model did not list.
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO relationships (subject_entity, predicate, object_entity, confidence, memory_id)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (subject_entity, predicate, object_entity)
			 DO UPDATE SET confidence = excluded.confidence, memory_id = excluded.memory_id`,
			subject, rel.Predicate, object, rel.Confidence, memoryID); err != nil {
			return err
		}
	}
	return nil
}

func clampConfidence(c *float64) float64 {
	if c == nil {
		return defaultConfidence
	}
	switch {
	case *c < 0:
		return 0
	case *c > 1:
		return 1
	}
	return *c
}

// ---- row helpers ----

const selectMemory = `SELECT id, content, collection, metadata_json, tags_json, auto_tags_json,
	embedding, created_at, updated_at, valid_from, valid_until, superseded_by,
	confidence, access_count, last_accessed FROM memories`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var (
		mem          types.Memory
		metadataJSON sql.NullString
		tagsJSON     sql.NullString
		autoTagsJSON sql.NullString
		blob         []byte
		createdAt    int64
		updatedAt    int64
		validFrom    sql.NullInt64
		validUntil   sql.NullInt64
		superseded   sql.NullString
		lastAccessed sql.NullInt64
	)
	err := row.Scan(&mem.ID, &mem.Content, &mem.Collection, &metadataJSON, &tagsJSON,
		&autoTagsJSON, &blob, &createdAt, &updatedAt, &validFrom, &validUntil,
		&superseded, &mem.Confidence, &mem.AccessCount, &lastAccessed)
	if err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &mem.Metadata); err != nil {
			return nil, errs.Corrupted(err, "memory %s has invalid metadata", mem.ID)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &mem.Tags); err != nil {
			return nil, errs.Corrupted(err, "memory %s has invalid tags", mem.ID)
		}
	}
	if autoTagsJSON.Valid && autoTagsJSON.String != "" {
		if err := json.Unmarshal([]byte(autoTagsJSON.String), &mem.AutoTags); err != nil {
			return nil, errs.Corrupted(err, "memory %s has invalid auto tags", mem.ID)
		}
	}
	if mem.Embedding, err = embedder.DecodeVector(blob); err != nil {
		return nil, err
	}
	mem.CreatedAt = time.UnixMilli(createdAt)
	mem.UpdatedAt = time.UnixMilli(updatedAt)
	if validFrom.Valid {
		t := time.UnixMilli(validFrom.Int64)
		mem.ValidFrom = &t
	}
	if validUntil.Valid {
		t := time.UnixMilli(validUntil.Int64)
		mem.ValidUntil = &t
	}
	if superseded.Valid {
		mem.SupersededBy = superseded.String
	}
	if lastAccessed.Valid {
		t := time.UnixMilli(lastAccessed.Int64)
		mem.LastAccessed = &t
	}
	return &mem, nil
}

func scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var out []*types.Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mem)
	}
	return out, rows.Err()
}

func insertMemory(tx *sql.Tx, projectKey string, mem *types.Memory) error {
	_, err := tx.Exec(
		`INSERT INTO memories (id, project_key, content, collection, metadata_json, tags_json,
			auto_tags_json, embedding, created_at, updated_at, valid_from, valid_until,
			superseded_by, confidence, access_count, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mem.ID, projectKey, mem.Content, mem.Collection,
		jsonOrNull(mem.Metadata), jsonOrNull(mem.Tags), jsonOrNull(mem.AutoTags),
		embedder.EncodeVector(mem.Embedding),
		mem.CreatedAt.UnixMilli(), mem.UpdatedAt.UnixMilli(),
		millisOrNull(mem.ValidFrom), millisOrNull(mem.ValidUntil),
		stringOrNull(mem.SupersededBy), mem.Confidence, mem.AccessCount,
		millisOrNull(mem.LastAccessed))
	if err != nil {
		return err
	}
	_, err = tx.Exec("INSERT INTO memories_fts (memory_id, content) VALUES (?, ?)", mem.ID, mem.Content)
	return err
}

func deleteMemory(tx *sql.Tx, projectKey, id string) error {
	stmts := []struct {
		query string
		args  []any
	}{
		{"DELETE FROM memory_links WHERE source = ? OR target = ?", []any{id, id}},
		{"DELETE FROM memory_entities WHERE memory_id = ?", []any{id}},
		{"DELETE FROM memories_fts WHERE memory_id = ?", []any{id}},
		{"DELETE FROM memories WHERE project_key = ? AND id = ?", []any{projectKey, id}},
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s.query, s.args...); err != nil {
			return err
		}
	}
	return nil
}

func insertLink(tx *sql.Tx, link types.MemoryLink) error {
	_, err := tx.Exec(
		`INSERT INTO memory_links (source, target, link_type, strength) VALUES (?, ?, ?, ?)
		 ON CONFLICT (source, target, link_type) DO UPDATE SET strength = excluded.strength`,
		link.Source, link.Target, link.LinkType, link.Strength)
	return err
}

func upsertEntity(tx *sql.Tx, projectKey, name, entityType string) (int64, error) {
	_, err := tx.Exec(
		"INSERT INTO entities (project_key, name, entity_type) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
		projectKey, name, entityType)
	if err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRow(
		"SELECT id FROM entities WHERE project_key = ? AND name = ? AND entity_type = ?",
		projectKey, name, entityType).Scan(&id)
	return id, err
}

func jsonOrNull(v any) any {
	switch val := v.(type) {
	case map[string]string:
		if len(val) == 0 {
			return nil
		}
	case []string:
		if len(val) == 0 {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func millisOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func stringOrNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
