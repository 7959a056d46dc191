package memory

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/embedder"
	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/types"
)

// DecayTier restricts search results by age.
type DecayTier string

const (
	TierHot  DecayTier = "hot"  // age <= 7 days
	TierWarm DecayTier = "warm" // age <= 30 days
	TierAll  DecayTier = "all"
)

const (
	defaultFindLimit = 10
	snippetLength    = 200
	decayHalfLife    = 90.0 // days, scaled by confidence
)

// FindRequest carries search options.
type FindRequest struct {
	Limit       int // default 10
	Collection  string
	Expand      bool // return full content instead of a 200-char snippet
	FTS         bool // force lexical search
	DecayTier   DecayTier
	TrackAccess bool
}

// SearchResult is one scored hit.
type SearchResult struct {
	Memory      *types.Memory `json:"memory"`
	Score       float64       `json:"score"`
	RawScore    float64       `json:"raw_score"`
	DecayFactor float64       `json:"decay_factor"`
}

// Find searches memories. Semantic search is the default; when the embedder
// is unreachable it falls back to full-text search with a logged warning.
func (s *Service) Find(ctx context.Context, query string, req FindRequest) ([]*SearchResult, error) {
	return s.find(ctx, query, req, nil)
}

// FindValidAt is Find restricted to memories whose validity window contains
// the given instant.
func (s *Service) FindValidAt(ctx context.Context, query string, at time.Time, req FindRequest) ([]*SearchResult, error) {
	return s.find(ctx, query, req, &at)
}

func (s *Service) find(ctx context.Context, query string, req FindRequest, validAt *time.Time) ([]*SearchResult, error) {
	if query == "" {
		return nil, errs.Validation("empty_query", "search query cannot be empty")
	}
	if req.Limit <= 0 {
		req.Limit = defaultFindLimit
	}
	if req.DecayTier == "" {
		req.DecayTier = TierAll
	}

	var (
		results     []*SearchResult
		ftsFallback bool
		err         error
	)
	switch {
	case req.FTS:
		results, err = s.findFTS(ctx, query, req, validAt)
	default:
		results, err = s.findSemantic(ctx, query, req, validAt)
		if errs.IsExternalUnavailable(err) {
			s.log.Warn().Err(err).Msg("embedder unavailable, falling back to full-text search")
			ftsFallback = true
			results, err = s.findFTS(ctx, query, req, validAt)
		}
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	results = applyDecay(results, now)
	results = filterTier(results, req.DecayTier, now)
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	if !req.Expand {
		for _, r := range results {
			if len(r.Memory.Content) > snippetLength {
				r.Memory.Content = r.Memory.Content[:snippetLength] + "..."
			}
		}
	}

	if req.TrackAccess && len(results) > 0 {
		if err := s.trackAccess(ctx, query, results, ftsFallback); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *Service) findSemantic(ctx context.Context, query string, req FindRequest, validAt *time.Time) ([]*SearchResult, error) {
	if s.embedder == nil {
		return nil, errs.New(errs.KindExternalUnavailable, "embedding_unavailable",
			"no embedder configured")
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	matches, err := s.scanSimilar(ctx, vec, similarQuery{
		collection: req.Collection,
		validAt:    validAt,
		// Rank the full corpus; decay and limit apply afterwards.
		limit: 0,
	})
	if err != nil {
		return nil, err
	}

	results := make([]*SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, &SearchResult{Memory: m.Memory, RawScore: m.Similarity})
	}
	return results, nil
}

func (s *Service) findFTS(ctx context.Context, query string, req FindRequest, validAt *time.Time) ([]*SearchResult, error) {
	// Rank in the virtual table first, then hydrate full rows. The fts
	// table carries only (memory_id, content), so joining for the rank is
	// cheap and the second lookup reuses the standard row scanner.
	sqlQuery := `SELECT memories_fts.memory_id, bm25(memories_fts)
		FROM memories_fts JOIN memories m ON m.id = memories_fts.memory_id
		WHERE memories_fts MATCH ? AND m.project_key = ?`
	args := []any{ftsQuery(query), s.db.ProjectKey}
	if req.Collection != "" {
		sqlQuery += " AND m.collection = ?"
		args = append(args, req.Collection)
	}
	if validAt != nil {
		sqlQuery += ` AND (m.valid_from IS NULL OR m.valid_from <= ?)
			AND (m.valid_until IS NULL OR m.valid_until > ?)`
		ts := validAt.UnixMilli()
		args = append(args, ts, ts)
	}
	sqlQuery += " ORDER BY bm25(memories_fts)"

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type hit struct {
		id   string
		rank float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]*SearchResult, 0, len(hits))
	for _, h := range hits {
		mem, err := s.Get(ctx, h.id)
		if err != nil {
			return nil, err
		}
		// bm25 returns lower-is-better (negative for good matches); map to
		// a positive descending score so decay can multiply it.
		results = append(results, &SearchResult{Memory: mem, RawScore: 1.0 / (1.0 + math.Max(h.rank, 0))})
	}
	return results, nil
}

const validityClause = ` AND (valid_from IS NULL OR valid_from <= ?)
	AND (valid_until IS NULL OR valid_until > ?)`

// similarQuery parameterizes a brute-force cosine scan over stored vectors.
type similarQuery struct {
	collection string
	validAt    *time.Time
	threshold  float64
	limit      int // 0 = unlimited
	exclude    string
}

// similarMatch pairs a memory with its similarity to the probe vector.
type similarMatch struct {
	Memory     *types.Memory
	Similarity float64
}

// scanSimilar walks every embedded memory and ranks by cosine similarity.
// Linear scan; fine for the expected corpus size of thousands of rows.
func (s *Service) scanSimilar(ctx context.Context, vec []float32, q similarQuery) ([]similarMatch, error) {
	query := selectMemory + " WHERE project_key = ? AND embedding IS NOT NULL"
	args := []any{s.db.ProjectKey}
	if q.collection != "" {
		query += " AND collection = ?"
		args = append(args, q.collection)
	}
	if q.exclude != "" {
		query += " AND id != ?"
		args = append(args, q.exclude)
	}
	if q.validAt != nil {
		query += validityClause
		ts := q.validAt.UnixMilli()
		args = append(args, ts, ts)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var matches []similarMatch
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		sim := embedder.Cosine(vec, mem.Embedding)
		if sim < q.threshold {
			continue
		}
		matches = append(matches, similarMatch{Memory: mem, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if q.limit > 0 && len(matches) > q.limit {
		matches = matches[:q.limit]
	}
	return matches, nil
}

// applyDecay computes score = raw * 0.5^(age_days / (90 * (0.5 + confidence))).
// High-confidence memories decay slower.
func applyDecay(results []*SearchResult, now time.Time) []*SearchResult {
	for _, r := range results {
		ageDays := now.Sub(r.Memory.CreatedAt).Hours() / 24
		halfLife := decayHalfLife * (0.5 + r.Memory.Confidence)
		r.DecayFactor = math.Pow(0.5, ageDays/halfLife)
		r.Score = r.RawScore * r.DecayFactor
	}
	return results
}

func filterTier(results []*SearchResult, tier DecayTier, now time.Time) []*SearchResult {
	var maxAge time.Duration
	switch tier {
	case TierHot:
		maxAge = 7 * 24 * time.Hour
	case TierWarm:
		maxAge = 30 * 24 * time.Hour
	default:
		return results
	}

	out := results[:0]
	for _, r := range results {
		if now.Sub(r.Memory.CreatedAt) <= maxAge {
			out = append(out, r)
		}
	}
	return out
}

// trackAccess bumps access counters on the returned rows in one event-bound
// transaction.
func (s *Service) trackAccess(ctx context.Context, query string, results []*SearchResult, ftsFallback bool) error {
	payload := &types.MemoryFoundPayload{Query: query, Count: len(results), FTSFallback: ftsFallback}
	_, err := s.events.Append(ctx, payload, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, r := range results {
			if _, err := tx.Exec(
				"UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE project_key = ? AND id = ?",
				now, s.db.ProjectKey, r.Memory.ID); err != nil {
				return err
			}
			r.Memory.AccessCount++
		}
		return nil
	})
	return err
}

// ftsQuery quotes each term so punctuation in user queries cannot break the
// FTS5 match syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}
