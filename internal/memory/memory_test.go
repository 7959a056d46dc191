package memory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/analyzer"
	"github.com/loomhq/loom/internal/errs"
	"github.com/loomhq/loom/internal/eventstore"
	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/types"
)

// stubEmbedder returns canned vectors keyed by exact text, with a fallback
// vector for anything unknown. Setting fail simulates an unreachable
// endpoint.
type stubEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (e *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errs.New(errs.KindExternalUnavailable, "embedder_unavailable", "stub is down")
	}
	if vec, ok := e.vectors[text]; ok {
		return vec, nil
	}
	return []float32{1, 0, 0}, nil
}

func (e *stubEmbedder) Dimension() int { return 3 }

// stubAnalyzer returns canned answers and records calls.
type stubAnalyzer struct {
	decision   *analyzer.Decision
	tags       []string
	extraction *analyzer.Extraction
	fail       bool
}

func (a *stubAnalyzer) err() error {
	return errs.New(errs.KindExternalUnavailable, "analyzer_unavailable", "stub is down")
}

func (a *stubAnalyzer) AnalyzeOperation(context.Context, string, []analyzer.Candidate) (*analyzer.Decision, error) {
	if a.fail {
		return nil, a.err()
	}
	return a.decision, nil
}

func (a *stubAnalyzer) GenerateTags(context.Context, string) ([]string, error) {
	if a.fail {
		return nil, a.err()
	}
	return a.tags, nil
}

func (a *stubAnalyzer) ExtractEntities(context.Context, string) (*analyzer.Extraction, error) {
	if a.fail {
		return nil, a.err()
	}
	return a.extraction, nil
}

func (a *stubAnalyzer) SummarizeThread(context.Context, string, []*types.Message) (*types.ThreadSummary, error) {
	return nil, a.err()
}

func testMemory(t *testing.T, emb *stubEmbedder, an analyzer.Analyzer) *Service {
	t.Helper()
	mgr := storage.NewManager(t.TempDir(), zerolog.Nop())
	t.Cleanup(func() { _ = mgr.Close() })

	db, err := mgr.Get("/tmp/memory-test")
	require.NoError(t, err)

	events := eventstore.New(db, zerolog.Nop(), 16)
	var svc *Service
	if emb == nil {
		svc = NewService(db, events, nil, an, zerolog.Nop())
	} else {
		svc = NewService(db, events, emb, an, zerolog.Nop())
	}
	return svc
}

func mustStore(t *testing.T, s *Service, content string) *types.Memory {
	t.Helper()
	result, err := s.Store(context.Background(), StoreRequest{Content: content})
	require.NoError(t, err)
	return result.Memory
}

func TestStoreDefaults(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)

	mem := mustStore(t, s, "the deploy script lives in scripts/deploy.sh")
	assert.Regexp(t, `^mem-[0-9a-f]{16}$`, mem.ID)
	assert.Equal(t, "default", mem.Collection)
	assert.InDelta(t, 0.7, mem.Confidence, 1e-9)

	got, err := s.Get(context.Background(), mem.ID)
	require.NoError(t, err)
	assert.Equal(t, mem.Content, got.Content)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
}

func TestStoreClampsConfidence(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	high := 1.5
	result, err := s.Store(ctx, StoreRequest{Content: "very sure", Confidence: &high})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Memory.Confidence)

	low := -0.2
	result, err = s.Store(ctx, StoreRequest{Content: "not sure", Confidence: &low})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Memory.Confidence)
}

func TestStoreRequiresContentAndEmbedder(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	_, err := s.Store(context.Background(), StoreRequest{})
	assert.True(t, errs.IsValidation(err))

	down := testMemory(t, &stubEmbedder{fail: true}, nil)
	_, err = down.Store(context.Background(), StoreRequest{Content: "anything"})
	assert.True(t, errs.IsExternalUnavailable(err), "embedder failure aborts the store")

	none := testMemory(t, nil, nil)
	_, err = none.Store(context.Background(), StoreRequest{Content: "anything"})
	assert.True(t, errs.IsExternalUnavailable(err))
}

func TestStoreAutoTagDegradesGracefully(t *testing.T) {
	an := &stubAnalyzer{tags: []string{"deploy", "infra"}}
	s := testMemory(t, &stubEmbedder{}, an)

	result, err := s.Store(context.Background(), StoreRequest{Content: "deploy notes", AutoTag: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "infra"}, result.AutoTags)

	an.fail = true
	result, err = s.Store(context.Background(), StoreRequest{Content: "more notes", AutoTag: true})
	require.NoError(t, err, "analyzer failure does not abort the store")
	assert.Empty(t, result.AutoTags)
}

func TestStoreAutoLink(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"postgres runs on port 5432":      {1, 0, 0},
		"postgres listens on port 5432":   {0.95, 0.05, 0},
		"the sky was clear this morning":  {0, 1, 0},
		"postgres connection notes again": {0.9, 0.1, 0},
	}}
	s := testMemory(t, emb, nil)
	ctx := context.Background()

	first := mustStore(t, s, "postgres runs on port 5432")
	mustStore(t, s, "the sky was clear this morning")

	result, err := s.Store(ctx, StoreRequest{Content: "postgres listens on port 5432", AutoLink: true})
	require.NoError(t, err)
	require.Len(t, result.Links, 1, "only the similar memory links")
	assert.Equal(t, first.ID, result.Links[0].Target)
	assert.Equal(t, "related", result.Links[0].LinkType)
	assert.GreaterOrEqual(t, result.Links[0].Strength, 0.7)

	linked, err := s.GetLinkedMemories(ctx, result.Memory.ID, "")
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, first.ID, linked[0].Memory.ID)
}

func TestRemoveDeletesEverywhere(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	mem := mustStore(t, s, "short lived fact")
	require.NoError(t, s.Remove(ctx, mem.ID))

	_, err := s.Get(ctx, mem.ID)
	assert.True(t, errs.IsNotFound(err))

	// FTS row is gone too.
	results, err := s.Find(ctx, "short lived", FindRequest{FTS: true})
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.True(t, errs.IsNotFound(s.Remove(ctx, mem.ID)), "double remove")
}

func TestValidateResetsDecayClock(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	mem := mustStore(t, s, "aging fact")
	backdate(t, s, mem.ID, 60)

	require.NoError(t, s.Validate(ctx, mem.ID))
	got, err := s.Get(ctx, mem.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)

	assert.True(t, errs.IsNotFound(s.Validate(ctx, "mem-0000000000000000")))
}

func TestListAndStats(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	mustStore(t, s, "fact one")
	_, err := s.Store(ctx, StoreRequest{Content: "fact two", Collection: "ops"})
	require.NoError(t, err)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ops, err := s.List(ctx, "ops")
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, map[string]int{"default": 1, "ops": 1}, stats.ByCollection)
	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)
}

// backdate shifts a memory's created_at n days into the past.
func backdate(t *testing.T, s *Service, id string, days int) {
	t.Helper()
	ts := time.Now().AddDate(0, 0, -days).UnixMilli()
	_, err := s.db.Exec("UPDATE memories SET created_at = ? WHERE id = ?", ts, id)
	require.NoError(t, err)
}
