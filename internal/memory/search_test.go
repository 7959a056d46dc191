package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/types"
)

func TestFindRanksBySimilarity(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"database port":                  {1, 0, 0},
		"postgres runs on port 5432":     {0.9, 0.1, 0},
		"the sky was clear this morning": {0, 1, 0},
	}}
	s := testMemory(t, emb, nil)
	ctx := context.Background()

	mustStore(t, s, "postgres runs on port 5432")
	mustStore(t, s, "the sky was clear this morning")

	results, err := s.Find(ctx, "database port", FindRequest{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "postgres runs on port 5432", results[0].Memory.Content)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestFindDecayPrefersFreshMemories(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"old fact about builds": {1, 0, 0},
		"new fact about builds": {1, 0, 0},
		"builds":                {1, 0, 0},
	}}
	s := testMemory(t, emb, nil)
	ctx := context.Background()

	old := mustStore(t, s, "old fact about builds")
	backdate(t, s, old.ID, 180)
	mustStore(t, s, "new fact about builds")

	results, err := s.Find(ctx, "builds", FindRequest{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "new fact about builds", results[0].Memory.Content,
		"identical raw scores, but the old memory decayed")
	assert.Less(t, results[1].DecayFactor, results[0].DecayFactor)
}

func TestFindDecayTiers(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	fresh := mustStore(t, s, "fresh entry")
	warm := mustStore(t, s, "warm entry")
	backdate(t, s, warm.ID, 20)
	stale := mustStore(t, s, "stale entry")
	backdate(t, s, stale.ID, 90)

	hot, err := s.Find(ctx, "entry", FindRequest{DecayTier: TierHot})
	require.NoError(t, err)
	require.Len(t, hot, 1)
	assert.Equal(t, fresh.ID, hot[0].Memory.ID)

	warmRes, err := s.Find(ctx, "entry", FindRequest{DecayTier: TierWarm})
	require.NoError(t, err)
	assert.Len(t, warmRes, 2)

	all, err := s.Find(ctx, "entry", FindRequest{DecayTier: TierAll})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFindSnippetAndExpand(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	mustStore(t, s, "marker "+string(long))

	results, err := s.Find(ctx, "marker", FindRequest{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Memory.Content, snippetLength+3)
	assert.True(t, len(results[0].Memory.Content) < 500)

	expanded, err := s.Find(ctx, "marker", FindRequest{Expand: true})
	require.NoError(t, err)
	assert.Len(t, expanded[0].Memory.Content, 507)
}

func TestFindFTSMode(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	mustStore(t, s, "the reservation sweeper runs every minute")
	mustStore(t, s, "unrelated note about breakfast")

	results, err := s.Find(ctx, "sweeper", FindRequest{FTS: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Memory.Content, "sweeper")
}

func TestFindFallsBackToFTSWhenEmbedderDown(t *testing.T) {
	emb := &stubEmbedder{}
	s := testMemory(t, emb, nil)
	ctx := context.Background()

	mustStore(t, s, "the reservation sweeper runs every minute")

	emb.fail = true
	results, err := s.Find(ctx, "sweeper", FindRequest{})
	require.NoError(t, err, "embedder outage degrades to lexical search")
	require.Len(t, results, 1)
}

func TestFindTrackAccess(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	mem := mustStore(t, s, "frequently used fact")

	_, err := s.Find(ctx, "fact", FindRequest{TrackAccess: true})
	require.NoError(t, err)
	_, err = s.Find(ctx, "fact", FindRequest{TrackAccess: true})
	require.NoError(t, err)

	got, err := s.Get(ctx, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	require.NotNil(t, got.LastAccessed)
	assert.WithinDuration(t, time.Now(), *got.LastAccessed, 5*time.Second)
}

func TestFindValidAt(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	oldMem := mustStore(t, s, "port is 5432")
	newMem := mustStore(t, s, "port is 6543")
	require.NoError(t, s.Supersede(ctx, oldMem.ID, newMem.ID))

	// As of now, only the successor is valid.
	current, err := s.FindValidAt(ctx, "port", time.Now().Add(time.Minute), FindRequest{})
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, newMem.ID, current[0].Memory.ID)

	// Before the supersession, only the original was valid.
	past, err := s.FindValidAt(ctx, "port", time.Now().Add(-time.Hour), FindRequest{})
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, oldMem.ID, past[0].Memory.ID)
}

func TestSupersessionChain(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	first := mustStore(t, s, "v1 of the fact")
	second := mustStore(t, s, "v2 of the fact")
	third := mustStore(t, s, "v3 of the fact")
	require.NoError(t, s.Supersede(ctx, first.ID, second.ID))
	require.NoError(t, s.Supersede(ctx, second.ID, third.ID))

	chain, err := s.GetSupersessionChain(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, first.ID, chain[0].ID)
	assert.Equal(t, third.ID, chain[2].ID)

	updated, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, updated.SupersededBy)
	assert.NotNil(t, updated.ValidUntil)
}

func TestSupersessionChainLoopGuard(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	a := mustStore(t, s, "loop a")
	b := mustStore(t, s, "loop b")
	// Corrupt the links directly; Supersede itself cannot produce a loop
	// without going through two calls.
	_, err := s.db.Exec("UPDATE memories SET superseded_by = ? WHERE id = ?", b.ID, a.ID)
	require.NoError(t, err)
	_, err = s.db.Exec("UPDATE memories SET superseded_by = ? WHERE id = ?", a.ID, b.ID)
	require.NoError(t, err)

	_, err = s.GetSupersessionChain(ctx, a.ID)
	require.Error(t, err)
}

func TestSupersedeValidation(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	mem := mustStore(t, s, "self")
	err := s.Supersede(ctx, mem.ID, mem.ID)
	assert.Error(t, err)

	err = s.Supersede(ctx, mem.ID, "mem-0000000000000000")
	assert.Error(t, err)
}

func TestFtsQueryQuotesTerms(t *testing.T) {
	assert.Equal(t, `"hello" "world"`, ftsQuery("hello world"))
	assert.Equal(t, `"don't" "stop"`, ftsQuery(`don't "stop"`))
}

func TestApplyDecayHighConfidenceDecaysSlower(t *testing.T) {
	now := time.Now()
	old := now.AddDate(0, 0, -90)
	results := []*SearchResult{
		{Memory: &types.Memory{CreatedAt: old, Confidence: 0.9}, RawScore: 1},
		{Memory: &types.Memory{CreatedAt: old, Confidence: 0.1}, RawScore: 1},
	}
	applyDecay(results, now)
	assert.Greater(t, results[0].DecayFactor, results[1].DecayFactor)
	// 90 days at confidence 0.5 is exactly one half-life.
	half := []*SearchResult{{Memory: &types.Memory{CreatedAt: old, Confidence: 0.5}, RawScore: 1}}
	applyDecay(half, now)
	assert.InDelta(t, 0.5, half[0].DecayFactor, 0.01)
}
