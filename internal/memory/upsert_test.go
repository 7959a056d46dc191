package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/analyzer"
	"github.com/loomhq/loom/internal/errs"
)

func TestUpsertWithoutSmartOpsIsStore(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)

	result, err := s.Upsert(context.Background(), UpsertRequest{
		StoreRequest: StoreRequest{Content: "plain add"},
	})
	require.NoError(t, err)
	assert.Equal(t, analyzer.OpAdd, result.Operation)

	_, err = s.Get(context.Background(), result.ID)
	assert.NoError(t, err)
}

func TestUpsertAddsWhenNothingSimilar(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"completely new topic": {0, 0, 1},
		"existing fact":        {1, 0, 0},
	}}
	s := testMemory(t, emb, &stubAnalyzer{})
	mustStore(t, s, "existing fact")

	result, err := s.Upsert(context.Background(), UpsertRequest{
		StoreRequest: StoreRequest{Content: "completely new topic"},
		UseSmartOps:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, analyzer.OpAdd, result.Operation)
	assert.Equal(t, "no similar memories", result.Reason)
}

func TestUpsertExactMatchIsNoop(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, &stubAnalyzer{})
	existing := mustStore(t, s, "the build takes five minutes")

	result, err := s.Upsert(context.Background(), UpsertRequest{
		StoreRequest: StoreRequest{Content: "the build takes five minutes"},
		UseSmartOps:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, analyzer.OpNoop, result.Operation)
	assert.Equal(t, existing.ID, result.ID)

	all, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 1, "no duplicate row")
}

func TestUpsertAnalyzerUpdate(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	target := mustStore(t, s, "the build takes five minutes")

	an := &stubAnalyzer{decision: &analyzer.Decision{
		Operation: analyzer.OpUpdate,
		TargetID:  target.ID,
		Reason:    "newer measurement",
	}}
	s.analyzer = an

	result, err := s.Upsert(context.Background(), UpsertRequest{
		StoreRequest: StoreRequest{Content: "the build takes nine minutes"},
		UseSmartOps:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, analyzer.OpUpdate, result.Operation)
	assert.Equal(t, target.ID, result.ID)

	got, err := s.Get(context.Background(), target.ID)
	require.NoError(t, err)
	assert.Equal(t, "the build takes nine minutes", got.Content)

	// FTS follows the update.
	hits, err := s.Find(context.Background(), "nine", FindRequest{FTS: true})
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestUpsertAnalyzerDelete(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	target := mustStore(t, s, "feature X is enabled")

	s.analyzer = &stubAnalyzer{decision: &analyzer.Decision{
		Operation: analyzer.OpDelete,
		TargetID:  target.ID,
		Reason:    "contradicted",
	}}

	result, err := s.Upsert(context.Background(), UpsertRequest{
		StoreRequest: StoreRequest{Content: "feature X was removed entirely"},
		UseSmartOps:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, analyzer.OpDelete, result.Operation)

	_, err = s.Get(context.Background(), target.ID)
	assert.True(t, errs.IsNotFound(err))
}

func TestUpsertFallsBackToAddWithoutAnalyzer(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	mustStore(t, s, "the build takes five minutes")

	result, err := s.Upsert(context.Background(), UpsertRequest{
		StoreRequest: StoreRequest{Content: "the build takes nine minutes"},
		UseSmartOps:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, analyzer.OpAdd, result.Operation)
	assert.Equal(t, "analyzer unavailable, defaulting to ADD", result.Reason)
}

func TestUpsertFallsBackToAddOnAnalyzerError(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, &stubAnalyzer{fail: true})
	mustStore(t, s, "the build takes five minutes")

	result, err := s.Upsert(context.Background(), UpsertRequest{
		StoreRequest: StoreRequest{Content: "the build takes nine minutes"},
		UseSmartOps:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, analyzer.OpAdd, result.Operation)
	assert.Equal(t, "analyzer unavailable, defaulting to ADD", result.Reason)

	all, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
