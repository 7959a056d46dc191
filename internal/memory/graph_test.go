package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/analyzer"
	"github.com/loomhq/loom/internal/errs"
)

func storeWithEntities(t *testing.T, s *Service, content string, ex *analyzer.Extraction) string {
	t.Helper()
	s.analyzer = &stubAnalyzer{extraction: ex}
	result, err := s.Store(context.Background(), StoreRequest{Content: content, ExtractEntities: true})
	require.NoError(t, err)
	return result.Memory.ID
}

func TestEntityExtractionAndLookup(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	id := storeWithEntities(t, s, "alice maintains the billing service", &analyzer.Extraction{
		Entities: []analyzer.ExtractedEntity{
			{Name: "alice", EntityType: "person"},
			{Name: "billing", EntityType: "project"},
		},
		Relationships: []analyzer.ExtractedRelationship{
			{Subject: "alice", Predicate: "maintains", Object: "billing", Confidence: 0.9},
		},
	})

	byName, err := s.FindByEntity(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, id, byName[0].ID)

	byType, err := s.FindByEntity(ctx, "alice", "project")
	require.NoError(t, err)
	assert.Empty(t, byType, "type filter excludes the person entity")
}

func TestEntitiesDedupeAcrossMemories(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	ex := &analyzer.Extraction{Entities: []analyzer.ExtractedEntity{{Name: "alice", EntityType: "person"}}}
	storeWithEntities(t, s, "alice fixed the login bug", ex)
	storeWithEntities(t, s, "alice reviewed the payment flow", ex)

	memories, err := s.FindByEntity(ctx, "alice", "person")
	require.NoError(t, err)
	assert.Len(t, memories, 2)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entities, "same (name, type) pair is one entity")
}

func TestKnowledgeGraph(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	id := storeWithEntities(t, s, "alice maintains billing, which calls ledger", &analyzer.Extraction{
		Entities: []analyzer.ExtractedEntity{
			{Name: "alice", EntityType: "person"},
			{Name: "billing", EntityType: "project"},
			{Name: "ledger", EntityType: "project"},
		},
		Relationships: []analyzer.ExtractedRelationship{
			{Subject: "alice", Predicate: "maintains", Object: "billing", Confidence: 0.9},
			{Subject: "billing", Predicate: "calls", Object: "ledger", Confidence: 0.8},
		},
	})

	graph, err := s.GetKnowledgeGraph(ctx, id)
	require.NoError(t, err)
	assert.Len(t, graph.Entities, 3)
	assert.Len(t, graph.Relationships, 2)

	_, err = s.GetKnowledgeGraph(ctx, "mem-0000000000000000")
	assert.True(t, errs.IsNotFound(err))
}

func TestKnowledgeGraphSkipsUnknownRelationshipEntities(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	id := storeWithEntities(t, s, "partial extraction", &analyzer.Extraction{
		Entities: []analyzer.ExtractedEntity{{Name: "alice", EntityType: "person"}},
		Relationships: []analyzer.ExtractedRelationship{
			{Subject: "alice", Predicate: "uses", Object: "phantom", Confidence: 0.5},
		},
	})

	graph, err := s.GetKnowledgeGraph(ctx, id)
	require.NoError(t, err)
	assert.Len(t, graph.Entities, 1)
	assert.Empty(t, graph.Relationships, "relationships naming unlisted entities are dropped")
}

func TestAddLinkExplicit(t *testing.T) {
	s := testMemory(t, &stubEmbedder{}, nil)
	ctx := context.Background()

	a := mustStore(t, s, "cause")
	b := mustStore(t, s, "effect")
	require.NoError(t, s.AddLink(ctx, a.ID, b.ID, "causes", 0.8))

	linked, err := s.GetLinkedMemories(ctx, a.ID, "causes")
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, b.ID, linked[0].Memory.ID)
	assert.Equal(t, 0.8, linked[0].Link.Strength)

	// Unknown link type filter returns nothing.
	none, err := s.GetLinkedMemories(ctx, a.ID, "contradicts")
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.Error(t, s.AddLink(ctx, a.ID, "mem-0000000000000000", "causes", 1))
}

func TestRebuildLinks(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float32{
		"auth uses jwt tokens":       {1, 0, 0},
		"auth tokens expire hourly":  {0.98, 0.2, 0},
		"postgres runs in a sidecar": {0, 0, 1},
	}}
	s := testMemory(t, emb, nil)
	ctx := context.Background()

	jwt := mustStore(t, s, "auth uses jwt tokens")
	expiry := mustStore(t, s, "auth tokens expire hourly")
	pg := mustStore(t, s, "postgres runs in a sidecar")

	// A manual link of a different type must survive the rebuild.
	require.NoError(t, s.AddLink(ctx, jwt.ID, pg.ID, "derived", 0.4))

	n, err := s.RebuildLinks(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the two auth memories link to each other")

	related, err := s.GetLinkedMemories(ctx, jwt.ID, "related")
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, expiry.ID, related[0].Memory.ID)

	derived, err := s.GetLinkedMemories(ctx, jwt.ID, "derived")
	require.NoError(t, err)
	require.Len(t, derived, 1)

	orphan, err := s.GetLinkedMemories(ctx, pg.ID, "related")
	require.NoError(t, err)
	assert.Empty(t, orphan, "orthogonal memory stays unlinked")
}
