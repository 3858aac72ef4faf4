package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-analysis-pipeline/internal/models"
)

func newTestExtractor(provider AIProvider, vectors VectorStore, relations RelationStore, articles ArticleStore) *RelationExtractor {
	return NewRelationExtractor(provider, testSelector(), vectors, relations, articles, testLogger())
}

func seedVectors(t *testing.T, store *memVectorStore, vectors map[string][]float64) {
	t.Helper()
	for entryID, vector := range vectors {
		require.NoError(t, store.Store(context.Background(), entryID, vector, nil))
	}
}

func TestFindRelatedArticlesNoVector(t *testing.T) {
	extractor := newTestExtractor(&mockProvider{}, newMemVectorStore(), &memRelationStore{}, newMemArticleStore())

	relations, err := extractor.FindRelatedArticles(context.Background(), "missing", "", 5, 0.7)
	require.NoError(t, err)
	assert.Empty(t, relations, "an entry without an embedding has no neighbors")
}

func TestFindRelatedArticlesSimilarityOnly(t *testing.T) {
	vectors := newMemVectorStore()
	seedVectors(t, vectors, map[string][]float64{
		"root":  {1, 0, 0},
		"close": {0.95, 0.1, 0},
		"near":  {0.8, 0.3, 0},
		"far":   {0, 1, 0},
	})
	relationStore := &memRelationStore{}
	provider := &mockProvider{}
	extractor := newTestExtractor(provider, vectors, relationStore, newMemArticleStore())

	relations, err := extractor.FindRelatedArticles(context.Background(), "root", "", 5, 0.7)
	require.NoError(t, err)

	assert.Equal(t, 0, provider.callCount(), "untyped discovery never calls the model")
	require.Len(t, relations, 2)
	for _, rel := range relations {
		assert.NotEqual(t, "root", rel.TargetID, "the entry never relates to itself")
		assert.Equal(t, models.RelationSimilar, rel.RelationType)
		assert.Equal(t, "root", rel.SourceID)
	}
	assert.Equal(t, "close", relations[0].TargetID, "results are ordered by similarity")

	persisted, err := relationStore.ListRelationsBySource(context.Background(), "root")
	require.NoError(t, err)
	assert.Len(t, persisted, 2, "discovered relations are persisted")
}

func TestFindRelatedArticlesConfirmsType(t *testing.T) {
	vectors := newMemVectorStore()
	seedVectors(t, vectors, map[string][]float64{
		"root": {1, 0, 0},
		"yes":  {0.95, 0.1, 0},
		"no":   {0.9, 0.2, 0},
	})
	articles := newMemArticleStore()
	for _, id := range []string{"root", "yes", "no"} {
		require.NoError(t, articles.SaveAnalysis(context.Background(), id, &models.ArticleAnalysisResult{
			OneLineSummary: "about " + id,
		}))
	}

	provider := &mockProvider{chatFn: func(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
		prompt := req.Messages[1].Content
		assert.Contains(t, prompt, "extend or build upon")
		// Confirm only the pair mentioning the "yes" article.
		if strings.Contains(prompt, "about yes") {
			return &ChatResponse{Content: "True."}, nil
		}
		return &ChatResponse{Content: "false"}, nil
	}}
	extractor := newTestExtractor(provider, vectors, &memRelationStore{}, articles)

	relations, err := extractor.FindRelatedArticles(context.Background(), "root", models.RelationExtension, 5, 0.7)
	require.NoError(t, err)

	require.Len(t, relations, 1)
	assert.Equal(t, "yes", relations[0].TargetID)
	assert.Equal(t, models.RelationExtension, relations[0].RelationType)
}

func TestFindRelatedArticlesConfirmationFailureFallsBack(t *testing.T) {
	vectors := newMemVectorStore()
	seedVectors(t, vectors, map[string][]float64{
		"root":   {1, 0, 0},
		"strong": {0.99, 0.05, 0},
		"weak":   {0.7, 0.5, 0.3},
	})
	provider := &mockProvider{chatFn: func(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
		return nil, fmt.Errorf("provider down")
	}}
	extractor := newTestExtractor(provider, vectors, &memRelationStore{}, newMemArticleStore())

	relations, err := extractor.FindRelatedArticles(context.Background(), "root", models.RelationPrerequisite, 5, 0.7)
	require.NoError(t, err, "per-candidate failures never fail the batch")

	require.Len(t, relations, 1, "only the very similar candidate survives the fallback")
	assert.Equal(t, "strong", relations[0].TargetID)
	assert.Equal(t, models.RelationSimilar, relations[0].RelationType, "fallback downgrades to a similarity edge")
	assert.Greater(t, relations[0].Strength, 0.85)
}

func TestFindRelatedArticlesRejectsUnknownType(t *testing.T) {
	extractor := newTestExtractor(&mockProvider{}, newMemVectorStore(), &memRelationStore{}, newMemArticleStore())

	_, err := extractor.FindRelatedArticles(context.Background(), "root", "sibling", 5, 0.7)
	assert.Error(t, err)
}

func TestBuildKnowledgeGraphLayersAndDedup(t *testing.T) {
	vectors := newMemVectorStore()
	// a-b-c form a tight cluster; d hangs off c; e is unrelated.
	seedVectors(t, vectors, map[string][]float64{
		"a": {1, 0, 0},
		"b": {0.97, 0.1, 0},
		"c": {0.94, 0.2, 0},
		"d": {0.85, 0.4, 0.2},
		"e": {0, 0, 1},
	})
	extractor := newTestExtractor(&mockProvider{}, vectors, &memRelationStore{}, newMemArticleStore())

	graph, err := extractor.BuildKnowledgeGraph(context.Background(), "a", 2)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, node := range graph.Nodes {
		_, dup := seen[node.EntryID]
		assert.False(t, dup, "node %s appears twice", node.EntryID)
		seen[node.EntryID] = node.Layer
		assert.LessOrEqual(t, node.Layer, 2)
	}

	assert.Equal(t, 0, seen["a"], "root sits at layer zero")
	assert.NotContains(t, seen, "e", "dissimilar article stays out of the graph")
	assert.NotEmpty(t, graph.Edges)
	for _, edge := range graph.Edges {
		assert.Equal(t, models.RelationSimilar, edge.RelationType)
		assert.GreaterOrEqual(t, edge.Strength, 0.7)
	}
}

func TestBuildKnowledgeGraphDepthZero(t *testing.T) {
	vectors := newMemVectorStore()
	seedVectors(t, vectors, map[string][]float64{
		"a": {1, 0, 0},
		"b": {0.99, 0.05, 0},
	})
	extractor := newTestExtractor(&mockProvider{}, vectors, &memRelationStore{}, newMemArticleStore())

	graph, err := extractor.BuildKnowledgeGraph(context.Background(), "a", 0)
	require.NoError(t, err)

	require.Len(t, graph.Nodes, 1, "depth zero returns just the root")
	assert.Empty(t, graph.Edges)
}

func TestBuildKnowledgeGraphCycleTerminates(t *testing.T) {
	vectors := newMemVectorStore()
	// Two nearly identical vectors point at each other forever.
	seedVectors(t, vectors, map[string][]float64{
		"x": {1, 0, 0},
		"y": {0.999, 0.01, 0},
	})
	extractor := newTestExtractor(&mockProvider{}, vectors, &memRelationStore{}, newMemArticleStore())

	graph, err := extractor.BuildKnowledgeGraph(context.Background(), "x", 4)
	require.NoError(t, err)

	assert.Len(t, graph.Nodes, 2, "visited set stops the cycle")
}

func TestBuildKnowledgeGraphMissingRootVector(t *testing.T) {
	extractor := newTestExtractor(&mockProvider{}, newMemVectorStore(), &memRelationStore{}, newMemArticleStore())

	graph, err := extractor.BuildKnowledgeGraph(context.Background(), "ghost", 3)
	require.NoError(t, err)

	require.Len(t, graph.Nodes, 1)
	assert.Empty(t, graph.Edges)
}
