package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
)

const (
	// Candidates at or above this similarity are accepted as "similar" when
	// the confirmation call itself fails.
	fallbackSimilarityThreshold = 0.85

	graphNeighborLimit = 3
	graphMinSimilarity = 0.7
)

// RelationExtractor discovers typed relations between articles by combining
// embedding similarity with an LLM confirmation pass.
type RelationExtractor struct {
	provider  AIProvider
	selector  *ModelSelector
	vectors   VectorStore
	relations RelationStore
	articles  ArticleStore
	logger    *logger.Logger
}

func NewRelationExtractor(provider AIProvider, selector *ModelSelector, vectors VectorStore, relations RelationStore, articles ArticleStore, log *logger.Logger) *RelationExtractor {
	return &RelationExtractor{
		provider:  provider,
		selector:  selector,
		vectors:   vectors,
		relations: relations,
		articles:  articles,
		logger:    log,
	}
}

// FindRelatedArticles returns up to limit articles related to the entry.
// Without a relation type it is a pure similarity ranking with no LLM calls.
// With a type, each candidate is confirmed individually; one candidate
// failing never fails the batch.
func (r *RelationExtractor) FindRelatedArticles(ctx context.Context, entryID string, relationType models.RelationType, limit int, minSimilarity float64) ([]models.ArticleRelation, error) {
	if limit <= 0 {
		limit = 5
	}
	if relationType != "" && !relationType.Valid() {
		return nil, models.NewValidationError("INVALID_RELATION_TYPE", fmt.Sprintf("unknown relation type %q", relationType))
	}

	start := time.Now()

	vector, err := r.vectors.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if vector == nil {
		// No embedding yet means no neighbors, not an error.
		return []models.ArticleRelation{}, nil
	}

	// Over-fetch so dropping self and unconfirmed candidates still fills
	// the requested count.
	matches, err := r.vectors.Search(ctx, vector, limit*2, minSimilarity)
	if err != nil {
		return nil, err
	}

	candidates := matches[:0]
	for _, match := range matches {
		if match.EntryID != entryID {
			candidates = append(candidates, match)
		}
	}

	var relations []models.ArticleRelation
	if relationType == "" {
		for _, match := range candidates {
			if len(relations) >= limit {
				break
			}
			relations = append(relations, models.ArticleRelation{
				SourceID:     entryID,
				TargetID:     match.EntryID,
				RelationType: models.RelationSimilar,
				Strength:     match.Similarity,
			})
		}
	} else {
		relations = r.confirmCandidates(ctx, entryID, relationType, candidates, limit)
	}

	for i := range relations {
		if err := r.relations.UpsertRelation(ctx, &relations[i]); err != nil {
			r.logger.Warn("failed to persist relation",
				"source_id", entryID, "target_id", relations[i].TargetID, "error", err.Error())
		}
	}

	r.logger.LogService("relations", "find_related", time.Since(start), map[string]interface{}{
		"entry_id":      entryID,
		"relation_type": string(relationType),
		"candidates":    len(candidates),
		"relations":     len(relations),
	}, nil)

	return relations, nil
}

func (r *RelationExtractor) confirmCandidates(ctx context.Context, entryID string, relationType models.RelationType, candidates []VectorMatch, limit int) []models.ArticleRelation {
	sourceAnalysis, err := r.articles.GetAnalysis(ctx, entryID)
	if err != nil {
		r.logger.Warn("source analysis unavailable for relation confirmation", "entry_id", entryID, "error", err.Error())
	}

	// Only the top candidates get a confirmation call each; rejected ones
	// are not backfilled from further down the ranking.
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	var relations []models.ArticleRelation
	for _, candidate := range candidates {
		confirmed, err := r.confirmRelation(ctx, sourceAnalysis, candidate, relationType)
		if err != nil {
			// Degrade to a similarity-only edge when the signal is strong.
			if candidate.Similarity > fallbackSimilarityThreshold {
				relations = append(relations, models.ArticleRelation{
					SourceID:     entryID,
					TargetID:     candidate.EntryID,
					RelationType: models.RelationSimilar,
					Strength:     candidate.Similarity,
					Reason:       "high embedding similarity, confirmation unavailable",
				})
			}
			continue
		}
		if confirmed {
			relations = append(relations, models.ArticleRelation{
				SourceID:     entryID,
				TargetID:     candidate.EntryID,
				RelationType: relationType,
				Strength:     candidate.Similarity,
			})
		}
	}
	return relations
}

// confirmRelation asks the model a yes/no question about the pair. Any
// response containing "true" counts as confirmation.
func (r *RelationExtractor) confirmRelation(ctx context.Context, source *models.ArticleAnalysisResult, candidate VectorMatch, relationType models.RelationType) (bool, error) {
	targetAnalysis, err := r.articles.GetAnalysis(ctx, candidate.EntryID)
	if err != nil {
		return false, err
	}

	resp, err := r.provider.Chat(ctx, &ChatRequest{
		Model: r.selector.SelectModel("", StageReflection),
		Messages: []ChatMessage{
			{Role: "system", Content: "You judge whether two articles stand in a given relation. Respond with exactly true or false."},
			{Role: "user", Content: buildRelationPrompt(source, targetAnalysis, relationType)},
		},
		MaxTokens:   16,
		Temperature: 0,
	})
	if err != nil {
		return false, err
	}

	return strings.Contains(strings.ToLower(resp.Content), "true"), nil
}

var relationQuestions = map[models.RelationType]string{
	models.RelationSimilar:       "Do these two articles cover substantially the same topic?",
	models.RelationPrerequisite:  "Does understanding the first article require the background the second article provides?",
	models.RelationExtension:     "Does the second article extend or build upon the ideas of the first article?",
	models.RelationContradiction: "Do these two articles make contradictory claims about the same subject?",
}

func buildRelationPrompt(source, target *models.ArticleAnalysisResult, relationType models.RelationType) string {
	var b strings.Builder
	b.WriteString(relationQuestions[relationType])
	b.WriteString("\n\nFIRST ARTICLE:\n")
	writeAnalysisSketch(&b, source)
	b.WriteString("\nSECOND ARTICLE:\n")
	writeAnalysisSketch(&b, target)
	b.WriteString("\nAnswer with exactly true or false.")
	return b.String()
}

func writeAnalysisSketch(b *strings.Builder, analysis *models.ArticleAnalysisResult) {
	if analysis == nil {
		b.WriteString("(no analysis available)\n")
		return
	}
	fmt.Fprintf(b, "Summary: %s\n", analysis.OneLineSummary)
	if len(analysis.Tags) > 0 {
		fmt.Fprintf(b, "Tags: %s\n", strings.Join(analysis.Tags, ", "))
	}
	if analysis.Domain != "" {
		fmt.Fprintf(b, "Domain: %s\n", analysis.Domain)
	}
}

// BuildKnowledgeGraph expands similarity neighborhoods breadth-first from
// the root entry. Each article appears as a node at most once, at the
// shallowest layer it was reached.
func (r *RelationExtractor) BuildKnowledgeGraph(ctx context.Context, rootID string, depth int) (*models.KnowledgeGraph, error) {
	if depth < 0 {
		depth = 0
	}

	graph := &models.KnowledgeGraph{
		Nodes: []models.GraphNode{{EntryID: rootID, Layer: 0}},
		Edges: []models.ArticleRelation{},
	}

	visited := map[string]bool{rootID: true}
	frontier := []models.GraphNode{{EntryID: rootID, Layer: 0}}

	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]

		if node.Layer >= depth {
			continue
		}

		vector, err := r.vectors.Get(ctx, node.EntryID)
		if err != nil {
			r.logger.Warn("skipping graph node with unreadable vector", "entry_id", node.EntryID, "error", err.Error())
			continue
		}
		if vector == nil {
			continue
		}

		matches, err := r.vectors.Search(ctx, vector, graphNeighborLimit+1, graphMinSimilarity)
		if err != nil {
			r.logger.Warn("graph neighbor search failed", "entry_id", node.EntryID, "error", err.Error())
			continue
		}

		neighbors := 0
		for _, match := range matches {
			if match.EntryID == node.EntryID {
				continue
			}
			if neighbors >= graphNeighborLimit {
				break
			}
			neighbors++

			// Edges record every discovered link, including links back into
			// already-visited nodes.
			graph.Edges = append(graph.Edges, models.ArticleRelation{
				SourceID:     node.EntryID,
				TargetID:     match.EntryID,
				RelationType: models.RelationSimilar,
				Strength:     match.Similarity,
			})

			if visited[match.EntryID] {
				continue
			}
			visited[match.EntryID] = true
			next := models.GraphNode{EntryID: match.EntryID, Layer: node.Layer + 1}
			graph.Nodes = append(graph.Nodes, next)
			frontier = append(frontier, next)
		}
	}

	return graph, nil
}
