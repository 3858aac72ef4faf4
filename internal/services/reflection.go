package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
)

// ReflectionEngine iteratively critiques and refines an analysis result
// against the source text, using the quality-optimized reflection models.
type ReflectionEngine struct {
	provider AIProvider
	selector *ModelSelector
	logger   *logger.Logger
}

func NewReflectionEngine(provider AIProvider, selector *ModelSelector, log *logger.Logger) *ReflectionEngine {
	return &ReflectionEngine{provider: provider, selector: selector, logger: log}
}

// Refine runs up to maxRounds critique-and-refine passes. It returns the
// best result reached, the number of rounds that actually executed, and the
// error that stopped it early (nil when it ran to completion or converged).
// The returned result is always usable even when err is non-nil.
func (r *ReflectionEngine) Refine(ctx context.Context, content string, current *models.ArticleAnalysisResult, language string, maxRounds int) (*models.ArticleAnalysisResult, int, error) {
	if current == nil || strings.TrimSpace(content) == "" || maxRounds <= 0 {
		return current, 0, nil
	}

	model := r.selector.SelectModel(language, StageReflection)
	result := current
	rounds := 0

	for round := 0; round < maxRounds; round++ {
		start := time.Now()

		currentJSON, err := json.Marshal(result)
		if err != nil {
			return result, rounds, models.NewInternalError("REFLECTION_MARSHAL_FAILED", "failed to serialize current result").WithCause(err)
		}

		resp, err := r.provider.Chat(ctx, &ChatRequest{
			Model: model,
			Messages: []ChatMessage{
				{Role: "system", Content: reflectionSystemPrompt},
				{Role: "user", Content: buildReflectionPrompt(content, string(currentJSON))},
			},
			ResponseFormat: "json_object",
			MaxTokens:      4096,
			Temperature:    0.2,
		})
		if err != nil {
			r.logger.Warn("reflection round failed, keeping previous result",
				"round", round+1, "error", err.Error())
			return result, rounds, err
		}

		raw := ExtractJSONObject(resp.Content)
		if raw == "" {
			// Unparseable critique: stop refining, keep what we have.
			return result, rounds, nil
		}

		var verdict struct {
			NoChanges bool `json:"no_changes"`
		}
		if err := json.Unmarshal([]byte(raw), &verdict); err == nil && verdict.NoChanges {
			r.logger.Debug("reflection converged", "round", round+1)
			return result, rounds, nil
		}

		refined := ParseAnalysisResponse(raw)
		result = applyRefinement(result, refined)
		result.ReflectionRounds++
		rounds++

		r.logger.LogService("reflection", "refine_round", time.Since(start), map[string]interface{}{
			"round": round + 1,
			"model": model,
		}, nil)
	}

	return result, rounds, nil
}

// applyRefinement overlays refined fields onto the base result while
// preserving provenance and derived statistics.
func applyRefinement(base, refined *models.ArticleAnalysisResult) *models.ArticleAnalysisResult {
	merged := *base

	if refined.OneLineSummary != "" {
		merged.OneLineSummary = refined.OneLineSummary
	}
	if refined.Summary != "" {
		merged.Summary = refined.Summary
	}
	if len(refined.MainPoints) > 0 {
		merged.MainPoints = refined.MainPoints
	}
	if len(refined.Tags) > 0 {
		merged.Tags = refined.Tags
	}
	if refined.Domain != "" && refined.Domain != "unknown" {
		merged.Domain = refined.Domain
	}
	if refined.Subcategory != "" && refined.Subcategory != "unknown" {
		merged.Subcategory = refined.Subcategory
	}
	if refined.AIScore > 0 {
		merged.AIScore = refined.AIScore
	}
	if refined.ScoreDimensions != nil {
		merged.ScoreDimensions = refined.ScoreDimensions
	}
	if len(refined.KeyQuotes) > 0 {
		merged.KeyQuotes = refined.KeyQuotes
	}

	return &merged
}

const reflectionSystemPrompt = "You are a meticulous editor reviewing an automated article analysis. You respond with a single JSON object and nothing else."

func buildReflectionPrompt(content, currentJSON string) string {
	return fmt.Sprintf(`Review the analysis below against the source article. Fix factual errors, vague summaries, missing key points and misjudged scores.

SOURCE ARTICLE:
%s

CURRENT ANALYSIS:
%s

If the analysis is already accurate and complete, respond with exactly {"no_changes": true}.
Otherwise respond with the full corrected analysis in the same JSON structure as the current analysis.`, content, currentJSON)
}
