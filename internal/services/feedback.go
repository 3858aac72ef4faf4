package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
)

const (
	reflectionRoundsDefault     = 1
	reflectionRoundsImprovement = 3
)

// FeedbackEngine combines self-reflection with explicit user feedback to
// decide whether and how deeply to re-refine an analysis result.
type FeedbackEngine struct {
	provider   AIProvider
	selector   *ModelSelector
	reflection *ReflectionEngine
	store      FeedbackStore
	logger     *logger.Logger
}

func NewFeedbackEngine(provider AIProvider, selector *ModelSelector, reflection *ReflectionEngine, store FeedbackStore, log *logger.Logger) *FeedbackEngine {
	return &FeedbackEngine{
		provider:   provider,
		selector:   selector,
		reflection: reflection,
		store:      store,
		logger:     log,
	}
}

// ClassifySeverity grades feedback by its strongest negative signal; adding
// a signal can only raise the severity, never lower it.
func ClassifySeverity(feedback *models.UserFeedback) (models.FeedbackSeverity, bool) {
	if feedback == nil {
		return models.SeverityLow, false
	}

	severity := models.SeverityLow
	if feedback.Rating > 0 {
		switch {
		case feedback.Rating <= 2:
			severity = raiseSeverity(severity, models.SeverityHigh)
		case feedback.Rating <= 3:
			severity = raiseSeverity(severity, models.SeverityMedium)
		}
	}
	if feedback.IsHelpful != nil && !*feedback.IsHelpful {
		severity = raiseSeverity(severity, models.SeverityMedium)
	}
	if strings.TrimSpace(feedback.SummaryIssue) != "" {
		severity = raiseSeverity(severity, models.SeverityMedium)
	}

	return severity, severity != models.SeverityLow
}

func raiseSeverity(current, proposed models.FeedbackSeverity) models.FeedbackSeverity {
	if severityRank(proposed) > severityRank(current) {
		return proposed
	}
	return current
}

func severityRank(s models.FeedbackSeverity) int {
	switch s {
	case models.SeverityHigh:
		return 2
	case models.SeverityMedium:
		return 1
	default:
		return 0
	}
}

// SubmitFeedback upserts feedback for (entry, user). Resubmission resets the
// applied flag so the feedback is reconsidered on the next improvement pass.
func (e *FeedbackEngine) SubmitFeedback(ctx context.Context, feedback *models.UserFeedback) error {
	if feedback.EntryID == "" || feedback.UserID == "" {
		return models.NewValidationError("FEEDBACK_INVALID", "feedback requires entry_id and user_id")
	}
	if feedback.Rating != 0 && (feedback.Rating < 1 || feedback.Rating > 5) {
		return models.NewValidationError("FEEDBACK_INVALID", "rating must be between 1 and 5")
	}
	return e.store.Upsert(ctx, feedback)
}

// ImproveWithFeedback runs the two refinement steps. They are independent:
// a failure in either is logged and skipped, never surfaced to the caller.
func (e *FeedbackEngine) ImproveWithFeedback(ctx context.Context, entryID string, current *models.ArticleAnalysisResult, feedback *models.UserFeedback, content, language string) (*models.ImprovedResult, error) {
	if current == nil {
		return nil, models.NewValidationError("NO_CURRENT_RESULT", "cannot improve without an existing analysis result")
	}

	start := time.Now()
	severity, needsImprovement := ClassifySeverity(feedback)

	result := current
	stepsApplied := 0
	feedbackAnalysis := ""

	// Step 1: self-reflection whenever source content is available.
	if strings.TrimSpace(content) != "" {
		rounds := reflectionRoundsDefault
		if needsImprovement {
			rounds = reflectionRoundsImprovement
		}
		refined, roundsDone, err := e.reflection.Refine(ctx, content, result, language, rounds)
		if err != nil {
			e.logger.Warn("self-reflection step failed, continuing with prior result",
				"entry_id", entryID, "rounds_done", roundsDone, "error", err.Error())
		}
		result = refined
		if roundsDone > 0 {
			stepsApplied++
		}
	}

	// Step 2: explicit feedback adjustment, only when something is wrong.
	if feedback != nil && needsImprovement {
		feedbackAnalysis = describeFeedback(feedback)
		adjusted, err := e.adjustWithFeedback(ctx, result, feedbackAnalysis, content, language)
		if err != nil {
			e.logger.Warn("feedback adjustment step failed, keeping reflected result",
				"entry_id", entryID, "error", err.Error())
		} else {
			result = adjusted
			stepsApplied++
			if err := e.store.MarkApplied(ctx, entryID, feedback.UserID); err != nil {
				e.logger.Warn("failed to mark feedback applied", "entry_id", entryID, "error", err.Error())
			}
		}
	}

	e.logger.Info("feedback improvement completed",
		"entry_id", entryID,
		"severity", string(severity),
		"steps_applied", stepsApplied,
		"duration_ms", time.Since(start).Milliseconds())

	return &models.ImprovedResult{
		ArticleAnalysisResult: *result,
		FeedbackApplied:       stepsApplied,
		FeedbackAnalysis:      feedbackAnalysis,
	}, nil
}

// describeFeedback turns the structured feedback into the natural-language
// prompt fragment the adjustment call consumes.
func describeFeedback(feedback *models.UserFeedback) string {
	var parts []string
	if issue := strings.TrimSpace(feedback.SummaryIssue); issue != "" {
		parts = append(parts, fmt.Sprintf("The user reports a problem with the summary: %s", issue))
	}
	if len(feedback.TagSuggestions) > 0 {
		parts = append(parts, fmt.Sprintf("The user suggests these tags: %s", strings.Join(feedback.TagSuggestions, ", ")))
	}
	if feedback.Rating > 0 {
		parts = append(parts, fmt.Sprintf("The user rated the analysis %d out of 5", feedback.Rating))
	}
	if feedback.IsHelpful != nil {
		if *feedback.IsHelpful {
			parts = append(parts, "The user found the analysis helpful")
		} else {
			parts = append(parts, "The user found the analysis not helpful")
		}
	}
	if comments := strings.TrimSpace(feedback.Comments); comments != "" {
		parts = append(parts, fmt.Sprintf("Additional comments: %s", comments))
	}
	return strings.Join(parts, ". ")
}

// adjustedFields uses pointers so only the fields the model actually
// returned are merged over the current result.
type adjustedFields struct {
	OneLineSummary  *string                 `json:"one_line_summary"`
	Summary         *string                 `json:"summary"`
	MainPoints      *[]models.MainPoint     `json:"main_points"`
	Tags            *[]string               `json:"tags"`
	Domain          *string                 `json:"domain"`
	Subcategory     *string                 `json:"subcategory"`
	AIScore         *float64                `json:"ai_score"`
	ScoreDimensions *models.ScoreDimensions `json:"score_dimensions"`
	KeyQuotes       *[]string               `json:"key_quotes"`
}

func (e *FeedbackEngine) adjustWithFeedback(ctx context.Context, current *models.ArticleAnalysisResult, feedbackText, content, language string) (*models.ArticleAnalysisResult, error) {
	model := e.selector.SelectModel(language, StageReflection)

	currentJSON, err := json.Marshal(current)
	if err != nil {
		return nil, models.NewInternalError("FEEDBACK_MARSHAL_FAILED", "failed to serialize current result").WithCause(err)
	}

	resp, err := e.provider.Chat(ctx, &ChatRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: "You adjust article analyses based on reader feedback. You respond with a single JSON object containing only the fields that should change."},
			{Role: "user", Content: buildFeedbackPrompt(string(currentJSON), feedbackText, content)},
		},
		ResponseFormat: "json_object",
		MaxTokens:      4096,
		Temperature:    0.3,
	})
	if err != nil {
		return nil, err
	}

	raw := ExtractJSONObject(resp.Content)
	if raw == "" {
		return nil, models.NewExternalError("FEEDBACK_PARSE_FAILED", "adjustment response contained no JSON object")
	}

	var adjusted adjustedFields
	if err := json.Unmarshal([]byte(raw), &adjusted); err != nil {
		return nil, models.NewExternalError("FEEDBACK_PARSE_FAILED", "adjustment response is not valid JSON").WithCause(err)
	}

	// Shallow merge: adjusted fields win, provenance fields stay.
	merged := *current
	if adjusted.OneLineSummary != nil {
		merged.OneLineSummary = *adjusted.OneLineSummary
	}
	if adjusted.Summary != nil {
		merged.Summary = *adjusted.Summary
	}
	if adjusted.MainPoints != nil {
		merged.MainPoints = capMainPoints(*adjusted.MainPoints)
	}
	if adjusted.Tags != nil {
		merged.Tags = capTags(*adjusted.Tags)
	}
	if adjusted.Domain != nil {
		merged.Domain = *adjusted.Domain
	}
	if adjusted.Subcategory != nil {
		merged.Subcategory = *adjusted.Subcategory
	}
	if adjusted.AIScore != nil {
		merged.AIScore = *adjusted.AIScore
	}
	if adjusted.ScoreDimensions != nil {
		merged.ScoreDimensions = adjusted.ScoreDimensions
	}
	if adjusted.KeyQuotes != nil {
		merged.KeyQuotes = *adjusted.KeyQuotes
	}

	merged.AnalysisModel = current.AnalysisModel
	merged.ProcessingTimeMs = current.ProcessingTimeMs
	merged.ReflectionRounds = current.ReflectionRounds + 1

	return &merged, nil
}

func capMainPoints(points []models.MainPoint) []models.MainPoint {
	if len(points) > models.MaxMainPoints {
		return points[:models.MaxMainPoints]
	}
	return points
}

func capTags(tags []string) []string {
	if len(tags) > models.MaxTags {
		return tags[:models.MaxTags]
	}
	return tags
}

func buildFeedbackPrompt(currentJSON, feedbackText, content string) string {
	prompt := fmt.Sprintf(`A reader gave feedback on this article analysis.

CURRENT ANALYSIS:
%s

READER FEEDBACK:
%s
`, currentJSON, feedbackText)

	if strings.TrimSpace(content) != "" {
		prompt += fmt.Sprintf("\nSOURCE ARTICLE:\n%s\n", content)
	}

	prompt += `
Adjust the analysis to address the feedback. Respond with a JSON object containing only the fields that change, using the same field names as the current analysis.`
	return prompt
}

const maxTopIssues = 5
const issueTruncateLength = 50

// GetFeedbackStats aggregates all stored feedback: totals, helpfulness
// counts, the mean rating rounded to one decimal, and the five most common
// issues grouped by their first 50 characters.
func (e *FeedbackEngine) GetFeedbackStats(ctx context.Context) (*models.FeedbackStats, error) {
	all, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.FeedbackStats{Total: len(all)}
	ratingSum := 0
	ratingCount := 0
	issueCounts := make(map[string]int)

	for _, feedback := range all {
		if feedback.IsHelpful != nil {
			if *feedback.IsHelpful {
				stats.Helpful++
			} else {
				stats.NotHelpful++
			}
		}
		if feedback.Rating > 0 {
			ratingSum += feedback.Rating
			ratingCount++
		}
		if issue := strings.TrimSpace(feedback.SummaryIssue); issue != "" {
			issueCounts[truncateRunes(issue, issueTruncateLength)]++
		}
	}

	if ratingCount > 0 {
		stats.AverageRating = math.Round(float64(ratingSum)/float64(ratingCount)*10) / 10
	}

	issues := make([]models.IssueCount, 0, len(issueCounts))
	for issue, count := range issueCounts {
		issues = append(issues, models.IssueCount{Issue: issue, Count: count})
	}
	sort.Slice(issues, func(i, j int) bool {
		if issues[i].Count != issues[j].Count {
			return issues[i].Count > issues[j].Count
		}
		return issues[i].Issue < issues[j].Issue
	})
	if len(issues) > maxTopIssues {
		issues = issues[:maxTopIssues]
	}
	stats.TopIssues = issues

	return stats, nil
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
