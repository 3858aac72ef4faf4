package services

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"insight-analysis-pipeline/internal/config"
	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
)

// SegmentAnalyzer handles mid-length articles that need chunk-aware handling
// but not the full parallel merge path. SmartAnalyzer treats it as an opaque
// collaborator.
type SegmentAnalyzer interface {
	AnalyzeSegmented(ctx context.Context, content, language string) (*models.ArticleAnalysisResult, error)
}

// SmartAnalyzer dispatches an article to the short, segmented or long
// analysis strategy based on its length, then enriches the result with
// derived statistics and open-source detection.
type SmartAnalyzer struct {
	provider  AIProvider
	selector  *ModelSelector
	segmented SegmentAnalyzer
	cfg       config.AnalyzerConfig
	logger    *logger.Logger
}

func NewSmartAnalyzer(provider AIProvider, selector *ModelSelector, segmented SegmentAnalyzer, cfg config.AnalyzerConfig, log *logger.Logger) *SmartAnalyzer {
	return &SmartAnalyzer{
		provider:  provider,
		selector:  selector,
		segmented: segmented,
		cfg:       cfg,
		logger:    log,
	}
}

// Analyze produces the canonical analysis result for one article. Partial
// failures inside a strategy degrade the output; only empty input is
// rejected outright.
func (a *SmartAnalyzer) Analyze(ctx context.Context, content string, meta *models.ArticleMetadata) (*models.ArticleAnalysisResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, models.ErrEmptyContent
	}

	start := time.Now()
	language := ""
	sourceURL := ""
	if meta != nil {
		language = meta.Language
		sourceURL = meta.URL
	}

	length := utf8.RuneCountInString(content)

	var result *models.ArticleAnalysisResult
	var err error
	var strategy string

	switch {
	case length <= a.cfg.ShortThreshold:
		strategy = "short"
		result, err = a.analyzeDirect(ctx, content, language)
	case length <= a.cfg.SegmentThreshold:
		strategy = "segmented"
		result, err = a.segmented.AnalyzeSegmented(ctx, content, language)
	default:
		strategy = "long"
		result, err = a.analyzeLong(ctx, content, language)
	}
	if err != nil {
		return nil, err
	}

	// Enrichments run on every path.
	stats := ComputeContentStats(content)
	result.ContentLength = stats.ContentLength
	result.WordCount = stats.WordCount
	result.ReadingTimeMinutes = stats.ReadingTimeMinutes
	result.OpenSource = DetectOpenSource(sourceURL, content)

	if result.ProcessingTimeMs == 0 {
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
	}

	a.logger.Info("article analysis completed",
		"strategy", strategy,
		"content_length", length,
		"model", result.AnalysisModel,
		"main_points", len(result.MainPoints),
		"tags", len(result.Tags),
		"duration_ms", time.Since(start).Milliseconds())

	return result, nil
}

func (a *SmartAnalyzer) analyzeDirect(ctx context.Context, content, language string) (*models.ArticleAnalysisResult, error) {
	model := a.selector.SelectModel(language, StageAnalysis)

	resp, err := a.provider.Chat(ctx, &ChatRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: buildAnalysisPrompt(content)},
		},
		ResponseFormat: "json_object",
		MaxTokens:      4096,
		Temperature:    0.3,
	})
	if err != nil {
		return nil, err
	}

	result := ParseAnalysisResponse(resp.Content)
	result.AnalysisModel = model
	result.ProcessingTimeMs = resp.ProcessingTime.Milliseconds()
	return result, nil
}

// analyzeLong splits the article into segments, analyzes them all
// concurrently and merges the partial results. A failing segment is replaced
// by an empty outcome rather than aborting the batch.
func (a *SmartAnalyzer) analyzeLong(ctx context.Context, content, language string) (*models.ArticleAnalysisResult, error) {
	segments := SplitSegments(content, a.cfg.SegmentMaxLength)
	if len(segments) == 0 {
		return nil, models.ErrEmptyContent
	}

	model := a.selector.SelectModel(language, StageAnalysis)
	outcomes := make([]segmentOutcome, len(segments))

	var wg sync.WaitGroup
	for i, segment := range segments {
		wg.Add(1)
		go func(idx int, text string) {
			defer wg.Done()
			result, err := a.analyzeSegment(ctx, text, model, idx, len(segments))
			if err != nil {
				a.logger.Warn("segment analysis failed, substituting empty result",
					"segment", idx, "error", err.Error())
				outcomes[idx] = segmentOutcome{Err: err}
				return
			}
			outcomes[idx] = segmentOutcome{Result: result}
		}(i, segment)
	}
	wg.Wait()

	merged := MergeSegmentResults(outcomes, a.cfg.SimilarityThreshold)
	merged.AnalysisModel = "merged"
	return merged, nil
}

func (a *SmartAnalyzer) analyzeSegment(ctx context.Context, segment, model string, index, total int) (*models.ArticleAnalysisResult, error) {
	resp, err := a.provider.Chat(ctx, &ChatRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: buildSegmentPrompt(segment, index, total)},
		},
		ResponseFormat: "json_object",
		MaxTokens:      2048,
		Temperature:    0.3,
	})
	if err != nil {
		return nil, err
	}

	result := ParseAnalysisResponse(resp.Content)
	result.AnalysisModel = model
	result.ProcessingTimeMs = resp.ProcessingTime.Milliseconds()
	return result, nil
}

// segmentOutcome makes the substitution policy for failed segments explicit:
// the merge step sees every segment's success or failure and folds them in
// original order.
type segmentOutcome struct {
	Result *models.ArticleAnalysisResult
	Err    error
}

var (
	paragraphSplitRe = regexp.MustCompile(`\n\s*\n`)
	sentenceRe       = regexp.MustCompile(`[^.!?。！？]+[.!?。！？]+|[^.!?。！？]+$`)
)

// SplitSegments splits article text on blank-line paragraph boundaries and
// accumulates paragraphs into segments of at most maxLen runes. A single
// paragraph longer than maxLen is further split on sentence boundaries.
// Deterministic and idempotent for identical input and maxLen.
func SplitSegments(content string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = 3000
	}

	var segments []string
	var buffer strings.Builder
	bufferLen := 0

	flush := func() {
		if trimmed := strings.TrimSpace(buffer.String()); trimmed != "" {
			segments = append(segments, trimmed)
		}
		buffer.Reset()
		bufferLen = 0
	}

	appendChunk := func(chunk string) {
		chunkLen := utf8.RuneCountInString(chunk)
		if bufferLen > 0 && bufferLen+chunkLen > maxLen {
			flush()
		}
		if bufferLen > 0 {
			buffer.WriteString("\n\n")
		}
		buffer.WriteString(chunk)
		bufferLen += chunkLen
	}

	for _, paragraph := range paragraphSplitRe.Split(content, -1) {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if utf8.RuneCountInString(paragraph) <= maxLen {
			appendChunk(paragraph)
			continue
		}
		// Oversized paragraph: fall back to sentence accumulation.
		for _, sentence := range sentenceRe.FindAllString(paragraph, -1) {
			sentence = strings.TrimSpace(sentence)
			if sentence == "" {
				continue
			}
			sentenceLen := utf8.RuneCountInString(sentence)
			if bufferLen > 0 && bufferLen+sentenceLen > maxLen {
				flush()
			}
			if bufferLen > 0 {
				buffer.WriteString(" ")
			}
			buffer.WriteString(sentence)
			bufferLen += sentenceLen
		}
	}
	flush()

	return segments
}

// MergeSegmentResults folds per-segment outcomes into one coherent result.
// Segments are processed in their original order so deduplication ties are
// broken deterministically: the earlier point always wins.
func MergeSegmentResults(outcomes []segmentOutcome, similarityThreshold float64) *models.ArticleAnalysisResult {
	var valid []*models.ArticleAnalysisResult
	var totalTime int64
	for _, outcome := range outcomes {
		totalTime += outcomeProcessingTime(outcome)
		if outcome.Err != nil || outcome.Result == nil {
			continue
		}
		if strings.TrimSpace(outcome.Result.Summary) == "" {
			continue
		}
		valid = append(valid, outcome.Result)
	}

	merged := &models.ArticleAnalysisResult{
		Domain:           "unknown",
		Subcategory:      "unknown",
		AIScore:          5,
		ProcessingTimeMs: totalTime,
	}
	if len(valid) == 0 {
		return merged
	}

	// Summaries concatenate; there is no re-summarization pass.
	summaries := make([]string, 0, len(valid))
	for _, result := range valid {
		summaries = append(summaries, result.Summary)
	}
	merged.Summary = strings.Join(summaries, "\n\n")
	merged.OneLineSummary = valid[0].OneLineSummary

	merged.MainPoints = dedupMainPoints(valid, similarityThreshold)
	merged.Tags = dedupTags(valid)

	// Overall score: mean of segments that produced one.
	var scoreSum float64
	scoreCount := 0
	for _, result := range valid {
		if result.AIScore > 0 {
			scoreSum += result.AIScore
			scoreCount++
		}
	}
	if scoreCount > 0 {
		merged.AIScore = math.Round(scoreSum / float64(scoreCount))
	}

	merged.ScoreDimensions = averageDimensions(valid)

	// First valid segment wins for the fields that do not merge.
	merged.Domain = valid[0].Domain
	merged.Subcategory = valid[0].Subcategory
	merged.KeyQuotes = valid[0].KeyQuotes

	return merged
}

func outcomeProcessingTime(outcome segmentOutcome) int64 {
	if outcome.Result == nil {
		return 0
	}
	return outcome.Result.ProcessingTimeMs
}

func dedupMainPoints(results []*models.ArticleAnalysisResult, threshold float64) []models.MainPoint {
	var accepted []models.MainPoint
	for _, result := range results {
		for _, point := range result.MainPoints {
			text := strings.TrimSpace(point.Point)
			if text == "" {
				continue
			}
			duplicate := false
			for _, existing := range accepted {
				if JaccardSimilarity(existing.Point, text) > threshold {
					duplicate = true
					break
				}
			}
			if duplicate {
				continue
			}
			accepted = append(accepted, models.MainPoint{
				Point:       text,
				Explanation: "",
				Importance:  0.5,
			})
			if len(accepted) >= models.MaxMainPoints {
				return accepted
			}
		}
	}
	return accepted
}

func dedupTags(results []*models.ArticleAnalysisResult) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, result := range results {
		for _, tag := range result.Tags {
			tag = strings.TrimSpace(tag)
			if tag == "" || seen[strings.ToLower(tag)] {
				continue
			}
			seen[strings.ToLower(tag)] = true
			tags = append(tags, tag)
			if len(tags) >= models.MaxTags {
				return tags
			}
		}
	}
	return tags
}

func averageDimensions(results []*models.ArticleAnalysisResult) *models.ScoreDimensions {
	var sum models.ScoreDimensions
	count := 0
	for _, result := range results {
		if result.ScoreDimensions == nil {
			continue
		}
		sum.Depth += result.ScoreDimensions.Depth
		sum.Quality += result.ScoreDimensions.Quality
		sum.Practicality += result.ScoreDimensions.Practicality
		sum.Novelty += result.ScoreDimensions.Novelty
		count++
	}
	if count == 0 {
		return nil
	}
	n := float64(count)
	return &models.ScoreDimensions{
		Depth:        math.Round(sum.Depth / n),
		Quality:      math.Round(sum.Quality / n),
		Practicality: math.Round(sum.Practicality / n),
		Novelty:      math.Round(sum.Novelty / n),
	}
}

// JaccardSimilarity computes bag-of-words overlap between two strings:
// intersection over union of their lower-cased whitespace-tokenized sets.
func JaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for token := range setA {
		if setB[token] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range strings.Fields(strings.ToLower(s)) {
		set[token] = true
	}
	return set
}

// DefaultSegmentAnalyzer serves the mid-length path: it chunks internally
// and issues a single combined call that sees every chunk, returning one
// coherent result.
type DefaultSegmentAnalyzer struct {
	provider AIProvider
	selector *ModelSelector
	cfg      config.AnalyzerConfig
	logger   *logger.Logger
}

func NewDefaultSegmentAnalyzer(provider AIProvider, selector *ModelSelector, cfg config.AnalyzerConfig, log *logger.Logger) *DefaultSegmentAnalyzer {
	return &DefaultSegmentAnalyzer{provider: provider, selector: selector, cfg: cfg, logger: log}
}

func (d *DefaultSegmentAnalyzer) AnalyzeSegmented(ctx context.Context, content, language string) (*models.ArticleAnalysisResult, error) {
	segments := SplitSegments(content, d.cfg.SegmentMaxLength)
	if len(segments) == 0 {
		return nil, models.ErrEmptyContent
	}

	model := d.selector.SelectModel(language, StageAnalysis)

	var sections strings.Builder
	for i, segment := range segments {
		fmt.Fprintf(&sections, "--- Section %d of %d ---\n%s\n\n", i+1, len(segments), segment)
	}

	resp, err := d.provider.Chat(ctx, &ChatRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: buildSegmentedPrompt(sections.String())},
		},
		ResponseFormat: "json_object",
		MaxTokens:      4096,
		Temperature:    0.3,
	})
	if err != nil {
		return nil, err
	}

	result := ParseAnalysisResponse(resp.Content)
	result.AnalysisModel = "segmented:" + model
	result.ProcessingTimeMs = resp.ProcessingTime.Milliseconds()
	return result, nil
}

const analysisSystemPrompt = "You are an expert article analyst. You respond with a single JSON object and nothing else."

const analysisSchemaBlock = `Respond with exactly this JSON structure:
{
  "one_line_summary": "ultra-short gist, at most ~20 characters",
  "summary": "2-4 paragraph summary",
  "main_points": [
    {"point": "key point", "explanation": "why it matters", "importance": 0.9}
  ],
  "tags": ["tag1", "tag2"],
  "domain": "top-level domain of the article",
  "subcategory": "more specific category",
  "ai_score": 7,
  "score_dimensions": {"depth": 7, "quality": 7, "practicality": 6, "novelty": 5},
  "key_quotes": ["notable quote"]
}

Rules:
- 3-5 main points ordered most important first, importance in [0,1]
- 3-5 tags
- ai_score and every score dimension are integers from 1 to 10
- Respond with the JSON object only, no markdown fences`

func buildAnalysisPrompt(content string) string {
	return fmt.Sprintf(`Analyze the following article.

ARTICLE:
%s

%s`, content, analysisSchemaBlock)
}

func buildSegmentPrompt(segment string, index, total int) string {
	return fmt.Sprintf(`Analyze section %d of %d of a longer article. Judge only what this section contains.

SECTION:
%s

%s`, index+1, total, segment, analysisSchemaBlock)
}

func buildSegmentedPrompt(sections string) string {
	return fmt.Sprintf(`Analyze the following article, provided as ordered sections. Produce one coherent analysis covering the whole article.

%s

%s`, sections, analysisSchemaBlock)
}
