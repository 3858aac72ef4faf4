package services

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"insight-analysis-pipeline/internal/models"
)

// ContentStats are the derived reading statistics attached to every result.
type ContentStats struct {
	ContentLength      int
	WordCount          int
	ReadingTimeMinutes int
}

var latinWordRe = regexp.MustCompile(`[A-Za-z]+(?:['-][A-Za-z]+)*`)

// ComputeContentStats counts characters and words. The word count is the sum
// of CJK ideographs and Latin word tokens so mixed-language articles get a
// sensible reading time.
func ComputeContentStats(content string) ContentStats {
	cjkCount := 0
	for _, r := range content {
		if unicode.Is(unicode.Han, r) {
			cjkCount++
		}
	}
	latinCount := len(latinWordRe.FindAllString(content, -1))

	wordCount := cjkCount + latinCount
	readingTime := int(math.Ceil(float64(wordCount) / 300.0))
	if readingTime < 1 {
		readingTime = 1
	}

	return ContentStats{
		ContentLength:      utf8.RuneCountInString(content),
		WordCount:          wordCount,
		ReadingTimeMinutes: readingTime,
	}
}

var (
	githubRepoRe = regexp.MustCompile(`github\.com/([A-Za-z0-9_.-]+)/([A-Za-z0-9_.-]+)`)
	codeFenceRe  = regexp.MustCompile("```([a-zA-Z][a-zA-Z0-9+#-]*)")
)

var knownLicenses = []string{
	"MIT",
	"Apache-2.0",
	"GPL",
	"BSD-3-Clause",
	"ISC",
	"MPL-2.0",
}

// DetectOpenSource reports at most one outcome, first match wins:
// a GitHub repo reference, else a known license mention, else the language
// of the first fenced code block. The repo/license branches and the
// language-only branch are mutually exclusive terminal outcomes. Returns nil
// when nothing matched.
func DetectOpenSource(sourceURL, content string) *models.OpenSourceInfo {
	if match := githubRepoRe.FindStringSubmatch(sourceURL); match != nil {
		return &models.OpenSourceInfo{
			IsOpenSource: true,
			RepoURL:      normalizeRepoURL(match[1], match[2]),
		}
	}
	if match := githubRepoRe.FindStringSubmatch(content); match != nil {
		return &models.OpenSourceInfo{
			IsOpenSource: true,
			RepoURL:      normalizeRepoURL(match[1], match[2]),
		}
	}

	for _, license := range knownLicenses {
		if containsLicense(content, license) {
			return &models.OpenSourceInfo{
				IsOpenSource: true,
				License:      license,
			}
		}
	}

	if match := codeFenceRe.FindStringSubmatch(content); match != nil {
		return &models.OpenSourceInfo{
			IsOpenSource: false,
			Language:     strings.ToLower(match[1]),
		}
	}

	return nil
}

func normalizeRepoURL(owner, repo string) string {
	repo = strings.TrimSuffix(repo, ".git")
	repo = strings.TrimRight(repo, ".")
	return "https://github.com/" + owner + "/" + repo
}

func containsLicense(content, license string) bool {
	lower := strings.ToLower(content)
	needle := strings.ToLower(license)
	idx := strings.Index(lower, needle)
	for idx >= 0 {
		// Word-boundary check so "mit" inside "commitment" does not match.
		beforeOK := idx == 0 || !isWordChar(lower[idx-1])
		after := idx + len(needle)
		afterOK := after >= len(lower) || !isWordChar(lower[after])
		if beforeOK && afterOK {
			return true
		}
		next := strings.Index(lower[idx+1:], needle)
		if next < 0 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// rawAnalysis mirrors the JSON shape the model is asked for. Every field is
// optional; defaults are filled after decoding.
type rawAnalysis struct {
	OneLineSummary string `json:"one_line_summary"`
	Summary        string `json:"summary"`
	MainPoints     []struct {
		Point       string  `json:"point"`
		Explanation string  `json:"explanation"`
		Importance  float64 `json:"importance"`
	} `json:"main_points"`
	Tags            []string `json:"tags"`
	Domain          string   `json:"domain"`
	Subcategory     string   `json:"subcategory"`
	AIScore         float64  `json:"ai_score"`
	ScoreDimensions *struct {
		Depth        float64 `json:"depth"`
		Quality      float64 `json:"quality"`
		Practicality float64 `json:"practicality"`
		Novelty      float64 `json:"novelty"`
	} `json:"score_dimensions"`
	KeyQuotes []string `json:"key_quotes"`
}

// ParseAnalysisResponse decodes a model response defensively: the first
// balanced JSON object is extracted and every missing field gets a safe
// default. A response that cannot be parsed at all degrades to a trivial
// result rather than failing the pipeline.
func ParseAnalysisResponse(response string) *models.ArticleAnalysisResult {
	raw := ExtractJSONObject(response)
	if raw == "" {
		return degradedResult(response)
	}

	var parsed rawAnalysis
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return degradedResult(response)
	}

	result := &models.ArticleAnalysisResult{
		OneLineSummary: strings.TrimSpace(parsed.OneLineSummary),
		Summary:        strings.TrimSpace(parsed.Summary),
		Domain:         parsed.Domain,
		Subcategory:    parsed.Subcategory,
		AIScore:        parsed.AIScore,
		KeyQuotes:      parsed.KeyQuotes,
	}

	for _, p := range parsed.MainPoints {
		point := strings.TrimSpace(p.Point)
		if point == "" {
			continue
		}
		importance := p.Importance
		if importance < 0 {
			importance = 0
		}
		if importance > 1 {
			importance = 1
		}
		result.MainPoints = append(result.MainPoints, models.MainPoint{
			Point:       point,
			Explanation: strings.TrimSpace(p.Explanation),
			Importance:  importance,
		})
		if len(result.MainPoints) >= models.MaxMainPoints {
			break
		}
	}

	for _, tag := range parsed.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		result.Tags = append(result.Tags, tag)
		if len(result.Tags) >= models.MaxTags {
			break
		}
	}

	if result.AIScore <= 0 {
		result.AIScore = 5
	}
	if result.Domain == "" {
		result.Domain = "unknown"
	}
	if result.Subcategory == "" {
		result.Subcategory = "unknown"
	}

	dims := &models.ScoreDimensions{Depth: 5, Quality: 5, Practicality: 5, Novelty: 5}
	if parsed.ScoreDimensions != nil {
		if parsed.ScoreDimensions.Depth > 0 {
			dims.Depth = parsed.ScoreDimensions.Depth
		}
		if parsed.ScoreDimensions.Quality > 0 {
			dims.Quality = parsed.ScoreDimensions.Quality
		}
		if parsed.ScoreDimensions.Practicality > 0 {
			dims.Practicality = parsed.ScoreDimensions.Practicality
		}
		if parsed.ScoreDimensions.Novelty > 0 {
			dims.Novelty = parsed.ScoreDimensions.Novelty
		}
	}
	result.ScoreDimensions = dims

	return result
}

func degradedResult(response string) *models.ArticleAnalysisResult {
	trimmed := strings.TrimSpace(response)
	runes := []rune(trimmed)
	oneLine := trimmed
	if len(runes) > 50 {
		oneLine = string(runes[:50])
	}
	return &models.ArticleAnalysisResult{
		OneLineSummary:  oneLine,
		Summary:         trimmed,
		Domain:          "unknown",
		Subcategory:     "unknown",
		AIScore:         5,
		ScoreDimensions: &models.ScoreDimensions{Depth: 5, Quality: 5, Practicality: 5, Novelty: 5},
	}
}

// ExtractJSONObject returns the first balanced {...} span in s, tolerating
// markdown fences and prose around it. Returns "" when no balanced object
// exists.
func ExtractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
