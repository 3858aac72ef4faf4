package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeContentStatsEnglish(t *testing.T) {
	stats := ComputeContentStats("This article has exactly six words.")

	assert.Equal(t, 6, stats.WordCount)
	assert.Equal(t, 35, stats.ContentLength)
	assert.Equal(t, 1, stats.ReadingTimeMinutes)
}

func TestComputeContentStatsMixedLanguage(t *testing.T) {
	stats := ComputeContentStats("Go 语言非常适合 backend services")

	// 6 Han characters plus 3 Latin tokens.
	assert.Equal(t, 9, stats.WordCount)
}

func TestComputeContentStatsReadingTime(t *testing.T) {
	stats := ComputeContentStats(strings.Repeat("word ", 700))
	assert.Equal(t, 700, stats.WordCount)
	assert.Equal(t, 3, stats.ReadingTimeMinutes, "700 words at 300 wpm rounds up to 3 minutes")
}

func TestComputeContentStatsEmptyFloorsAtOneMinute(t *testing.T) {
	stats := ComputeContentStats("")
	assert.Equal(t, 0, stats.WordCount)
	assert.Equal(t, 1, stats.ReadingTimeMinutes)
}

func TestDetectOpenSourceRepoFromURL(t *testing.T) {
	info := DetectOpenSource("https://github.com/redis/go-redis", "no repo mentioned in body")

	require.NotNil(t, info)
	assert.True(t, info.IsOpenSource)
	assert.Equal(t, "https://github.com/redis/go-redis", info.RepoURL)
}

func TestDetectOpenSourceRepoFromContent(t *testing.T) {
	info := DetectOpenSource("https://blog.example.com/post", "Check out github.com/gin-gonic/gin.git for the code.")

	require.NotNil(t, info)
	assert.True(t, info.IsOpenSource)
	assert.Equal(t, "https://github.com/gin-gonic/gin", info.RepoURL, ".git suffix and trailing dot are stripped")
}

func TestDetectOpenSourceLicense(t *testing.T) {
	info := DetectOpenSource("", "The project is released under the MIT license.")

	require.NotNil(t, info)
	assert.True(t, info.IsOpenSource)
	assert.Equal(t, "MIT", info.License)
}

func TestDetectOpenSourceLicenseWordBoundary(t *testing.T) {
	info := DetectOpenSource("", "Their commitment to quality shows, and they submit patches upstream.")
	assert.Nil(t, info, "substring matches inside words do not count as licenses")
}

func TestDetectOpenSourceCodeFenceLanguage(t *testing.T) {
	content := "Here is an example:\n```Python\nprint('hi')\n```\n"
	info := DetectOpenSource("", content)

	require.NotNil(t, info)
	assert.False(t, info.IsOpenSource, "a code sample alone does not make an article open source")
	assert.Equal(t, "python", info.Language)
}

func TestDetectOpenSourceNothing(t *testing.T) {
	assert.Nil(t, DetectOpenSource("", "A plain article about cooking."))
}

func TestParseAnalysisResponseFullObject(t *testing.T) {
	result := ParseAnalysisResponse(analysisJSON("full summary"))

	assert.Equal(t, "full summary", result.Summary)
	assert.Equal(t, "gist", result.OneLineSummary)
	assert.Equal(t, "technology", result.Domain)
	assert.Equal(t, float64(7), result.AIScore)
	require.NotNil(t, result.ScoreDimensions)
	assert.Equal(t, float64(8), result.ScoreDimensions.Quality)
	require.Len(t, result.MainPoints, 1)
	assert.Equal(t, 0.9, result.MainPoints[0].Importance)
}

func TestParseAnalysisResponseFillsDefaults(t *testing.T) {
	result := ParseAnalysisResponse(`{"summary": "only a summary"}`)

	assert.Equal(t, "only a summary", result.Summary)
	assert.Equal(t, "unknown", result.Domain)
	assert.Equal(t, "unknown", result.Subcategory)
	assert.Equal(t, float64(5), result.AIScore)
	require.NotNil(t, result.ScoreDimensions)
	assert.Equal(t, float64(5), result.ScoreDimensions.Depth)
}

func TestParseAnalysisResponsePartialDimensions(t *testing.T) {
	result := ParseAnalysisResponse(`{"summary": "s", "score_dimensions": {"depth": 9}}`)

	require.NotNil(t, result.ScoreDimensions)
	assert.Equal(t, float64(9), result.ScoreDimensions.Depth)
	assert.Equal(t, float64(5), result.ScoreDimensions.Quality, "unreported dimensions default to 5")
}

func TestParseAnalysisResponseClampsAndCaps(t *testing.T) {
	var points strings.Builder
	for i := 0; i < 15; i++ {
		if i > 0 {
			points.WriteString(",")
		}
		points.WriteString(`{"point": "point number `)
		points.WriteByte(byte('a' + i))
		points.WriteString(`", "importance": 1.7}`)
	}
	response := `{"summary": "s", "main_points": [` + points.String() + `], "tags": ["a","b","c","d","e","f","g","h","i","j"]}`

	result := ParseAnalysisResponse(response)

	assert.Len(t, result.MainPoints, 10)
	assert.Equal(t, 1.0, result.MainPoints[0].Importance, "importance clamps to [0,1]")
	assert.Len(t, result.Tags, 8)
}

func TestParseAnalysisResponseTolerantOfProse(t *testing.T) {
	response := "Sure, here is the analysis:\n```json\n{\"summary\": \"wrapped\", \"domain\": \"science\"}\n```\nHope that helps!"
	result := ParseAnalysisResponse(response)

	assert.Equal(t, "wrapped", result.Summary)
	assert.Equal(t, "science", result.Domain)
}

func TestParseAnalysisResponseDegrades(t *testing.T) {
	raw := strings.Repeat("not json at all ", 20)
	result := ParseAnalysisResponse(raw)

	assert.Equal(t, strings.TrimSpace(raw), result.Summary)
	assert.Len(t, []rune(result.OneLineSummary), 50)
	assert.Equal(t, "unknown", result.Domain)
	assert.Equal(t, float64(5), result.AIScore)
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"bare", `{"a": 1}`, `{"a": 1}`},
		{"nested", `before {"a": {"b": 2}} after`, `{"a": {"b": 2}}`},
		{"brace in string", `{"a": "}{"}`, `{"a": "}{"}`},
		{"escaped quote", `{"a": "say \"hi\" {now}"}`, `{"a": "say \"hi\" {now}"}`},
		{"unbalanced", `{"a": 1`, ""},
		{"no object", "just text", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractJSONObject(tc.input))
		})
	}
}
