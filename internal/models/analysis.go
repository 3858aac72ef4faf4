package models

import "time"

const (
	MaxMainPoints = 10
	MaxTags       = 8
)

type MainPoint struct {
	Point       string  `json:"point"`
	Explanation string  `json:"explanation"`
	Importance  float64 `json:"importance"` // 0..1, most important points first
}

// ScoreDimensions breaks the overall score into four 0-10 axes. The struct is
// attached as a whole or not at all.
type ScoreDimensions struct {
	Depth        float64 `json:"depth"`
	Quality      float64 `json:"quality"`
	Practicality float64 `json:"practicality"`
	Novelty      float64 `json:"novelty"`
}

// OpenSourceInfo records the single outcome of open-source detection:
// either a repository/license match (IsOpenSource=true) or a code-language
// sighting (IsOpenSource=false). Absent entirely when nothing matched.
type OpenSourceInfo struct {
	IsOpenSource bool   `json:"is_open_source"`
	RepoURL      string `json:"repo_url,omitempty"`
	License      string `json:"license,omitempty"`
	Language     string `json:"language,omitempty"`
}

type ArticleAnalysisResult struct {
	OneLineSummary string      `json:"one_line_summary"`
	Summary        string      `json:"summary"`
	MainPoints     []MainPoint `json:"main_points,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	Domain         string      `json:"domain,omitempty"`
	Subcategory    string      `json:"subcategory,omitempty"`

	AIScore         float64          `json:"ai_score"` // 1..10
	ScoreDimensions *ScoreDimensions `json:"score_dimensions,omitempty"`
	KeyQuotes       []string         `json:"key_quotes,omitempty"`

	AnalysisModel    string `json:"analysis_model"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	ReflectionRounds int    `json:"reflection_rounds"`

	ContentLength      int `json:"content_length"`
	WordCount          int `json:"word_count"`
	ReadingTimeMinutes int `json:"reading_time_minutes"`

	OpenSource *OpenSourceInfo `json:"open_source,omitempty"`
}

// ImprovedResult extends an analysis result with the record of how many
// feedback-driven improvement steps actually ran.
type ImprovedResult struct {
	ArticleAnalysisResult
	FeedbackApplied  int    `json:"feedback_applied"`
	FeedbackAnalysis string `json:"feedback_analysis,omitempty"`
}

// ArticleMetadata is the slice of the article record the pipeline reads.
type ArticleMetadata struct {
	Title       string    `json:"title,omitempty"`
	Author      string    `json:"author,omitempty"`
	FeedName    string    `json:"feed_name,omitempty"`
	FeedURL     string    `json:"feed_url,omitempty"`
	URL         string    `json:"url,omitempty"`
	Language    string    `json:"language,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// TriageVerdict is the preliminary queue's cheap pass/reject decision.
type TriageVerdict struct {
	Keep     bool      `json:"keep"`
	Language string    `json:"language"`
	Reason   string    `json:"reason,omitempty"`
	Model    string    `json:"model,omitempty"`
	Decided  time.Time `json:"decided_at"`
}

type UserFeedback struct {
	EntryID        string   `json:"entry_id"`
	UserID         string   `json:"user_id"`
	SummaryIssue   string   `json:"summary_issue,omitempty"`
	TagSuggestions []string `json:"tag_suggestions,omitempty"`
	Rating         int      `json:"rating,omitempty"` // 1..5, 0 = not given
	IsHelpful      *bool    `json:"is_helpful,omitempty"`
	Comments       string   `json:"comments,omitempty"`

	Applied   bool      `json:"applied"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type FeedbackSeverity string

const (
	SeverityLow    FeedbackSeverity = "low"
	SeverityMedium FeedbackSeverity = "medium"
	SeverityHigh   FeedbackSeverity = "high"
)

type IssueCount struct {
	Issue string `json:"issue"`
	Count int    `json:"count"`
}

type FeedbackStats struct {
	Total         int          `json:"total"`
	Helpful       int          `json:"helpful"`
	NotHelpful    int          `json:"not_helpful"`
	AverageRating float64      `json:"average_rating"` // rounded to 1 decimal
	TopIssues     []IssueCount `json:"top_issues,omitempty"`
}

type RelationType string

const (
	RelationSimilar       RelationType = "similar"
	RelationPrerequisite  RelationType = "prerequisite"
	RelationExtension     RelationType = "extension"
	RelationContradiction RelationType = "contradiction"
)

func (r RelationType) Valid() bool {
	switch r {
	case RelationSimilar, RelationPrerequisite, RelationExtension, RelationContradiction:
		return true
	}
	return false
}

// ArticleRelation is a directed edge between two articles. Upserts are keyed
// by (SourceID, TargetID, RelationType); Strength is overwritten, never
// accumulated.
type ArticleRelation struct {
	SourceID     string       `json:"source_id"`
	TargetID     string       `json:"target_id"`
	RelationType RelationType `json:"relation_type"`
	Strength     float64      `json:"strength"` // 0..1
	Reason       string       `json:"reason,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at,omitempty"`
}

type GraphNode struct {
	EntryID string `json:"entry_id"`
	Layer   int    `json:"layer"`
}

type KnowledgeGraph struct {
	Nodes []GraphNode       `json:"nodes"`
	Edges []ArticleRelation `json:"edges"`
}
