package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
	"insight-analysis-pipeline/internal/services"
)

// HealthReporter is the slice of the orchestrator the HTTP layer needs.
type HealthReporter interface {
	HealthCheck(ctx context.Context) error
	GetStats(ctx context.Context) (*services.Stats, error)
}

// respondError maps pipeline error types onto HTTP status codes. Unknown
// errors become opaque 500s so internals never leak.
func respondError(c *gin.Context, err error) {
	var perr *models.PipelineError
	if errors.As(err, &perr) {
		status := http.StatusInternalServerError
		switch perr.Type {
		case models.ErrorTypeValidation:
			status = http.StatusBadRequest
		case models.ErrorTypeNotFound:
			status = http.StatusNotFound
		case models.ErrorTypeExternal:
			status = http.StatusBadGateway
		case models.ErrorTypeTimeout:
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, gin.H{"error": perr.Message, "code": perr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func parseQueue(name string) (models.QueueName, bool) {
	switch models.QueueName(name) {
	case models.QueuePreliminary:
		return models.QueuePreliminary, true
	case models.QueueDeepAnalysis:
		return models.QueueDeepAnalysis, true
	}
	return "", false
}

// EntryHandler serves article content and analysis endpoints.
type EntryHandler struct {
	articles services.ArticleStore
	queue    *services.QueueService
	logger   *logger.Logger
}

func NewEntryHandler(articles services.ArticleStore, queue *services.QueueService, log *logger.Logger) *EntryHandler {
	return &EntryHandler{articles: articles, queue: queue, logger: log}
}

type saveContentRequest struct {
	Content  string                  `json:"content" binding:"required"`
	Metadata *models.ArticleMetadata `json:"metadata"`
}

func (h *EntryHandler) SaveContent(c *gin.Context) {
	entryID := c.Param("id")

	var req saveContentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	if err := h.articles.SaveContent(c.Request.Context(), entryID, req.Content, req.Metadata); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry_id": entryID, "stored": true})
}

func (h *EntryHandler) GetAnalysis(c *gin.Context) {
	entryID := c.Param("id")

	analysis, err := h.articles.GetAnalysis(c.Request.Context(), entryID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

type analyzeRequest struct {
	UserID   string `json:"user_id"`
	Priority int    `json:"priority"`
	Queue    string `json:"queue"`
	Force    bool   `json:"force"`
}

// Analyze enqueues the entry. The default queue is preliminary triage;
// callers can target deep_analysis directly to skip triage.
func (h *EntryHandler) Analyze(c *gin.Context) {
	entryID := c.Param("id")

	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	queue := models.QueuePreliminary
	if req.Queue != "" {
		parsed, ok := parseQueue(req.Queue)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown queue"})
			return
		}
		queue = parsed
	}
	if req.Priority == 0 {
		req.Priority = 5
	}

	result, err := h.queue.Enqueue(c.Request.Context(), queue, entryID, req.UserID, req.Priority, req.Force)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Outcome != models.OutcomeQueued {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// JobHandler serves job inspection and lifecycle endpoints.
type JobHandler struct {
	queue  *services.QueueService
	logger *logger.Logger
}

func NewJobHandler(queue *services.QueueService, log *logger.Logger) *JobHandler {
	return &JobHandler{queue: queue, logger: log}
}

func (h *JobHandler) Get(c *gin.Context) {
	queue, ok := parseQueue(c.Param("queue"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown queue"})
		return
	}

	job, err := h.queue.GetJob(c.Request.Context(), queue, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) Retry(c *gin.Context) {
	queue, ok := parseQueue(c.Param("queue"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown queue"})
		return
	}

	job, err := h.queue.RetryJob(c.Request.Context(), queue, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) Cancel(c *gin.Context) {
	queue, ok := parseQueue(c.Param("queue"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown queue"})
		return
	}

	job, err := h.queue.CancelPending(c.Request.Context(), queue, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) Health(reporter HealthReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := reporter.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}

func (h *JobHandler) Stats(reporter HealthReporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := reporter.GetStats(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// FeedbackHandler serves feedback submission, improvement and stats.
type FeedbackHandler struct {
	engine   *services.FeedbackEngine
	articles services.ArticleStore
	store    services.FeedbackStore
	logger   *logger.Logger
}

func NewFeedbackHandler(engine *services.FeedbackEngine, articles services.ArticleStore, store services.FeedbackStore, log *logger.Logger) *FeedbackHandler {
	return &FeedbackHandler{engine: engine, articles: articles, store: store, logger: log}
}

func (h *FeedbackHandler) Submit(c *gin.Context) {
	var feedback models.UserFeedback
	if err := c.ShouldBindJSON(&feedback); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid feedback body"})
		return
	}
	feedback.EntryID = c.Param("id")

	if err := h.engine.SubmitFeedback(c.Request.Context(), &feedback); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry_id": feedback.EntryID, "stored": true})
}

type improveRequest struct {
	UserID string `json:"user_id"`
}

// Improve re-refines the stored analysis, folding in the caller's feedback
// when any exists, and persists the improved result.
func (h *FeedbackHandler) Improve(c *gin.Context) {
	entryID := c.Param("id")
	ctx := c.Request.Context()

	var req improveRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	current, err := h.articles.GetAnalysis(ctx, entryID)
	if err != nil {
		respondError(c, err)
		return
	}

	content, err := h.articles.GetContent(ctx, entryID)
	if err != nil && !errors.Is(err, models.ErrContentMissing) {
		respondError(c, err)
		return
	}

	var feedback *models.UserFeedback
	if req.UserID != "" {
		feedback, err = h.store.Get(ctx, entryID, req.UserID)
		if err != nil {
			respondError(c, err)
			return
		}
	}

	language := ""
	if meta, err := h.articles.GetMetadata(ctx, entryID); err == nil && meta != nil {
		language = meta.Language
	}

	improved, err := h.engine.ImproveWithFeedback(ctx, entryID, current, feedback, content, language)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := h.articles.SaveAnalysis(ctx, entryID, &improved.ArticleAnalysisResult); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, improved)
}

func (h *FeedbackHandler) Stats(c *gin.Context) {
	stats, err := h.engine.GetFeedbackStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RelationHandler serves relation discovery and the knowledge graph.
type RelationHandler struct {
	extractor *services.RelationExtractor
	store     services.RelationStore
	logger    *logger.Logger
}

func NewRelationHandler(extractor *services.RelationExtractor, store services.RelationStore, log *logger.Logger) *RelationHandler {
	return &RelationHandler{extractor: extractor, store: store, logger: log}
}

// List returns stored relations, or discovers them fresh when
// ?discover=true. An optional ?type= restricts discovery to one relation
// type and triggers per-candidate confirmation.
func (h *RelationHandler) List(c *gin.Context) {
	entryID := c.Param("id")
	ctx := c.Request.Context()

	if c.Query("discover") != "true" {
		relations, err := h.store.ListRelationsBySource(ctx, entryID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"entry_id": entryID, "relations": relations})
		return
	}

	relationType := models.RelationType(c.Query("type"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))
	minSimilarity, _ := strconv.ParseFloat(c.DefaultQuery("min_similarity", "0.7"), 64)

	relations, err := h.extractor.FindRelatedArticles(ctx, entryID, relationType, limit, minSimilarity)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry_id": entryID, "relations": relations})
}

func (h *RelationHandler) Graph(c *gin.Context) {
	entryID := c.Param("id")

	depth, err := strconv.Atoi(c.DefaultQuery("depth", "2"))
	if err != nil || depth < 0 || depth > 5 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be an integer between 0 and 5"})
		return
	}

	graph, buildErr := h.extractor.BuildKnowledgeGraph(c.Request.Context(), entryID, depth)
	if buildErr != nil {
		respondError(c, buildErr)
		return
	}
	c.JSON(http.StatusOK, graph)
}
