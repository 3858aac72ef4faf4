package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pemistahl/lingua-go"

	"insight-analysis-pipeline/internal/config"
	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
)

const (
	relatedArticleLimit  = 5
	relatedMinSimilarity = 0.7
)

// Orchestrator runs the worker pools that drain both queues: cheap
// preliminary triage and the full deep-analysis workflow.
type Orchestrator struct {
	cfg       config.QueueConfig
	queue     *QueueService
	articles  ArticleStore
	analyzer  *SmartAnalyzer
	relations *RelationExtractor
	embedder  Embedder
	vectors   VectorStore
	provider  AIProvider
	selector  *ModelSelector
	detector  lingua.LanguageDetector
	logger    *logger.Logger

	active sync.Map // entryID -> *models.WorkflowContext

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(
	cfg config.QueueConfig,
	queue *QueueService,
	articles ArticleStore,
	analyzer *SmartAnalyzer,
	relations *RelationExtractor,
	embedder Embedder,
	vectors VectorStore,
	provider AIProvider,
	selector *ModelSelector,
	log *logger.Logger,
) *Orchestrator {
	detector := lingua.NewLanguageDetectorBuilder().
		FromAllLanguages().
		Build()

	return &Orchestrator{
		cfg:       cfg,
		queue:     queue,
		articles:  articles,
		analyzer:  analyzer,
		relations: relations,
		embedder:  embedder,
		vectors:   vectors,
		provider:  provider,
		selector:  selector,
		detector:  detector,
		logger:    log,
	}
}

// Start launches the configured worker counts for both queues. Workers run
// until Close cancels their context.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	for i := 0; i < o.cfg.PrelimWorkers; i++ {
		o.wg.Add(1)
		go o.workerLoop(ctx, models.QueuePreliminary, i)
	}
	for i := 0; i < o.cfg.AnalysisWorkers; i++ {
		o.wg.Add(1)
		go o.workerLoop(ctx, models.QueueDeepAnalysis, i)
	}

	o.logger.Info("orchestrator started",
		"prelim_workers", o.cfg.PrelimWorkers,
		"analysis_workers", o.cfg.AnalysisWorkers,
		"poll_interval", o.cfg.PollInterval.String())
}

func (o *Orchestrator) workerLoop(ctx context.Context, queue models.QueueName, workerID int) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything available before sleeping again.
		for {
			job, err := o.queue.Dequeue(ctx, queue)
			if err != nil {
				o.logger.Error("dequeue failed", "queue", string(queue), "worker", workerID, "error", err.Error())
				break
			}
			if job == nil {
				break
			}
			o.process(ctx, job)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, job *models.Job) {
	wc := models.NewWorkflowContext(job.EntryID, job.UserID)
	o.active.Store(job.EntryID, wc)
	defer o.active.Delete(job.EntryID)

	var err error
	switch job.Queue {
	case models.QueuePreliminary:
		err = o.processPreliminary(ctx, job, wc)
	case models.QueueDeepAnalysis:
		err = o.processDeep(ctx, job, wc)
	default:
		err = models.NewInternalError("UNKNOWN_QUEUE", "job belongs to an unknown queue").
			WithMetadata("queue", string(job.Queue))
	}

	if err != nil {
		if failErr := o.queue.Fail(ctx, job, err); failErr != nil {
			o.logger.Error("failed to record job failure", "job_id", job.ID, "error", failErr.Error())
		}
		return
	}
	if completeErr := o.queue.Complete(ctx, job); completeErr != nil {
		o.logger.Error("failed to record job completion", "job_id", job.ID, "error", completeErr.Error())
	}
}

// processPreliminary loads the content, detects its language and asks a
// cheap model whether the article deserves deep analysis. Articles that pass
// are enqueued on the deep queue with the job's original priority.
func (o *Orchestrator) processPreliminary(ctx context.Context, job *models.Job, wc *models.WorkflowContext) error {
	start := time.Now()

	content, err := o.articles.GetContent(ctx, job.EntryID)
	if err != nil {
		wc.RecordStage("load_content", time.Since(start), err)
		return err
	}
	wc.Content = content
	wc.RecordStage("load_content", time.Since(start), nil)

	wc.Language = o.detectLanguage(content)

	verdict := o.triage(ctx, wc)
	wc.APICalls++

	if err := o.articles.SaveTriage(ctx, job.EntryID, verdict); err != nil {
		o.logger.Warn("failed to persist triage verdict", "entry_id", job.EntryID, "error", err.Error())
	}

	o.logger.LogJob(job.ID, job.EntryID, "triage_decided", wc.Elapsed(), nil)

	if !verdict.Keep {
		o.logger.Info("article rejected at triage",
			"entry_id", job.EntryID, "reason", verdict.Reason, "language", verdict.Language)
		return nil
	}

	result, err := o.queue.Enqueue(ctx, models.QueueDeepAnalysis, job.EntryID, job.UserID, job.Priority, false)
	if err != nil {
		return err
	}
	o.logger.Info("article promoted to deep analysis",
		"entry_id", job.EntryID, "outcome", string(result.Outcome), "job_id", result.JobID)
	return nil
}

// detectLanguage returns the lowercase ISO 639-1 code of the dominant
// language, or "other" when detection is inconclusive.
func (o *Orchestrator) detectLanguage(content string) string {
	sample := content
	if runes := []rune(sample); len(runes) > 2000 {
		sample = string(runes[:2000])
	}
	language, ok := o.detector.DetectLanguageOf(sample)
	if !ok {
		return "other"
	}
	return strings.ToLower(language.IsoCode639_1().String())
}

// triage never fails the job: provider errors and unparseable responses both
// default to keeping the article so deep analysis makes the real call.
func (o *Orchestrator) triage(ctx context.Context, wc *models.WorkflowContext) *models.TriageVerdict {
	start := time.Now()
	model := o.selector.SelectModel(wc.Language, StagePreliminary)

	verdict := &models.TriageVerdict{
		Keep:     true,
		Language: wc.Language,
		Model:    model,
		Decided:  time.Now(),
	}

	resp, err := o.provider.Chat(ctx, &ChatRequest{
		Model: model,
		Messages: []ChatMessage{
			{Role: "system", Content: "You screen articles for an analysis pipeline. Respond with a single JSON object and nothing else."},
			{Role: "user", Content: buildTriagePrompt(wc.Content)},
		},
		ResponseFormat: "json_object",
		MaxTokens:      256,
		Temperature:    0,
	})
	if err != nil {
		wc.RecordStage("triage", time.Since(start), err)
		verdict.Reason = "triage unavailable, kept by default"
		return verdict
	}

	raw := ExtractJSONObject(resp.Content)
	if raw == "" {
		wc.RecordStage("triage", time.Since(start), nil)
		verdict.Reason = "unparseable triage response, kept by default"
		return verdict
	}

	var parsed struct {
		Keep     *bool  `json:"keep"`
		Language string `json:"language"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		if parsed.Keep != nil {
			verdict.Keep = *parsed.Keep
		}
		if parsed.Language != "" {
			verdict.Language = strings.ToLower(parsed.Language)
			wc.Language = verdict.Language
		}
		verdict.Reason = parsed.Reason
	}

	wc.RecordStage("triage", time.Since(start), nil)
	return verdict
}

func buildTriagePrompt(content string) string {
	sample := content
	if len(sample) > 4000 {
		sample = sample[:4000]
	}
	return `Decide whether this article is substantial enough to deserve full analysis. Reject spam, pure link lists and content-free pages.

ARTICLE:
` + sample + `

Respond with: {"keep": true or false, "language": "iso 639-1 code", "reason": "one short sentence"}`
}

// processDeep runs the full workflow: analysis, persistence, embedding and
// relation extraction. Only the analysis and its save are load-bearing; the
// embedding and relation stages are best-effort.
func (o *Orchestrator) processDeep(ctx context.Context, job *models.Job, wc *models.WorkflowContext) error {
	start := time.Now()

	content, err := o.articles.GetContent(ctx, job.EntryID)
	if err != nil {
		wc.RecordStage("load_content", time.Since(start), err)
		return err
	}
	wc.Content = content

	meta, err := o.articles.GetMetadata(ctx, job.EntryID)
	if err != nil {
		o.logger.Warn("metadata unavailable, analyzing without it", "entry_id", job.EntryID, "error", err.Error())
	}
	wc.Metadata = meta
	wc.RecordStage("load_content", time.Since(start), nil)

	analysisStart := time.Now()
	result, err := o.analyzer.Analyze(ctx, content, meta)
	wc.RecordStage("analysis", time.Since(analysisStart), err)
	if err != nil {
		return err
	}
	wc.APICalls++

	if err := o.articles.SaveAnalysis(ctx, job.EntryID, result); err != nil {
		return err
	}

	o.embedAndRelate(ctx, job.EntryID, content, result, wc)

	o.logger.LogJob(job.ID, job.EntryID, "deep_analysis_completed", wc.Elapsed(), nil)
	return nil
}

func (o *Orchestrator) embedAndRelate(ctx context.Context, entryID, content string, result *models.ArticleAnalysisResult, wc *models.WorkflowContext) {
	embedStart := time.Now()

	// Embed the summary rather than the raw article: shorter, denser and
	// stable across re-analysis of the same content.
	embedText := result.Summary
	if strings.TrimSpace(embedText) == "" {
		embedText = content
	}

	vector, err := o.embedder.Embed(ctx, embedText)
	wc.RecordStage("embed", time.Since(embedStart), err)
	if err != nil {
		o.logger.Warn("embedding failed, skipping relation extraction", "entry_id", entryID, "error", err.Error())
		return
	}
	wc.APICalls++

	metadata := map[string]string{"domain": result.Domain}
	if err := o.vectors.Store(ctx, entryID, vector, metadata); err != nil {
		o.logger.Warn("vector store failed, skipping relation extraction", "entry_id", entryID, "error", err.Error())
		return
	}

	relStart := time.Now()
	relations, err := o.relations.FindRelatedArticles(ctx, entryID, "", relatedArticleLimit, relatedMinSimilarity)
	wc.RecordStage("relations", time.Since(relStart), err)
	if err != nil {
		o.logger.Warn("relation extraction failed", "entry_id", entryID, "error", err.Error())
		return
	}
	o.logger.Debug("relations extracted", "entry_id", entryID, "count", len(relations))
}

// ActiveWorkflows snapshots the entries currently being processed.
func (o *Orchestrator) ActiveWorkflows() []*models.WorkflowContext {
	var active []*models.WorkflowContext
	o.active.Range(func(_, value any) bool {
		if wc, ok := value.(*models.WorkflowContext); ok {
			active = append(active, wc)
		}
		return true
	})
	return active
}

// Stats reports queue depths and in-flight work for the stats endpoint.
type Stats struct {
	PendingPreliminary  int64 `json:"pending_preliminary"`
	PendingDeepAnalysis int64 `json:"pending_deep_analysis"`
	ActiveWorkflows     int   `json:"active_workflows"`
}

func (o *Orchestrator) GetStats(ctx context.Context) (*Stats, error) {
	prelim, err := o.queue.PendingCount(ctx, models.QueuePreliminary)
	if err != nil {
		return nil, err
	}
	deep, err := o.queue.PendingCount(ctx, models.QueueDeepAnalysis)
	if err != nil {
		return nil, err
	}
	return &Stats{
		PendingPreliminary:  prelim,
		PendingDeepAnalysis: deep,
		ActiveWorkflows:     len(o.ActiveWorkflows()),
	}, nil
}

// HealthCheck verifies the queue backend is reachable.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	_, err := o.queue.PendingCount(ctx, models.QueuePreliminary)
	return err
}

// Close stops the workers and waits for in-flight jobs to finish.
func (o *Orchestrator) Close() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}
