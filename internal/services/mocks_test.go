package services

import (
	"context"
	"sort"
	"sync"

	"insight-analysis-pipeline/internal/config"
	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"

	"github.com/sirupsen/logrus"
)

func testLogger() *logger.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &logger.Logger{Logger: log}
}

func testSelector() *ModelSelector {
	return NewModelSelector(config.ModelConfig{
		Preliminary: config.TierModels{Chinese: "deepseek-chat", English: "gpt-4o-mini", Other: "gpt-4o-mini"},
		Analysis:    config.TierModels{Chinese: "deepseek-chat", English: "gpt-4o", Other: "gpt-4o"},
		Reflection:  config.TierModels{Chinese: "deepseek-reasoner", English: "claude-sonnet-4-20250514", Other: "claude-sonnet-4-20250514"},
	}, func(string) string { return "" })
}

// mockProvider scripts chat responses and counts calls.
type mockProvider struct {
	mu     sync.Mutex
	calls  int
	chatFn func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

func (m *mockProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.chatFn(ctx, req)
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// memArticleStore is a map-backed ArticleStore.
type memArticleStore struct {
	mu       sync.Mutex
	content  map[string]string
	meta     map[string]*models.ArticleMetadata
	analysis map[string]*models.ArticleAnalysisResult
	triage   map[string]*models.TriageVerdict
}

func newMemArticleStore() *memArticleStore {
	return &memArticleStore{
		content:  make(map[string]string),
		meta:     make(map[string]*models.ArticleMetadata),
		analysis: make(map[string]*models.ArticleAnalysisResult),
		triage:   make(map[string]*models.TriageVerdict),
	}
}

func (s *memArticleStore) GetContent(_ context.Context, entryID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.content[entryID]
	if !ok {
		return "", models.ErrContentMissing
	}
	return content, nil
}

func (s *memArticleStore) SaveContent(_ context.Context, entryID, content string, meta *models.ArticleMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[entryID] = content
	if meta != nil {
		s.meta[entryID] = meta
	}
	return nil
}

func (s *memArticleStore) GetMetadata(_ context.Context, entryID string) (*models.ArticleMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[entryID], nil
}

func (s *memArticleStore) SaveAnalysis(_ context.Context, entryID string, result *models.ArticleAnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis[entryID] = result
	return nil
}

func (s *memArticleStore) GetAnalysis(_ context.Context, entryID string) (*models.ArticleAnalysisResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.analysis[entryID]
	if !ok {
		return nil, models.ErrAnalysisNotFound
	}
	return result, nil
}

func (s *memArticleStore) SaveTriage(_ context.Context, entryID string, verdict *models.TriageVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triage[entryID] = verdict
	return nil
}

// memFeedbackStore is a map-backed FeedbackStore keyed by entry then user.
type memFeedbackStore struct {
	mu      sync.Mutex
	records map[string]map[string]*models.UserFeedback
}

func newMemFeedbackStore() *memFeedbackStore {
	return &memFeedbackStore{records: make(map[string]map[string]*models.UserFeedback)}
}

func (s *memFeedbackStore) Upsert(_ context.Context, feedback *models.UserFeedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[feedback.EntryID] == nil {
		s.records[feedback.EntryID] = make(map[string]*models.UserFeedback)
	}
	copied := *feedback
	copied.Applied = false
	s.records[feedback.EntryID][feedback.UserID] = &copied
	return nil
}

func (s *memFeedbackStore) Get(_ context.Context, entryID, userID string) (*models.UserFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[entryID] == nil {
		return nil, nil
	}
	return s.records[entryID][userID], nil
}

func (s *memFeedbackStore) MarkApplied(_ context.Context, entryID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if feedback := s.records[entryID][userID]; feedback != nil {
		feedback.Applied = true
	}
	return nil
}

func (s *memFeedbackStore) List(_ context.Context) ([]models.UserFeedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []models.UserFeedback
	for _, byUser := range s.records {
		for _, feedback := range byUser {
			all = append(all, *feedback)
		}
	}
	return all, nil
}

// memRelationStore records upserted relations.
type memRelationStore struct {
	mu        sync.Mutex
	relations []models.ArticleRelation
}

func (s *memRelationStore) UpsertRelation(_ context.Context, relation *models.ArticleRelation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations = append(s.relations, *relation)
	return nil
}

func (s *memRelationStore) ListRelationsBySource(_ context.Context, sourceID string) ([]models.ArticleRelation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ArticleRelation
	for _, rel := range s.relations {
		if rel.SourceID == sourceID {
			out = append(out, rel)
		}
	}
	return out, nil
}

// memVectorStore is a map-backed VectorStore using the same cosine scan as
// the Redis implementation.
type memVectorStore struct {
	mu      sync.Mutex
	vectors map[string][]float64
}

func newMemVectorStore() *memVectorStore {
	return &memVectorStore{vectors: make(map[string][]float64)}
}

func (s *memVectorStore) Store(_ context.Context, entryID string, vector []float64, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[entryID] = vector
	return nil
}

func (s *memVectorStore) Get(_ context.Context, entryID string) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vectors[entryID], nil
}

func (s *memVectorStore) Search(_ context.Context, vector []float64, limit int, threshold float64) ([]VectorMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []VectorMatch
	for entryID, stored := range s.vectors {
		similarity := CosineSimilarity(vector, stored)
		if similarity >= threshold {
			matches = append(matches, VectorMatch{EntryID: entryID, Similarity: similarity})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// memPublisher records job updates.
type memPublisher struct {
	mu      sync.Mutex
	updates []models.JobUpdate
}

func (p *memPublisher) PublishJobUpdate(_ context.Context, update *models.JobUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, *update)
	return nil
}

// memJobStore implements JobStore with the same priority ordering as the
// Redis implementation.
type memJobStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job // jobID -> job
	byEntry map[string]string      // queue/entryID -> jobID
	pending map[models.QueueName][]string
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:    make(map[string]*models.Job),
		byEntry: make(map[string]string),
		pending: make(map[models.QueueName][]string),
	}
}

func entrySlot(queue models.QueueName, entryID string) string {
	return string(queue) + "/" + entryID
}

func (s *memJobStore) CreateIfAbsent(_ context.Context, job *models.Job) (*models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := entrySlot(job.Queue, job.EntryID)
	if existingID, ok := s.byEntry[slot]; ok {
		if existing, ok := s.jobs[existingID]; ok {
			copied := *existing
			return &copied, false, nil
		}
	}
	s.byEntry[slot] = job.ID
	copied := *job
	s.jobs[job.ID] = &copied
	s.pending[job.Queue] = append(s.pending[job.Queue], job.ID)
	return job, true, nil
}

func (s *memJobStore) Get(_ context.Context, _ models.QueueName, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) GetByEntry(_ context.Context, queue models.QueueName, entryID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobID, ok := s.byEntry[entrySlot(queue, entryID)]
	if !ok {
		return nil, nil
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) Update(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memJobStore) Pop(_ context.Context, queue models.QueueName) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.pending[queue]
	if len(ids) == 0 {
		return nil, nil
	}
	best := 0
	for i := 1; i < len(ids); i++ {
		if pendingScore(s.jobs[ids[i]]) < pendingScore(s.jobs[ids[best]]) {
			best = i
		}
	}
	jobID := ids[best]
	s.pending[queue] = append(ids[:best], ids[best+1:]...)
	copied := *s.jobs[jobID]
	return &copied, nil
}

func (s *memJobStore) Requeue(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	s.pending[job.Queue] = append(s.pending[job.Queue], job.ID)
	return nil
}

func (s *memJobStore) RemovePending(_ context.Context, queue models.QueueName, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.pending[queue]
	for i, id := range ids {
		if id == jobID {
			s.pending[queue] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memJobStore) ClearEntry(_ context.Context, queue models.QueueName, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byEntry, entrySlot(queue, entryID))
	return nil
}

func (s *memJobStore) PendingCount(_ context.Context, queue models.QueueName) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending[queue])), nil
}
