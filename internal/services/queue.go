package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
)

// JobStore is the persistence boundary of the queue. CreateIfAbsent is the
// atomic check-then-create that enforces at most one live job per
// (entry, queue); everything else is plain CRUD plus the pending ordering.
type JobStore interface {
	// CreateIfAbsent registers job as the live job for its (entry, queue)
	// and adds it to the pending set. When a live job already exists it
	// returns that job with created=false and stores nothing.
	CreateIfAbsent(ctx context.Context, job *models.Job) (existing *models.Job, created bool, err error)
	Get(ctx context.Context, queue models.QueueName, jobID string) (*models.Job, error)
	// GetByEntry returns (nil, nil) when no live job exists for the entry.
	GetByEntry(ctx context.Context, queue models.QueueName, entryID string) (*models.Job, error)
	Update(ctx context.Context, job *models.Job) error
	// Pop removes and returns the highest-priority pending job, or
	// (nil, nil) when the queue is empty.
	Pop(ctx context.Context, queue models.QueueName) (*models.Job, error)
	// Requeue puts an updated job back into the pending set.
	Requeue(ctx context.Context, job *models.Job) error
	RemovePending(ctx context.Context, queue models.QueueName, jobID string) error
	// ClearEntry releases the (entry, queue) slot so a new job can be created.
	ClearEntry(ctx context.Context, queue models.QueueName, entryID string) error
	PendingCount(ctx context.Context, queue models.QueueName) (int64, error)
}

func jobEntryKey(queue models.QueueName, entryID string) string {
	return fmt.Sprintf("jobs:%s:entry:%s", queue, entryID)
}

func jobKey(queue models.QueueName, jobID string) string {
	return fmt.Sprintf("jobs:%s:job:%s", queue, jobID)
}

func pendingKey(queue models.QueueName) string {
	return fmt.Sprintf("jobs:%s:pending", queue)
}

// pendingScore orders the pending zset: higher priority first, FIFO within
// a priority. ZPopMin pops the smallest score, so priority is negated and
// the creation time breaks ties.
func pendingScore(job *models.Job) float64 {
	return -float64(job.Priority)*1e12 + float64(job.CreatedAt.UnixNano())/1e6
}

// RedisJobStore keeps each job as a JSON value, an entry-slot key claimed
// with SETNX, and a pending zset per queue.
type RedisJobStore struct {
	client *redis.Client
	logger *logger.Logger
}

func NewRedisJobStore(client *redis.Client, log *logger.Logger) *RedisJobStore {
	return &RedisJobStore{client: client, logger: log}
}

func (s *RedisJobStore) CreateIfAbsent(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	claimed, err := s.client.SetNX(ctx, jobEntryKey(job.Queue, job.EntryID), job.ID, 0).Result()
	if err != nil {
		return nil, false, models.NewExternalError("JOB_CLAIM_FAILED", "failed to claim entry job slot").WithCause(err)
	}
	if !claimed {
		existing, err := s.GetByEntry(ctx, job.Queue, job.EntryID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
		// Slot held but the job record is gone: treat as absent and retake.
		if err := s.client.Set(ctx, jobEntryKey(job.Queue, job.EntryID), job.ID, 0).Err(); err != nil {
			return nil, false, models.NewExternalError("JOB_CLAIM_FAILED", "failed to reclaim entry job slot").WithCause(err)
		}
	}

	if err := s.writeJob(ctx, job); err != nil {
		return nil, false, err
	}
	if err := s.client.ZAdd(ctx, pendingKey(job.Queue), redis.Z{Score: pendingScore(job), Member: job.ID}).Err(); err != nil {
		return nil, false, models.NewExternalError("JOB_ENQUEUE_FAILED", "failed to add job to pending set").WithCause(err)
	}
	return job, true, nil
}

func (s *RedisJobStore) writeJob(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return models.NewInternalError("JOB_MARSHAL_FAILED", "failed to serialize job").WithCause(err)
	}
	if err := s.client.Set(ctx, jobKey(job.Queue, job.ID), payload, 0).Err(); err != nil {
		return models.NewExternalError("JOB_WRITE_FAILED", "failed to store job").WithCause(err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, queue models.QueueName, jobID string) (*models.Job, error) {
	raw, err := s.client.Get(ctx, jobKey(queue, jobID)).Result()
	if err == redis.Nil {
		return nil, models.ErrJobNotFound.WithMetadata("job_id", jobID)
	}
	if err != nil {
		return nil, models.NewExternalError("JOB_READ_FAILED", "failed to load job").WithCause(err)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, models.NewInternalError("JOB_UNMARSHAL_FAILED", "stored job is corrupt").WithCause(err)
	}
	return &job, nil
}

func (s *RedisJobStore) GetByEntry(ctx context.Context, queue models.QueueName, entryID string) (*models.Job, error) {
	jobID, err := s.client.Get(ctx, jobEntryKey(queue, entryID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewExternalError("JOB_READ_FAILED", "failed to resolve entry job").WithCause(err)
	}
	job, err := s.Get(ctx, queue, jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *RedisJobStore) Update(ctx context.Context, job *models.Job) error {
	return s.writeJob(ctx, job)
}

func (s *RedisJobStore) Pop(ctx context.Context, queue models.QueueName) (*models.Job, error) {
	popped, err := s.client.ZPopMin(ctx, pendingKey(queue), 1).Result()
	if err != nil {
		return nil, models.NewExternalError("JOB_POP_FAILED", "failed to pop pending job").WithCause(err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	jobID, ok := popped[0].Member.(string)
	if !ok {
		return nil, models.NewInternalError("JOB_POP_FAILED", "pending set member is not a job id")
	}

	job, err := s.Get(ctx, queue, jobID)
	if errors.Is(err, models.ErrJobNotFound) {
		// Dangling pending entry; skip it.
		s.logger.Warn("dropping dangling pending job", "queue", string(queue), "job_id", jobID)
		return nil, nil
	}
	return job, err
}

func (s *RedisJobStore) Requeue(ctx context.Context, job *models.Job) error {
	if err := s.writeJob(ctx, job); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, pendingKey(job.Queue), redis.Z{Score: pendingScore(job), Member: job.ID}).Err(); err != nil {
		return models.NewExternalError("JOB_ENQUEUE_FAILED", "failed to requeue job").WithCause(err)
	}
	return nil
}

func (s *RedisJobStore) RemovePending(ctx context.Context, queue models.QueueName, jobID string) error {
	if err := s.client.ZRem(ctx, pendingKey(queue), jobID).Err(); err != nil {
		return models.NewExternalError("JOB_REMOVE_FAILED", "failed to remove pending job").WithCause(err)
	}
	return nil
}

func (s *RedisJobStore) ClearEntry(ctx context.Context, queue models.QueueName, entryID string) error {
	if err := s.client.Del(ctx, jobEntryKey(queue, entryID)).Err(); err != nil {
		return models.NewExternalError("JOB_CLEAR_FAILED", "failed to clear entry job slot").WithCause(err)
	}
	return nil
}

func (s *RedisJobStore) PendingCount(ctx context.Context, queue models.QueueName) (int64, error) {
	count, err := s.client.ZCard(ctx, pendingKey(queue)).Result()
	if err != nil {
		return 0, models.NewExternalError("JOB_COUNT_FAILED", "failed to count pending jobs").WithCause(err)
	}
	return count, nil
}

// QueueService runs the job state machine on top of a JobStore and publishes
// lifecycle updates for every transition.
type QueueService struct {
	jobs       JobStore
	articles   ArticleStore
	updates    UpdatePublisher
	maxRetries int
	logger     *logger.Logger
}

func NewQueueService(jobs JobStore, articles ArticleStore, updates UpdatePublisher, maxRetries int, log *logger.Logger) *QueueService {
	return &QueueService{
		jobs:       jobs,
		articles:   articles,
		updates:    updates,
		maxRetries: maxRetries,
		logger:     log,
	}
}

// Enqueue is idempotent per (entry, queue). A live pending or processing job
// short-circuits with already_queued; a deep-analysis entry that already has
// a stored result short-circuits with already_analyzed unless force is set.
// Terminal jobs release their slot and a fresh job replaces them.
func (q *QueueService) Enqueue(ctx context.Context, queue models.QueueName, entryID, userID string, priority int, force bool) (*models.EnqueueResult, error) {
	if entryID == "" {
		return nil, models.NewValidationError("ENTRY_ID_REQUIRED", "entry id must not be empty")
	}

	if queue == models.QueueDeepAnalysis && !force {
		analysis, err := q.articles.GetAnalysis(ctx, entryID)
		if err != nil && !errors.Is(err, models.ErrAnalysisNotFound) {
			return nil, err
		}
		if analysis != nil {
			return &models.EnqueueResult{Outcome: models.OutcomeAlreadyAnalyzed}, nil
		}
	}

	existing, err := q.jobs.GetByEntry(ctx, queue, entryID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.IsTerminal() {
			return &models.EnqueueResult{
				Outcome: models.OutcomeAlreadyQueued,
				JobID:   existing.ID,
				Status:  existing.Status,
			}, nil
		}
		// Terminal job: release the slot before creating the replacement.
		if err := q.jobs.ClearEntry(ctx, queue, entryID); err != nil {
			return nil, err
		}
	}

	job := models.NewJob(queue, entryID, userID, priority)
	stored, created, err := q.jobs.CreateIfAbsent(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		// Lost the race to a concurrent enqueue.
		return &models.EnqueueResult{
			Outcome: models.OutcomeAlreadyQueued,
			JobID:   stored.ID,
			Status:  stored.Status,
		}, nil
	}

	q.publish(ctx, job, "enqueued", "")
	q.logger.LogJob(job.ID, entryID, "enqueued", 0, nil)

	return &models.EnqueueResult{
		Outcome: models.OutcomeQueued,
		JobID:   job.ID,
		Status:  job.Status,
	}, nil
}

// Dequeue pops the next pending job and marks it processing. Returns
// (nil, nil) when the queue is empty.
func (q *QueueService) Dequeue(ctx context.Context, queue models.QueueName) (*models.Job, error) {
	job, err := q.jobs.Pop(ctx, queue)
	if err != nil || job == nil {
		return nil, err
	}
	if job.Status != models.JobStatusPending {
		// A cancelled or otherwise transitioned job slipped into the set.
		q.logger.Warn("popped non-pending job, skipping",
			"queue", string(queue), "job_id", job.ID, "status", string(job.Status))
		return nil, nil
	}

	job.MarkProcessing()
	if err := q.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	q.publish(ctx, job, "dequeued", "")
	return job, nil
}

func (q *QueueService) Complete(ctx context.Context, job *models.Job) error {
	job.MarkCompleted()
	if err := q.jobs.Update(ctx, job); err != nil {
		return err
	}
	q.publish(ctx, job, "completed", "")
	q.logger.LogJob(job.ID, job.EntryID, "completed", time.Since(job.CreatedAt), nil)
	return nil
}

func (q *QueueService) Fail(ctx context.Context, job *models.Job, cause error) error {
	job.MarkFailed(cause)
	if err := q.jobs.Update(ctx, job); err != nil {
		return err
	}
	q.publish(ctx, job, "failed", job.ErrorMessage)
	q.logger.LogJob(job.ID, job.EntryID, "failed", time.Since(job.CreatedAt), cause)
	return nil
}

// RetryJob transitions a failed job back to pending. Retries are driven by
// external callers and bounded by the configured maximum.
func (q *QueueService) RetryJob(ctx context.Context, queue models.QueueName, jobID string) (*models.Job, error) {
	job, err := q.jobs.Get(ctx, queue, jobID)
	if err != nil {
		return nil, err
	}
	if !job.CanRetry(q.maxRetries) {
		return nil, models.NewValidationError("JOB_NOT_RETRYABLE",
			fmt.Sprintf("job %s is %s with %d/%d retries used", jobID, job.Status, job.RetryCount, q.maxRetries))
	}

	job.Retry()
	if err := q.jobs.Requeue(ctx, job); err != nil {
		return nil, err
	}
	q.publish(ctx, job, "retried", "")
	q.logger.LogJob(job.ID, job.EntryID, "retried", 0, nil)
	return job, nil
}

// CancelPending cancels a job that has not started processing yet.
func (q *QueueService) CancelPending(ctx context.Context, queue models.QueueName, jobID string) (*models.Job, error) {
	job, err := q.jobs.Get(ctx, queue, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPending {
		return nil, models.NewValidationError("JOB_NOT_PENDING",
			fmt.Sprintf("job %s is %s and cannot be cancelled", jobID, job.Status))
	}

	job.MarkCancelled()
	if err := q.jobs.Update(ctx, job); err != nil {
		return nil, err
	}
	if err := q.jobs.RemovePending(ctx, queue, jobID); err != nil {
		return nil, err
	}
	q.publish(ctx, job, "cancelled", "")
	return job, nil
}

func (q *QueueService) GetJob(ctx context.Context, queue models.QueueName, jobID string) (*models.Job, error) {
	return q.jobs.Get(ctx, queue, jobID)
}

func (q *QueueService) PendingCount(ctx context.Context, queue models.QueueName) (int64, error) {
	return q.jobs.PendingCount(ctx, queue)
}

func (q *QueueService) MaxRetries() int {
	return q.maxRetries
}

func (q *QueueService) publish(ctx context.Context, job *models.Job, stage, message string) {
	update := &models.JobUpdate{
		JobID:     job.ID,
		EntryID:   job.EntryID,
		Queue:     job.Queue,
		Stage:     stage,
		Status:    job.Status,
		Message:   message,
		Timestamp: time.Now(),
	}
	if err := q.updates.PublishJobUpdate(ctx, update); err != nil {
		q.logger.Warn("failed to publish job update", "job_id", job.ID, "stage", stage, "error", err.Error())
	}
}
