package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-analysis-pipeline/internal/models"
)

func newTestQueue() (*QueueService, *memJobStore, *memArticleStore, *memPublisher) {
	jobs := newMemJobStore()
	articles := newMemArticleStore()
	publisher := &memPublisher{}
	queue := NewQueueService(jobs, articles, publisher, 3, testLogger())
	return queue, jobs, articles, publisher
}

func TestEnqueueCreatesJob(t *testing.T) {
	queue, _, _, publisher := newTestQueue()

	result, err := queue.Enqueue(context.Background(), models.QueuePreliminary, "e1", "u1", 5, false)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeQueued, result.Outcome)
	assert.NotEmpty(t, result.JobID)
	assert.Equal(t, models.JobStatusPending, result.Status)

	require.Len(t, publisher.updates, 1)
	assert.Equal(t, "enqueued", publisher.updates[0].Stage)
}

func TestEnqueueDuplicateReturnsExistingJob(t *testing.T) {
	queue, _, _, _ := newTestQueue()
	ctx := context.Background()

	first, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "u1", 5, false)
	require.NoError(t, err)

	second, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "u2", 9, false)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeAlreadyQueued, second.Outcome)
	assert.Equal(t, first.JobID, second.JobID, "the existing live job is returned, not a new one")

	count, err := queue.PendingCount(ctx, models.QueuePreliminary)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEnqueueSameEntryDifferentQueues(t *testing.T) {
	queue, _, _, _ := newTestQueue()
	ctx := context.Background()

	prelim, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "u1", 5, false)
	require.NoError(t, err)
	deep, err := queue.Enqueue(ctx, models.QueueDeepAnalysis, "e1", "u1", 5, false)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeQueued, prelim.Outcome)
	assert.Equal(t, models.OutcomeQueued, deep.Outcome, "the one-job invariant is per queue")
}

func TestEnqueueDeepSkipsAlreadyAnalyzed(t *testing.T) {
	queue, _, articles, _ := newTestQueue()
	ctx := context.Background()

	require.NoError(t, articles.SaveAnalysis(ctx, "e1", &models.ArticleAnalysisResult{Summary: "done"}))

	result, err := queue.Enqueue(ctx, models.QueueDeepAnalysis, "e1", "u1", 5, false)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyAnalyzed, result.Outcome)

	forced, err := queue.Enqueue(ctx, models.QueueDeepAnalysis, "e1", "u1", 5, true)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeQueued, forced.Outcome, "force bypasses the analyzed check")
}

func TestEnqueueReplacesTerminalJob(t *testing.T) {
	queue, _, _, _ := newTestQueue()
	ctx := context.Background()

	first, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "u1", 5, false)
	require.NoError(t, err)

	job, err := queue.Dequeue(ctx, models.QueuePreliminary)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, queue.Complete(ctx, job))

	second, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "u1", 5, false)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeQueued, second.Outcome)
	assert.NotEqual(t, first.JobID, second.JobID, "a completed job releases the entry slot")
}

func TestDequeuePriorityOrdering(t *testing.T) {
	queue, _, _, _ := newTestQueue()
	ctx := context.Background()

	low, err := queue.Enqueue(ctx, models.QueuePreliminary, "e-low", "", 1, false)
	require.NoError(t, err)
	high, err := queue.Enqueue(ctx, models.QueuePreliminary, "e-high", "", 9, false)
	require.NoError(t, err)
	mid, err := queue.Enqueue(ctx, models.QueuePreliminary, "e-mid", "", 5, false)
	require.NoError(t, err)

	var order []string
	for {
		job, err := queue.Dequeue(ctx, models.QueuePreliminary)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.ID)
	}

	assert.Equal(t, []string{high.JobID, mid.JobID, low.JobID}, order)
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	jobs := newMemJobStore()
	queue := NewQueueService(jobs, newMemArticleStore(), &memPublisher{}, 3, testLogger())
	ctx := context.Background()

	first := models.NewJob(models.QueuePreliminary, "e1", "", 5)
	second := models.NewJob(models.QueuePreliminary, "e2", "", 5)
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)

	_, created, err := jobs.CreateIfAbsent(ctx, first)
	require.NoError(t, err)
	require.True(t, created)
	_, created, err = jobs.CreateIfAbsent(ctx, second)
	require.NoError(t, err)
	require.True(t, created)

	job, err := queue.Dequeue(ctx, models.QueuePreliminary)
	require.NoError(t, err)
	assert.Equal(t, first.ID, job.ID, "equal priorities dequeue oldest first")
}

func TestDequeueMarksProcessing(t *testing.T) {
	queue, jobs, _, _ := newTestQueue()
	ctx := context.Background()

	result, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "u1", 5, false)
	require.NoError(t, err)

	job, err := queue.Dequeue(ctx, models.QueuePreliminary)
	require.NoError(t, err)
	require.NotNil(t, job)

	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.NotNil(t, job.StartedAt)

	stored, err := jobs.Get(ctx, models.QueuePreliminary, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, stored.Status, "transition is persisted")
}

func TestDequeueEmptyQueue(t *testing.T) {
	queue, _, _, _ := newTestQueue()

	job, err := queue.Dequeue(context.Background(), models.QueueDeepAnalysis)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCompleteAndFailTransitions(t *testing.T) {
	queue, _, _, publisher := newTestQueue()
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "", 5, false)
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, models.QueuePreliminary, "e2", "", 5, false)
	require.NoError(t, err)

	done, err := queue.Dequeue(ctx, models.QueuePreliminary)
	require.NoError(t, err)
	require.NoError(t, queue.Complete(ctx, done))
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	broken, err := queue.Dequeue(ctx, models.QueuePreliminary)
	require.NoError(t, err)
	require.NoError(t, queue.Fail(ctx, broken, fmt.Errorf("llm timeout")))
	assert.Equal(t, models.JobStatusFailed, broken.Status)
	assert.Equal(t, "llm timeout", broken.ErrorMessage)

	stages := make([]string, 0, len(publisher.updates))
	for _, update := range publisher.updates {
		stages = append(stages, update.Stage)
	}
	assert.Contains(t, stages, "completed")
	assert.Contains(t, stages, "failed")
}

func TestRetryJobBounded(t *testing.T) {
	queue, _, _, _ := newTestQueue()
	ctx := context.Background()

	result, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "", 5, false)
	require.NoError(t, err)

	for attempt := 0; attempt < 3; attempt++ {
		job, err := queue.Dequeue(ctx, models.QueuePreliminary)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		require.NoError(t, queue.Fail(ctx, job, fmt.Errorf("boom")))

		retried, err := queue.RetryJob(ctx, models.QueuePreliminary, result.JobID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, retried.Status)
		assert.Equal(t, attempt+1, retried.RetryCount)
		assert.Empty(t, retried.ErrorMessage, "retry clears the previous failure")
	}

	job, err := queue.Dequeue(ctx, models.QueuePreliminary)
	require.NoError(t, err)
	require.NoError(t, queue.Fail(ctx, job, fmt.Errorf("boom")))

	_, err = queue.RetryJob(ctx, models.QueuePreliminary, result.JobID)
	assert.Error(t, err, "the fourth retry exceeds the configured maximum")
}

func TestRetryJobRejectsNonFailed(t *testing.T) {
	queue, _, _, _ := newTestQueue()
	ctx := context.Background()

	result, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "", 5, false)
	require.NoError(t, err)

	_, err = queue.RetryJob(ctx, models.QueuePreliminary, result.JobID)
	assert.Error(t, err, "pending jobs cannot be retried")
}

func TestCancelPending(t *testing.T) {
	queue, _, _, _ := newTestQueue()
	ctx := context.Background()

	result, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "", 5, false)
	require.NoError(t, err)

	cancelled, err := queue.CancelPending(ctx, models.QueuePreliminary, result.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	job, err := queue.Dequeue(ctx, models.QueuePreliminary)
	require.NoError(t, err)
	assert.Nil(t, job, "cancelled jobs never reach a worker")
}

func TestCancelRejectsProcessing(t *testing.T) {
	queue, _, _, _ := newTestQueue()
	ctx := context.Background()

	result, err := queue.Enqueue(ctx, models.QueuePreliminary, "e1", "", 5, false)
	require.NoError(t, err)

	_, err = queue.Dequeue(ctx, models.QueuePreliminary)
	require.NoError(t, err)

	_, err = queue.CancelPending(ctx, models.QueuePreliminary, result.JobID)
	assert.Error(t, err)
}

func TestGetJobNotFound(t *testing.T) {
	queue, _, _, _ := newTestQueue()

	_, err := queue.GetJob(context.Background(), models.QueuePreliminary, "missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestJobPriorityClamped(t *testing.T) {
	job := models.NewJob(models.QueuePreliminary, "e1", "", 99)
	assert.Equal(t, models.MaxJobPriority, job.Priority)

	job = models.NewJob(models.QueuePreliminary, "e1", "", -3)
	assert.Equal(t, models.MinJobPriority, job.Priority)
}
