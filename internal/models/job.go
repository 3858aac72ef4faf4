package models

import (
	"time"

	"github.com/google/uuid"
)

type QueueName string

const (
	QueuePreliminary  QueueName = "preliminary"
	QueueDeepAnalysis QueueName = "deep_analysis"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

const (
	MinJobPriority = 1
	MaxJobPriority = 10
)

// Job is one unit of queued per-entry work. At most one non-terminal job may
// exist per (entry, queue).
type Job struct {
	ID       string    `json:"id"`
	Queue    QueueName `json:"queue"`
	EntryID  string    `json:"entry_id"`
	UserID   string    `json:"user_id,omitempty"`
	Priority int       `json:"priority"` // 1..10, higher dequeued first

	Status       JobStatus  `json:"status"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func NewJob(queue QueueName, entryID, userID string, priority int) *Job {
	if priority < MinJobPriority {
		priority = MinJobPriority
	}
	if priority > MaxJobPriority {
		priority = MaxJobPriority
	}
	return &Job{
		ID:        uuid.New().String(),
		Queue:     queue,
		EntryID:   entryID,
		UserID:    userID,
		Priority:  priority,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
	}
}

// IsTerminal reports whether the job has left the pending/processing part of
// the state machine. A failed job stays retryable until explicitly retried.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

func (j *Job) MarkProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.StartedAt = &now
}

func (j *Job) MarkCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.ErrorMessage = ""
}

func (j *Job) MarkFailed(err error) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	if err != nil {
		j.ErrorMessage = err.Error()
	}
}

func (j *Job) MarkCancelled() {
	now := time.Now()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
}

func (j *Job) CanRetry(maxRetries int) bool {
	return j.Status == JobStatusFailed && j.RetryCount < maxRetries
}

// Retry transitions a failed job back to pending with the retry counter
// incremented. Callers must check CanRetry first.
func (j *Job) Retry() {
	j.Status = JobStatusPending
	j.RetryCount++
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ErrorMessage = ""
}

type EnqueueOutcome string

const (
	OutcomeQueued          EnqueueOutcome = "queued"
	OutcomeAlreadyQueued   EnqueueOutcome = "already_queued"
	OutcomeAlreadyAnalyzed EnqueueOutcome = "already_analyzed"
)

type EnqueueResult struct {
	Outcome EnqueueOutcome `json:"outcome"`
	JobID   string         `json:"job_id,omitempty"`
	Status  JobStatus      `json:"status,omitempty"`
}

// JobUpdate is published to the per-entry update stream as a job moves
// through the pipeline.
type JobUpdate struct {
	JobID     string    `json:"job_id"`
	EntryID   string    `json:"entry_id"`
	Queue     QueueName `json:"queue"`
	Stage     string    `json:"stage"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
