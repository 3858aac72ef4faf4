package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowContext bundles everything one orchestration run needs: the entry
// being processed, its content and metadata, and run-scoped bookkeeping. It
// is owned by a single run and never shared.
type WorkflowContext struct {
	RequestID string           `json:"request_id"`
	EntryID   string           `json:"entry_id"`
	UserID    string           `json:"user_id,omitempty"`
	Content   string           `json:"-"`
	Metadata  *ArticleMetadata `json:"metadata,omitempty"`

	Language string `json:"language,omitempty"`

	StartTime time.Time              `json:"start_time"`
	APICalls  int                    `json:"api_calls"`
	Stages    map[string]StageRecord `json:"stages,omitempty"`
}

type StageRecord struct {
	Stage    string        `json:"stage"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

func NewWorkflowContext(entryID, userID string) *WorkflowContext {
	return &WorkflowContext{
		RequestID: uuid.New().String(),
		EntryID:   entryID,
		UserID:    userID,
		StartTime: time.Now(),
		Stages:    make(map[string]StageRecord),
	}
}

func (wc *WorkflowContext) RecordStage(stage string, duration time.Duration, err error) {
	record := StageRecord{Stage: stage, Duration: duration}
	if err != nil {
		record.Err = err.Error()
	}
	wc.Stages[stage] = record
}

func (wc *WorkflowContext) Elapsed() time.Duration {
	return time.Since(wc.StartTime)
}
