package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
)

// ArticleStore exposes the slice of the article record the pipeline reads
// and writes: source content, metadata, the triage verdict and the analysis
// result.
type ArticleStore interface {
	GetContent(ctx context.Context, entryID string) (string, error)
	SaveContent(ctx context.Context, entryID, content string, meta *models.ArticleMetadata) error
	GetMetadata(ctx context.Context, entryID string) (*models.ArticleMetadata, error)
	SaveAnalysis(ctx context.Context, entryID string, result *models.ArticleAnalysisResult) error
	GetAnalysis(ctx context.Context, entryID string) (*models.ArticleAnalysisResult, error)
	SaveTriage(ctx context.Context, entryID string, verdict *models.TriageVerdict) error
}

// FeedbackStore persists user feedback, upserted per (entry, user).
type FeedbackStore interface {
	Upsert(ctx context.Context, feedback *models.UserFeedback) error
	Get(ctx context.Context, entryID, userID string) (*models.UserFeedback, error)
	MarkApplied(ctx context.Context, entryID, userID string) error
	List(ctx context.Context) ([]models.UserFeedback, error)
}

// RelationStore persists relations, upserted per (source, target, type).
type RelationStore interface {
	UpsertRelation(ctx context.Context, relation *models.ArticleRelation) error
	ListRelationsBySource(ctx context.Context, sourceID string) ([]models.ArticleRelation, error)
}

// UpdatePublisher pushes job lifecycle updates to whoever is watching an
// entry (the web layer tails the stream).
type UpdatePublisher interface {
	PublishJobUpdate(ctx context.Context, update *models.JobUpdate) error
}

func articleContentKey(entryID string) string  { return fmt.Sprintf("article:%s:content", entryID) }
func articleMetaKey(entryID string) string     { return fmt.Sprintf("article:%s:meta", entryID) }
func articleAnalysisKey(entryID string) string { return fmt.Sprintf("article:%s:analysis", entryID) }
func feedbackKey(entryID string) string        { return fmt.Sprintf("feedback:%s", entryID) }
func relationsKey(sourceID string) string      { return fmt.Sprintf("relations:%s", sourceID) }
func updatesStreamKey(entryID string) string   { return fmt.Sprintf("entry:%s:updates", entryID) }

const feedbackIndexKey = "feedback:index"

// RedisStore implements ArticleStore, FeedbackStore, RelationStore and
// UpdatePublisher on a single Redis connection.
type RedisStore struct {
	client *redis.Client
	logger *logger.Logger
}

func NewRedisStore(client *redis.Client, log *logger.Logger) *RedisStore {
	return &RedisStore{client: client, logger: log}
}

func (s *RedisStore) GetContent(ctx context.Context, entryID string) (string, error) {
	content, err := s.client.Get(ctx, articleContentKey(entryID)).Result()
	if err == redis.Nil {
		return "", models.ErrContentMissing.WithMetadata("entry_id", entryID)
	}
	if err != nil {
		return "", models.NewExternalError("REDIS_GET_FAILED", "failed to load article content").WithCause(err)
	}
	return content, nil
}

func (s *RedisStore) SaveContent(ctx context.Context, entryID, content string, meta *models.ArticleMetadata) error {
	pipe := s.client.Pipeline()
	pipe.Set(ctx, articleContentKey(entryID), content, 0)
	if meta != nil {
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return models.NewInternalError("META_MARSHAL_FAILED", "failed to serialize article metadata").WithCause(err)
		}
		pipe.HSet(ctx, articleMetaKey(entryID), "metadata", metaJSON)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.NewExternalError("REDIS_SET_FAILED", "failed to store article content").WithCause(err)
	}
	return nil
}

func (s *RedisStore) GetMetadata(ctx context.Context, entryID string) (*models.ArticleMetadata, error) {
	raw, err := s.client.HGet(ctx, articleMetaKey(entryID), "metadata").Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to load article metadata").WithCause(err)
	}
	var meta models.ArticleMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, models.NewInternalError("META_UNMARSHAL_FAILED", "stored metadata is corrupt").WithCause(err)
	}
	return &meta, nil
}

func (s *RedisStore) SaveAnalysis(ctx context.Context, entryID string, result *models.ArticleAnalysisResult) error {
	start := time.Now()

	payload, err := json.Marshal(result)
	if err != nil {
		return models.NewInternalError("ANALYSIS_MARSHAL_FAILED", "failed to serialize analysis result").WithCause(err)
	}

	if err := s.client.Set(ctx, articleAnalysisKey(entryID), payload, 0).Err(); err != nil {
		s.logger.LogService("redis", "save_analysis", time.Since(start), map[string]interface{}{
			"entry_id": entryID,
		}, err)
		return models.NewExternalError("REDIS_SET_FAILED", "failed to store analysis result").WithCause(err)
	}

	s.logger.LogService("redis", "save_analysis", time.Since(start), map[string]interface{}{
		"entry_id": entryID,
		"model":    result.AnalysisModel,
	}, nil)
	return nil
}

func (s *RedisStore) GetAnalysis(ctx context.Context, entryID string) (*models.ArticleAnalysisResult, error) {
	raw, err := s.client.Get(ctx, articleAnalysisKey(entryID)).Result()
	if err == redis.Nil {
		return nil, models.ErrAnalysisNotFound.WithMetadata("entry_id", entryID)
	}
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to load analysis result").WithCause(err)
	}
	var result models.ArticleAnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, models.NewInternalError("ANALYSIS_UNMARSHAL_FAILED", "stored analysis is corrupt").WithCause(err)
	}
	return &result, nil
}

func (s *RedisStore) SaveTriage(ctx context.Context, entryID string, verdict *models.TriageVerdict) error {
	payload, err := json.Marshal(verdict)
	if err != nil {
		return models.NewInternalError("TRIAGE_MARSHAL_FAILED", "failed to serialize triage verdict").WithCause(err)
	}
	if err := s.client.HSet(ctx, articleMetaKey(entryID), "triage", payload).Err(); err != nil {
		return models.NewExternalError("REDIS_SET_FAILED", "failed to store triage verdict").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Upsert(ctx context.Context, feedback *models.UserFeedback) error {
	now := time.Now()
	if feedback.CreatedAt.IsZero() {
		feedback.CreatedAt = now
	}
	feedback.UpdatedAt = now
	// Resubmitting resets the applied flag so the feedback is reconsidered.
	feedback.Applied = false

	payload, err := json.Marshal(feedback)
	if err != nil {
		return models.NewInternalError("FEEDBACK_MARSHAL_FAILED", "failed to serialize feedback").WithCause(err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, feedbackKey(feedback.EntryID), feedback.UserID, payload)
	pipe.SAdd(ctx, feedbackIndexKey, feedback.EntryID)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.NewExternalError("REDIS_SET_FAILED", "failed to store feedback").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, entryID, userID string) (*models.UserFeedback, error) {
	raw, err := s.client.HGet(ctx, feedbackKey(entryID), userID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to load feedback").WithCause(err)
	}
	var feedback models.UserFeedback
	if err := json.Unmarshal([]byte(raw), &feedback); err != nil {
		return nil, models.NewInternalError("FEEDBACK_UNMARSHAL_FAILED", "stored feedback is corrupt").WithCause(err)
	}
	return &feedback, nil
}

func (s *RedisStore) MarkApplied(ctx context.Context, entryID, userID string) error {
	feedback, err := s.Get(ctx, entryID, userID)
	if err != nil {
		return err
	}
	if feedback == nil {
		return nil
	}
	feedback.Applied = true
	feedback.UpdatedAt = time.Now()

	payload, err := json.Marshal(feedback)
	if err != nil {
		return models.NewInternalError("FEEDBACK_MARSHAL_FAILED", "failed to serialize feedback").WithCause(err)
	}
	if err := s.client.HSet(ctx, feedbackKey(entryID), userID, payload).Err(); err != nil {
		return models.NewExternalError("REDIS_SET_FAILED", "failed to mark feedback applied").WithCause(err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]models.UserFeedback, error) {
	entryIDs, err := s.client.SMembers(ctx, feedbackIndexKey).Result()
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to list feedback entries").WithCause(err)
	}

	var all []models.UserFeedback
	for _, entryID := range entryIDs {
		records, err := s.client.HGetAll(ctx, feedbackKey(entryID)).Result()
		if err != nil {
			return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to load feedback records").WithCause(err)
		}
		for _, raw := range records {
			var feedback models.UserFeedback
			if err := json.Unmarshal([]byte(raw), &feedback); err != nil {
				s.logger.Warn("skipping corrupt feedback record", "entry_id", entryID)
				continue
			}
			all = append(all, feedback)
		}
	}
	return all, nil
}

func relationField(targetID string, relationType models.RelationType) string {
	return fmt.Sprintf("%s|%s", targetID, relationType)
}

func (s *RedisStore) UpsertRelation(ctx context.Context, relation *models.ArticleRelation) error {
	relation.UpdatedAt = time.Now()

	payload, err := json.Marshal(relation)
	if err != nil {
		return models.NewInternalError("RELATION_MARSHAL_FAILED", "failed to serialize relation").WithCause(err)
	}

	field := relationField(relation.TargetID, relation.RelationType)
	if err := s.client.HSet(ctx, relationsKey(relation.SourceID), field, payload).Err(); err != nil {
		return models.NewExternalError("REDIS_SET_FAILED", "failed to store relation").WithCause(err)
	}
	return nil
}

func (s *RedisStore) ListRelationsBySource(ctx context.Context, sourceID string) ([]models.ArticleRelation, error) {
	records, err := s.client.HGetAll(ctx, relationsKey(sourceID)).Result()
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "failed to list relations").WithCause(err)
	}

	relations := make([]models.ArticleRelation, 0, len(records))
	for field, raw := range records {
		var relation models.ArticleRelation
		if err := json.Unmarshal([]byte(raw), &relation); err != nil {
			s.logger.Warn("skipping corrupt relation record", "source_id", sourceID, "field", field)
			continue
		}
		relations = append(relations, relation)
	}
	return relations, nil
}

func (s *RedisStore) PublishJobUpdate(ctx context.Context, update *models.JobUpdate) error {
	values := map[string]interface{}{
		"job_id":    update.JobID,
		"entry_id":  update.EntryID,
		"queue":     string(update.Queue),
		"stage":     update.Stage,
		"status":    string(update.Status),
		"message":   update.Message,
		"timestamp": update.Timestamp.Format(time.RFC3339),
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: updatesStreamKey(update.EntryID),
		Values: values,
		MaxLen: 256,
		Approx: true,
	}).Err()
	if err != nil {
		return models.NewExternalError("REDIS_PUBLISH_FAILED", "failed to publish job update").WithCause(err)
	}
	return nil
}
