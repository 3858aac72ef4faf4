package services

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"insight-analysis-pipeline/internal/models"
	"insight-analysis-pipeline/internal/pkg/logger"
)

type VectorMatch struct {
	EntryID    string            `json:"entry_id"`
	Similarity float64           `json:"similarity"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// VectorStore stores one embedding per article and answers nearest-neighbor
// queries above a similarity threshold.
type VectorStore interface {
	Store(ctx context.Context, entryID string, vector []float64, metadata map[string]string) error
	Search(ctx context.Context, vector []float64, limit int, threshold float64) ([]VectorMatch, error)
	// Get returns (nil, nil) when no vector is stored for the entry.
	Get(ctx context.Context, entryID string) ([]float64, error)
}

const vectorHashKey = "vectors"

type storedVector struct {
	Vector   []float64         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RedisVectorStore keeps all vectors in a single hash and scans it on
// search. Linear scan is fine at this corpus scale; swap for a dedicated
// index before the hash outgrows memory.
type RedisVectorStore struct {
	client *redis.Client
	logger *logger.Logger
}

func NewRedisVectorStore(client *redis.Client, log *logger.Logger) *RedisVectorStore {
	return &RedisVectorStore{client: client, logger: log}
}

func (s *RedisVectorStore) Store(ctx context.Context, entryID string, vector []float64, metadata map[string]string) error {
	start := time.Now()

	payload, err := json.Marshal(storedVector{Vector: vector, Metadata: metadata})
	if err != nil {
		return models.NewInternalError("VECTOR_MARSHAL_FAILED", "failed to serialize vector").WithCause(err)
	}

	if err := s.client.HSet(ctx, vectorHashKey, entryID, payload).Err(); err != nil {
		s.logger.LogService("redis", "vector_store", time.Since(start), map[string]interface{}{
			"entry_id": entryID,
		}, err)
		return models.NewExternalError("VECTOR_STORE_FAILED", "failed to store vector").WithCause(err)
	}

	s.logger.LogService("redis", "vector_store", time.Since(start), map[string]interface{}{
		"entry_id":   entryID,
		"dimensions": len(vector),
	}, nil)
	return nil
}

func (s *RedisVectorStore) Get(ctx context.Context, entryID string) ([]float64, error) {
	raw, err := s.client.HGet(ctx, vectorHashKey, entryID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewExternalError("VECTOR_GET_FAILED", "failed to load vector").WithCause(err)
	}

	var stored storedVector
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, models.NewInternalError("VECTOR_UNMARSHAL_FAILED", "stored vector is corrupt").WithCause(err)
	}
	return stored.Vector, nil
}

func (s *RedisVectorStore) Search(ctx context.Context, vector []float64, limit int, threshold float64) ([]VectorMatch, error) {
	start := time.Now()

	all, err := s.client.HGetAll(ctx, vectorHashKey).Result()
	if err != nil {
		return nil, models.NewExternalError("VECTOR_SEARCH_FAILED", "failed to scan vectors").WithCause(err)
	}

	matches := make([]VectorMatch, 0, len(all))
	for entryID, raw := range all {
		var stored storedVector
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			s.logger.Warn("skipping corrupt stored vector", "entry_id", entryID)
			continue
		}
		similarity := CosineSimilarity(vector, stored.Vector)
		if similarity >= threshold {
			matches = append(matches, VectorMatch{
				EntryID:    entryID,
				Similarity: similarity,
				Metadata:   stored.Metadata,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	s.logger.LogService("redis", "vector_search", time.Since(start), map[string]interface{}{
		"candidates": len(all),
		"matches":    len(matches),
		"threshold":  threshold,
	}, nil)

	return matches, nil
}

// CosineSimilarity returns 0 for mismatched or zero-magnitude vectors rather
// than erroring; a missing signal is treated as "not similar".
func CosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
