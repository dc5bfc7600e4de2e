package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cota-go/dialogue/internal/agent/model"
	errx "github.com/cota-go/dialogue/internal/core/error"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

// RedisKnowledgeRepository stores documents as JSON in one hash per
// namespace and scores them client side.
type RedisKnowledgeRepository struct {
	rdb       redis.Cmdable
	namespace string
	ttl       time.Duration
}

func NewRedisKnowledgeRepository(rdb redis.Cmdable, namespace string, ttl time.Duration) *RedisKnowledgeRepository {
	return &RedisKnowledgeRepository{rdb: rdb, namespace: namespace, ttl: ttl}
}

func (r *RedisKnowledgeRepository) key() string {
	return fmt.Sprintf("knowledge:%s:docs", r.namespace)
}

func (r *RedisKnowledgeRepository) AddDocument(ctx context.Context, doc model.KnowledgeDocument) error {
	b, err := json.Marshal(doc)
	if err != nil {
		logx.Error().Err(err).Str("doc_id", doc.ID).Msg("failed to marshal document")
		return fmt.Errorf("marshal document: %w", err)
	}
	key := r.key()

	if err := r.rdb.HSet(ctx, key, doc.ID, b).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to store document in redis")
		return errx.WrapRedis(err)
	}
	// extend TTL on touch
	if r.ttl > 0 {
		if ok, err := r.rdb.Expire(ctx, key, r.ttl).Result(); err != nil {
			logx.Error().Err(err).Str("key", key).Msg("failed to set expire")
			return errx.WrapRedis(err)
		} else if !ok {
			logx.Warn().Str("key", key).Dur("ttl", r.ttl).Msg("failed to set TTL on knowledge key")
		}
	}
	return nil
}

func (r *RedisKnowledgeRepository) Search(ctx context.Context, query string, topK int) ([]model.ScoredDocument, error) {
	key := r.key()

	rows, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load documents from redis")
		return nil, errx.WrapRedis(err)
	}

	docs := make([]model.KnowledgeDocument, 0, len(rows))
	for id, s := range rows {
		var d model.KnowledgeDocument
		if err := json.Unmarshal([]byte(s), &d); err != nil {
			logx.Error().Err(err).Str("key", key).Str("doc_id", id).Msg("failed to unmarshal document")
			return nil, fmt.Errorf("unmarshal document %s: %w", id, err)
		}
		docs = append(docs, d)
	}
	return rank(query, docs, topK), nil
}

func (r *RedisKnowledgeRepository) Clear(ctx context.Context) error {
	key := r.key()
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete documents from redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisKnowledgeRepository) Count(ctx context.Context) (int, error) {
	key := r.key()
	n, err := r.rdb.HLen(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to count documents in redis")
		return 0, errx.WrapRedis(err)
	}
	return int(n), nil
}

var _ model.KnowledgeRepository = (*RedisKnowledgeRepository)(nil)
