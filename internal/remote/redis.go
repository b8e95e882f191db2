package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gestor360/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const idField = "_id"

// RedisStore keeps each document as a hash at gestor360:doc:{table}:{id}.
// Field values are JSON encoded, so merge is a plain HSET.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *log.Logger
}

func NewRedisStore(client redis.UniversalClient, logger *log.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "gestor360:doc",
		logger: logger,
	}
}

func (s *RedisStore) key(table, id string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, table, id)
}

func (s *RedisStore) UpsertMerge(ctx context.Context, table, id string, doc Document) error {
	fields, err := s.encode(ctx, id, doc)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(table, id), fields).Err(); err != nil {
		s.logger.Debug("Redis merge failed", zap.String("table", table), zap.String("id", id), zap.Error(err))
		return wrapRedis("merge", err)
	}
	return nil
}

func (s *RedisStore) Set(ctx context.Context, table, id string, doc Document) error {
	fields, err := s.encode(ctx, id, doc)
	if err != nil {
		return err
	}
	key := s.key(table, id)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		return nil
	})
	if err != nil {
		s.logger.Debug("Redis set failed", zap.String("table", table), zap.String("id", id), zap.Error(err))
		return wrapRedis("set", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, table, id string) error {
	if err := s.client.Del(ctx, s.key(table, id)).Err(); err != nil {
		return wrapRedis("delete", err)
	}
	return nil
}

// Get reads a document back. Missing documents are KindNotFound.
func (s *RedisStore) Get(ctx context.Context, table, id string) (Document, error) {
	raw, err := s.client.HGetAll(ctx, s.key(table, id)).Result()
	if err != nil {
		return nil, wrapRedis("get", err)
	}
	if len(raw) == 0 {
		return nil, &Error{Kind: KindNotFound, Code: KindNotFound.String(), Message: table + "/" + id}
	}
	doc := make(Document, len(raw))
	for field, value := range raw {
		if field == idField {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("decode field %s of %s/%s: %w", field, table, id, err)
		}
		doc[field] = v
	}
	return doc, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrapRedis("ping", err)
	}
	return nil
}

// encode resolves placeholders against the Redis server clock and flattens the
// document into hash fields.
func (s *RedisStore) encode(ctx context.Context, id string, doc Document) (map[string]interface{}, error) {
	resolved, err := doc.Resolve(ctx, func(ctx context.Context) (time.Time, error) {
		t, err := s.client.Time(ctx).Result()
		if err != nil {
			return time.Time{}, wrapRedis("time", err)
		}
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	fields := make(map[string]interface{}, len(resolved)+1)
	fields[idField] = id
	for k, v := range resolved {
		if k == idField {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &Error{Kind: KindInvalidArgument, Code: KindInvalidArgument.String(),
				Message: fmt.Sprintf("field %s: %v", k, err), Err: err}
		}
		fields[k] = string(b)
	}
	return fields, nil
}

func wrapRedis(op string, err error) error {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return err
	}
	kind := Classify(err)
	return &Error{Kind: kind, Code: kind.String(), Message: op + ": " + err.Error(), Err: err}
}
