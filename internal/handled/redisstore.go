package handled

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "paywatch:handled_sessions"

// RedisStore keeps the handled keys in a Redis set, for deployments where the
// watcher can move between hosts.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store on client under key. An empty key uses the
// default namespace.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Load(ctx context.Context) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load handled-set from redis: %w", err)
	}
	return keys, nil
}

func (r *RedisStore) Save(ctx context.Context, keys []string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key)
	if len(keys) > 0 {
		members := make([]interface{}, len(keys))
		for i, key := range keys {
			members[i] = key
		}
		pipe.SAdd(ctx, r.key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save handled-set to redis: %w", err)
	}
	return nil
}
