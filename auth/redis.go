package auth

import (
	"context"

	"github.com/go-redis/redis/v7"
	"github.com/orcastor/s3gw/core"
)

// RedisResolver reads secrets stored under "secret_key::<access key id>".
// Errors are never retried here; callers decide.
type RedisResolver struct {
	client *redis.Client
	prefix string
}

func NewRedisResolver(client *redis.Client, prefix string) *RedisResolver {
	return &RedisResolver{client: client, prefix: prefix}
}

func (r *RedisResolver) key(accessKeyID string) string {
	return r.prefix + core.SECRET_KEY_PREFIX + accessKeyID
}

func (r *RedisResolver) Resolve(ctx context.Context, accessKeyID string) (*Credential, error) {
	if accessKeyID == "" {
		return nil, core.ERR_UNKNOWN_ACCESS_KEY
	}
	secret, err := r.client.WithContext(ctx).Get(r.key(accessKeyID)).Result()
	if err == redis.Nil {
		return nil, core.ERR_UNKNOWN_ACCESS_KEY
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &Credential{AccessKeyID: accessKeyID, Secret: secret}, nil
}

func (r *RedisResolver) PutSecret(ctx context.Context, accessKeyID, secret string) error {
	if err := r.client.WithContext(ctx).Set(r.key(accessKeyID), secret, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RedisResolver) DeleteSecret(ctx context.Context, accessKeyID string) error {
	if err := r.client.WithContext(ctx).Del(r.key(accessKeyID)).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}
