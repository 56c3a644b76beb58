package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore shares pending nonces across gateway instances, so the callback
// can land on a different instance than the one that issued the redirect.
type redisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) StateStore {
	return &redisStore{rdb: rdb}
}

func stateKey(nonce string) string { return "oauthstate:" + nonce }

func (s *redisStore) Issue(ctx context.Context, nonce string, ttl time.Duration) error {
	return s.rdb.Set(ctx, stateKey(nonce), 1, ttl).Err()
}

// Consume relies on GETDEL being atomic: of two racing callbacks, exactly
// one observes the key.
func (s *redisStore) Consume(ctx context.Context, nonce string) (bool, error) {
	err := s.rdb.GetDel(ctx, stateKey(nonce)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
