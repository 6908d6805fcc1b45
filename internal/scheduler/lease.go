package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/billingworks/rebill/internal/config"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const leaseReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Lease is a best-effort cross-instance mutual exclusion for the batch
// cycle: SETNX with a random token and a TTL, released only by the holder.
// The TTL bounds how long a crashed holder blocks other instances.
type Lease struct {
	client *redis.Client
	script *redis.Script
	key    string
	ttl    time.Duration
}

func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	if client == nil {
		return nil
	}
	return &Lease{
		client: client,
		script: redis.NewScript(leaseReleaseScript),
		key:    key,
		ttl:    ttl,
	}
}

func (l *Lease) TryAcquire(ctx context.Context) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lease client not configured")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Lease) Release(ctx context.Context, token string) {
	if l == nil || l.client == nil || token == "" {
		return
	}
	_ = l.script.Run(ctx, l.client, []string{l.key}, token).Err()
}

// ProvideRedis wires the optional Redis client. An empty REDIS_ADDR disables
// the lease and single-instance deployments run on the in-process guard.
func ProvideRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func ProvideLease(client *redis.Client, cfg Config) *Lease {
	cfg = cfg.withDefaults()
	return NewLease(client, cfg.LeaseKey, cfg.LeaseTTL)
}
