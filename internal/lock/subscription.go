package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keySubscriptionTransition = "creditledger:subscription:%s"

// SubscriptionLocker serializes transitions of one subscription across
// scheduler replicas. A nil or disabled locker grants every lock.
type SubscriptionLocker struct {
	locker *Locker
}

func NewSubscriptionLocker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*SubscriptionLocker, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required when redis is enabled")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := client.Ping(ctx).Err(); err != nil {
					log.Warn("redis ping failed", zap.String("addr", addr), zap.Error(err))
				}
				return nil
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}
	return NewSubscriptionLockerWithClient(client), nil
}

func NewSubscriptionLockerWithClient(client redis.Cmdable) *SubscriptionLocker {
	if client == nil {
		return nil
	}
	return &SubscriptionLocker{locker: NewLocker(client)}
}

func (l *SubscriptionLocker) Enabled() bool {
	return l != nil && l.locker != nil
}

// SubscriptionKey returns the redis key guarding a subscription.
func SubscriptionKey(subscriptionID snowflake.ID) string {
	return fmt.Sprintf(keySubscriptionTransition, subscriptionID.String())
}

func (l *SubscriptionLocker) TryLock(ctx context.Context, subscriptionID snowflake.ID, ttl time.Duration) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, SubscriptionKey(subscriptionID), ttl)
}

func (l *SubscriptionLocker) Release(ctx context.Context, subscriptionID snowflake.ID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, SubscriptionKey(subscriptionID), token)
}
