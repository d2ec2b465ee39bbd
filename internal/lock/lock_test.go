package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/config"
)

func TestSubscriptionKey(t *testing.T) {
	got := SubscriptionKey(snowflake.ID(42))
	if got != "creditledger:subscription:42" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestDisabledLockerAlwaysGrants(t *testing.T) {
	var locker *SubscriptionLocker
	token, ok, err := locker.TryLock(context.Background(), 1, time.Second)
	if err != nil || !ok || token != "" {
		t.Fatalf("expected disabled locker to grant, got %q %v %v", token, ok, err)
	}
	if err := locker.Release(context.Background(), 1, token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if locker.Enabled() {
		t.Fatalf("nil locker must not be enabled")
	}
}

func TestNewSubscriptionLockerDisabledByConfig(t *testing.T) {
	locker, err := NewSubscriptionLocker(nil, config.Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if locker.Enabled() {
		t.Fatalf("expected locker to be disabled")
	}

	_, err = NewSubscriptionLocker(nil, config.Config{Redis: config.RedisConfig{Enabled: true}}, nil)
	if err == nil {
		t.Fatalf("expected error for missing redis addr")
	}
}

func TestLockerArgumentValidation(t *testing.T) {
	var nilLocker *Locker
	if _, _, err := nilLocker.TryLock(context.Background(), "k", time.Second); !errors.Is(err, ErrLockNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
	if NewLocker(nil) != nil {
		t.Fatalf("expected nil locker for nil client")
	}
}
