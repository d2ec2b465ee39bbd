package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func writeTransitionFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transition.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTransitionConfigHolderReadsFile(t *testing.T) {
	path := writeTransitionFile(t, `
transition:
  runInterval: 10s
  batchSize: 5
  jobTimeout: 20s
  lockTTL: 1m
  enabledJobs:
    - billing_period_transitions
`)

	holder, err := NewTransitionConfigHolderFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := holder.Get()
	if cfg.RunInterval != 10*time.Second {
		t.Fatalf("expected run interval 10s, got %s", cfg.RunInterval)
	}
	if cfg.BatchSize != 5 {
		t.Fatalf("expected batch size 5, got %d", cfg.BatchSize)
	}
	if len(cfg.EnabledJobs) != 1 || cfg.EnabledJobs[0] != "billing_period_transitions" {
		t.Fatalf("unexpected enabled jobs %v", cfg.EnabledJobs)
	}
}

func TestTransitionConfigHolderAppliesDefaults(t *testing.T) {
	path := writeTransitionFile(t, `
transition:
  batchSize: 7
`)

	holder, err := NewTransitionConfigHolderFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := holder.Get()
	defaults := DefaultTransitionConfig()
	if cfg.BatchSize != 7 {
		t.Fatalf("expected batch size 7, got %d", cfg.BatchSize)
	}
	if cfg.RunInterval != defaults.RunInterval || cfg.LockTTL != defaults.LockTTL {
		t.Fatalf("expected defaults to fill gaps, got %+v", cfg)
	}
}

func TestTransitionConfigHolderRejectsInvalidFile(t *testing.T) {
	path := writeTransitionFile(t, `
transition:
  jobTimeout: 2m
  lockTTL: 10s
`)

	if _, err := NewTransitionConfigHolderFromFile(path); err == nil {
		t.Fatalf("expected validation error for lockTTL shorter than jobTimeout")
	}
}

func TestTransitionConfigReloadKeepsLastGoodConfig(t *testing.T) {
	path := writeTransitionFile(t, `
transition:
  batchSize: 3
`)
	v := viper.New()
	v.SetConfigFile(path)
	holder, err := newTransitionConfigHolder(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := os.WriteFile(path, []byte("transition:\n  batchSize: -1\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if err := holder.reload(v); err == nil {
		t.Fatalf("expected reload to reject negative batch size")
	}
	if got := holder.Get().BatchSize; got != 3 {
		t.Fatalf("expected previous batch size 3 to survive, got %d", got)
	}
}

func TestNilTransitionConfigHolderReturnsDefaults(t *testing.T) {
	var holder *TransitionConfigHolder
	if holder.Get().BatchSize != DefaultTransitionConfig().BatchSize {
		t.Fatalf("expected defaults from nil holder")
	}
}
