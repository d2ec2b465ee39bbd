package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TransitionConfig tunes the billing-period transition scheduler.
type TransitionConfig struct {
	RunInterval time.Duration `mapstructure:"runInterval"`
	BatchSize   int           `mapstructure:"batchSize"`
	JobTimeout  time.Duration `mapstructure:"jobTimeout"`
	EnabledJobs []string      `mapstructure:"enabledJobs"`
	LockTTL     time.Duration `mapstructure:"lockTTL"`
}

func DefaultTransitionConfig() TransitionConfig {
	return TransitionConfig{
		RunInterval: time.Minute,
		BatchSize:   50,
		JobTimeout:  30 * time.Second,
		LockTTL:     30 * time.Second,
	}
}

type TransitionConfigHolder struct {
	current atomic.Value // holds TransitionConfig
}

// NewTransitionConfigHolder reads transition.yml from the usual config paths.
// A missing file falls back to defaults; the file is watched for changes.
func NewTransitionConfigHolder() (*TransitionConfigHolder, error) {
	v := viper.New()
	v.SetConfigName("transition")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/creditledger/config")
	v.AddConfigPath("/etc/creditledger")
	v.AddConfigPath(".")
	return newTransitionConfigHolder(v)
}

// NewTransitionConfigHolderFromFile reads an explicit config file.
func NewTransitionConfigHolderFromFile(path string) (*TransitionConfigHolder, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return newTransitionConfigHolder(v)
}

func newTransitionConfigHolder(v *viper.Viper) (*TransitionConfigHolder, error) {
	v.SetEnvPrefix("CREDITLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTransitionConfig()
	v.SetDefault("transition.runInterval", defaults.RunInterval)
	v.SetDefault("transition.batchSize", defaults.BatchSize)
	v.SetDefault("transition.jobTimeout", defaults.JobTimeout)
	v.SetDefault("transition.lockTTL", defaults.LockTTL)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	holder := &TransitionConfigHolder{}
	if err := holder.reload(v); err != nil {
		return nil, err
	}
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := holder.reload(v); err != nil {
			log.Printf("[transition-config] invalid config ignored: %v", err)
			return
		}
		log.Printf("[transition-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *TransitionConfigHolder) reload(v *viper.Viper) error {
	// Unmarshal (not UnmarshalKey) so nested defaults are merged with the file.
	var wrapper struct {
		Transition TransitionConfig `mapstructure:"transition"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return err
	}
	if err := validateTransitionConfig(wrapper.Transition); err != nil {
		return err
	}
	h.current.Store(wrapper.Transition)
	return nil
}

func (h *TransitionConfigHolder) Get() TransitionConfig {
	if h == nil {
		return DefaultTransitionConfig()
	}
	cfg, ok := h.current.Load().(TransitionConfig)
	if !ok {
		return DefaultTransitionConfig()
	}
	return cfg
}

func validateTransitionConfig(cfg TransitionConfig) error {
	if cfg.RunInterval <= 0 {
		return errors.New("transition.runInterval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("transition.batchSize must be positive")
	}
	if cfg.JobTimeout <= 0 {
		return errors.New("transition.jobTimeout must be positive")
	}
	if cfg.LockTTL < cfg.JobTimeout {
		return errors.New("transition.lockTTL cannot be shorter than transition.jobTimeout")
	}
	return nil
}
