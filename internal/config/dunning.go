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

// DunningConfig is the retry schedule applied to failed recurring charges.
// Delays are indexed by attempt number; attempts past the end of the list
// reuse the last configured delay.
type DunningConfig struct {
	MaxRetries  int             `mapstructure:"maxRetries"`
	RetryDelays []time.Duration `mapstructure:"retryDelays"`
}

func DefaultDunningConfig() DunningConfig {
	return DunningConfig{
		MaxRetries: 3,
		RetryDelays: []time.Duration{
			24 * time.Hour,
			72 * time.Hour,
			168 * time.Hour,
		},
	}
}

type DunningConfigHolder struct {
	current atomic.Value // holds DunningConfig
}

func NewDunningConfigHolder() (*DunningConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("dunning")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/rebill/config")
	v.AddConfigPath("/etc/rebill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultDunningConfig()
		v.SetDefault("dunning.maxRetries", defaults.MaxRetries)
		v.SetDefault("dunning.retryDelays", defaults.RetryDelays)
	}

	var cfg DunningConfig
	if err := v.UnmarshalKey("dunning", &cfg); err != nil {
		return nil, err
	}
	if err := validateDunningConfig(cfg); err != nil {
		return nil, err
	}

	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DunningConfig
		if err := v.UnmarshalKey("dunning", &updated); err != nil {
			log.Printf("[dunning-config] reload failed: %v", err)
			return
		}
		if err := validateDunningConfig(updated); err != nil {
			log.Printf("[dunning-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dunning-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticDunningConfigHolder wraps a fixed config with no file watching.
// Used by tests and by callers that resolve configuration elsewhere.
func NewStaticDunningConfigHolder(cfg DunningConfig) *DunningConfigHolder {
	holder := &DunningConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *DunningConfigHolder) Get() DunningConfig {
	return h.current.Load().(DunningConfig)
}

func validateDunningConfig(cfg DunningConfig) error {
	if cfg.MaxRetries <= 0 {
		return errors.New("dunning.maxRetries must be positive")
	}
	if len(cfg.RetryDelays) == 0 {
		return errors.New("dunning.retryDelays cannot be empty")
	}
	for _, delay := range cfg.RetryDelays {
		if delay <= 0 {
			return errors.New("dunning.retryDelays entries must be positive")
		}
	}
	return nil
}
