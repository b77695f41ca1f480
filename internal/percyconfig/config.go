// Package percyconfig loads the PercyConfig options described in §4.4:
// construction options recognized by the core, read from an optional
// config file, environment variables, and defaults — the same
// file+env+defaults cascade the teacher's internal/config package uses
// for its own Config, narrowed to the one struct this spec defines.
package percyconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is PercyConfig, §4.4's construction options plus the
// free-form snapshot/discovery maps any remaining keys normalize into.
type Config struct {
	LogLevel     string `mapstructure:"loglevel"`
	DeferUploads bool   `mapstructure:"defer_uploads"`
	SkipUploads  bool   `mapstructure:"skip_uploads"`
	DryRun       bool   `mapstructure:"dry_run"`

	Token           string `mapstructure:"token"`
	ClientInfo      string `mapstructure:"client_info"`
	EnvironmentInfo string `mapstructure:"environment_info"`

	Server bool `mapstructure:"server"`
	Port   int  `mapstructure:"port"`

	Discovery DiscoveryConfig        `mapstructure:"discovery"`
	Snapshot  map[string]interface{} `mapstructure:"snapshot"`
}

// DiscoveryConfig is the one sub-section of free-form config the core
// itself reads directly (§4.4 "Ownership": queue concurrency).
type DiscoveryConfig struct {
	Concurrency int                    `mapstructure:"concurrency"`
	Extra       map[string]interface{} `mapstructure:"-"`
}

// QueueConcurrency returns discovery.concurrency if set, else the
// default of 10 (§4.4 "Ownership").
func (c Config) QueueConcurrency() int {
	if c.Discovery.Concurrency > 0 {
		return c.Discovery.Concurrency
	}
	return 10
}

// Normalize applies the derived-mode flags of §4.4's construction
// options: dryRun implies skipUploads; skipUploads implies
// deferUploads. Under dryRun, Core.Start skips the browser launch;
// snapshot discovery still runs.
func (c Config) Normalize() Config {
	if c.DryRun {
		c.SkipUploads = true
	}
	if c.SkipUploads {
		c.DeferUploads = true
	}
	return c
}

// Merge layers override on top of c, keeping c's values where override
// leaves its field at the zero value, then normalizes the result.
func (c Config) Merge(override Config) Config {
	merged := c
	if override.LogLevel != "" {
		merged.LogLevel = override.LogLevel
	}
	merged.Server = merged.Server || override.Server
	merged.DeferUploads = merged.DeferUploads || override.DeferUploads
	merged.SkipUploads = merged.SkipUploads || override.SkipUploads
	merged.DryRun = merged.DryRun || override.DryRun
	if override.Token != "" {
		merged.Token = override.Token
	}
	if override.ClientInfo != "" {
		merged.ClientInfo = override.ClientInfo
	}
	if override.EnvironmentInfo != "" {
		merged.EnvironmentInfo = override.EnvironmentInfo
	}
	if override.Port != 0 {
		merged.Port = override.Port
	}
	if override.Discovery.Concurrency != 0 {
		merged.Discovery.Concurrency = override.Discovery.Concurrency
	}
	if len(override.Snapshot) > 0 {
		if merged.Snapshot == nil {
			merged.Snapshot = map[string]interface{}{}
		}
		for k, v := range override.Snapshot {
			merged.Snapshot[k] = v
		}
	}
	return merged.Normalize()
}

// Load reads percy.yaml (optional) plus PERCY_-prefixed environment
// variables plus defaults, the way internal/config.Load does for the
// teacher's own Config.
func Load(path string) (Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("percy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PERCY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("percyconfig: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("percyconfig: unmarshal config: %w", err)
	}

	return cfg.Normalize(), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("loglevel", "info")
	v.SetDefault("server", true)
	v.SetDefault("port", 5338)
	v.SetDefault("discovery.concurrency", 0) // 0 => Config.QueueConcurrency() default of 10
}
