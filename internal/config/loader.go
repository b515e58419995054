// Package config loads gowarden process configuration.
//
// Precedence, highest first: runtime overrides, environment variables
// (GOWARDEN_ prefix), config file (gowarden.yaml in the working
// directory or the user config dir), built-in defaults.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"

	"github.com/3leaps/gowarden/pkg/jobfile"
)

const (
	appName   = "gowarden"
	envPrefix = "GOWARDEN"
)

// Config is the full process configuration.
type Config struct {
	// JobsRoot is the directory holding job manifests, logs, and
	// workspaces. Defaults to <user data dir>/gowarden/jobs.
	JobsRoot string `mapstructure:"jobs_root"`

	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Sentinel SentinelConfig `mapstructure:"sentinel"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig configures process logging.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Verbose bool   `mapstructure:"verbose"`
}

// EngineConfig tunes the step driver.
type EngineConfig struct {
	Runner               string        `mapstructure:"runner"`
	Agent                string        `mapstructure:"agent"`
	LockTimeout          time.Duration `mapstructure:"lock_timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	StepTimeout          time.Duration `mapstructure:"step_timeout"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	RecoveryRetries      int           `mapstructure:"recovery_retries"`
	AutonomousThreshold  time.Duration `mapstructure:"autonomous_threshold"`
	InteractiveThreshold time.Duration `mapstructure:"interactive_threshold"`
	EvidenceGlobs        []string      `mapstructure:"evidence_globs"`
}

// SentinelConfig tunes hang detection.
type SentinelConfig struct {
	Interval                time.Duration `mapstructure:"interval"`
	MaxInterventionsPerHour int           `mapstructure:"max_interventions_per_hour"`
	MemoryCeilingBytes      int64         `mapstructure:"memory_ceiling_bytes"`
}

// ArchiveConfig configures the evidence uploader. Archiving is off
// until a bucket is set.
type ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	MaxFileBytes    int64  `mapstructure:"max_file_bytes"`
}

// Enabled reports whether archiving is configured.
func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// Thresholds maps roles to inactivity thresholds for the engine and the
// sentinel, which must agree on what "silent too long" means.
func (e EngineConfig) Thresholds() map[string]time.Duration {
	return map[string]time.Duration{
		jobfile.RoleAutonomous:  e.AutonomousThreshold,
		jobfile.RoleInteractive: e.InteractiveThreshold,
	}
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load builds the configuration. Optional runtime overrides (nested
// maps keyed like the config file) take precedence over everything.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(appName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dataDir := gfconfig.GetAppDataDir(appName); dataDir != "" {
		v.AddConfigPath(dataDir)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// Explicit Set outranks env vars in viper; nested override maps are
	// flattened to dotted keys so they win outright.
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.JobsRoot == "" {
		cfg.JobsRoot = filepath.Join(gfconfig.GetAppDataDir(appName), "jobs")
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the last loaded configuration, nil before Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// LockDir returns the advisory lock directory under the jobs root.
func (c *Config) LockDir() string {
	return filepath.Join(c.JobsRoot, "locks")
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.verbose", false)

	v.SetDefault("engine.runner", "host")
	v.SetDefault("engine.agent", "script")
	v.SetDefault("engine.lock_timeout", 10*time.Second)
	v.SetDefault("engine.poll_interval", time.Second)
	v.SetDefault("engine.step_timeout", 30*time.Minute)
	v.SetDefault("engine.heartbeat_interval", 30*time.Second)
	v.SetDefault("engine.recovery_retries", 2)
	v.SetDefault("engine.autonomous_threshold", 10*time.Minute)
	v.SetDefault("engine.interactive_threshold", 2*time.Minute)
	v.SetDefault("engine.evidence_globs", []string{})

	v.SetDefault("sentinel.interval", 15*time.Second)
	v.SetDefault("sentinel.max_interventions_per_hour", 6)
	v.SetDefault("sentinel.memory_ceiling_bytes", int64(0))

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.max_file_bytes", int64(0))
}
