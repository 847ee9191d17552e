// Package config loads bindery configuration from defaults, a YAML file and
// BINDERY_ environment variables, and reloads it when the file changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes environment overrides: BINDERY_PIPELINE_WORKERS sets
// pipeline.workers.
const EnvPrefix = "BINDERY"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v         *viper.Viper
	logger    *slog.Logger
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a config manager and loads the initial config. An
// empty cfgFile searches ./config.yaml and homeDir/config.yaml; a missing
// file is not an error.
func NewManager(cfgFile, homeDir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cm := &Manager{
		v:         viper.New(),
		logger:    logger.With("component", "config"),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile, homeDir); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults, environment and config file.
func (cm *Manager) initViper(cfgFile, homeDir string) error {
	setDefaults(cm.v, "", reflect.ValueOf(*DefaultConfig()))

	cm.v.SetEnvPrefix(EnvPrefix)
	cm.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.v.AutomaticEnv()

	if cfgFile != "" {
		cm.v.SetConfigFile(cfgFile)
	} else {
		cm.v.SetConfigName("config")
		cm.v.SetConfigType("yaml")
		cm.v.AddConfigPath(".")
		if homeDir != "" {
			cm.v.AddConfigPath(homeDir)
		}
	}

	if err := cm.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(cfgFile != "" && errors.Is(err, os.ErrNotExist)) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// setDefaults registers every leaf of val under its mapstructure key so
// nested keys can be overridden from the environment.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		f := val.Field(i)
		if f.Kind() == reflect.Struct {
			setDefaults(v, key, f)
			continue
		}
		v.SetDefault(key, f.Interface())
	}
}

// load parses the current viper state into a validated Config.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading. An edit that fails to parse or
// validate is logged and the previous config stays in effect.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cm.reload(e.Name)
	})
	cm.v.WatchConfig()
}

func (cm *Manager) reload(name string) {
	cfg, err := cm.load()
	if err != nil {
		cm.logger.Warn("ignoring invalid config change", "file", name, "error", err)
		return
	}

	cm.mu.Lock()
	cm.config = cfg
	callbacks := make([]func(*Config), len(cm.callbacks))
	copy(callbacks, cm.callbacks)
	cm.mu.Unlock()

	cm.logger.Info("config reloaded", "file", name)
	for _, fn := range callbacks {
		fn(cfg)
	}
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envRef.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// Validate checks enumerations and duration syntax.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}
	switch c.Blob.Backend {
	case "local":
	case "gcs":
		if c.Blob.Bucket == "" {
			errs = append(errs, fmt.Errorf("blob.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend: unknown backend %q", c.Blob.Backend))
	}
	switch c.Enhancement.Provider {
	case "openai", "mock":
	default:
		errs = append(errs, fmt.Errorf("enhancement.provider: unknown provider %q", c.Enhancement.Provider))
	}
	for key, d := range map[string]string{
		"pipeline.poll_interval":     c.Pipeline.PollInterval,
		"pipeline.workflow_timeout":  c.Pipeline.WorkflowTimeout,
		"pipeline.watchdog_interval": c.Pipeline.WatchdogInterval,
		"cache.max_age":              c.Cache.MaxAge,
		"cache.janitor_interval":     c.Cache.JanitorInterval,
		"enhancement.timeout":        c.Enhancement.Timeout,
		"enhancement.backoff_base":   c.Enhancement.BackoffBase,
		"enhancement.max_backoff":    c.Enhancement.MaxBackoff,
	} {
		if _, err := parseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// parseDuration parses Go duration syntax; empty means zero (use the
// component default).
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// duration returns a validated duration field.
func duration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Bindery configuration
# Secrets use ${ENV_VAR} syntax to reference environment variables.
# Any key can be overridden with BINDERY_<SECTION>_<KEY>, e.g. BINDERY_PIPELINE_WORKERS=8
# Set your key in your shell: export OPENAI_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
