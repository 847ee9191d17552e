package config

import (
	"time"

	"github.com/jackzampolin/bindery/internal/blob"
	"github.com/jackzampolin/bindery/internal/detect"
	"github.com/jackzampolin/bindery/internal/enhance"
	"github.com/jackzampolin/bindery/internal/pgdocker"
	"github.com/jackzampolin/bindery/internal/store"
)

// StoreConfig returns the store settings. sqlitePath is used when the
// driver is sqlite and no DSN is set; managedDSN when the driver is
// postgres and no DSN is set.
func (c *Config) StoreConfig(sqlitePath, managedDSN string) store.Config {
	dsn := ResolveEnvVars(c.Database.DSN)
	if dsn == "" {
		if c.Database.Driver == "postgres" {
			dsn = managedDSN
		} else {
			dsn = sqlitePath
		}
	}
	return store.Config{
		Driver:   c.Database.Driver,
		DSN:      dsn,
		MaxConns: c.Database.MaxConns,
	}
}

// NeedsManagedPostgres reports whether serve should start the container.
func (c *Config) NeedsManagedPostgres() bool {
	return c.Database.Driver == "postgres" && c.Database.DSN == "" && c.Postgres.Managed
}

// BlobConfig returns the blob backend settings, with defaultRoot used for
// a local backend without an explicit root.
func (c *Config) BlobConfig(defaultRoot string) blob.Config {
	root := c.Blob.Root
	if root == "" {
		root = defaultRoot
	}
	return blob.Config{
		Backend:         c.Blob.Backend,
		Root:            root,
		Bucket:          c.Blob.Bucket,
		Prefix:          c.Blob.Prefix,
		CredentialsFile: ResolveEnvVars(c.Blob.CredentialsFile),
	}
}

// PostgresConfig returns the managed container settings.
func (c *Config) PostgresConfig(homePath, dataPath string) pgdocker.Config {
	return pgdocker.Config{
		ContainerName: c.Postgres.ContainerName,
		HomePath:      homePath,
		Image:         c.Postgres.Image,
		DataPath:      dataPath,
		HostPort:      c.Postgres.Port,
		User:          c.Postgres.User,
		Password:      ResolveEnvVars(c.Postgres.Password),
		Database:      c.Postgres.Database,
	}
}

// DetectOptions returns the chapter detector options.
func (c *Config) DetectOptions() detect.Options {
	d := c.Detection
	return detect.Options{
		Weights: detect.Weights{
			Confidence:   d.Weights.Confidence,
			CountBonus:   d.Weights.CountBonus,
			CountPenalty: d.Weights.CountPenalty,
			Consistency:  d.Weights.Consistency,
			MethodBonus:  d.Weights.MethodBonus,
		},
		MinPatternChars:     d.MinPatternChars,
		MinStructuralChars:  d.MinStructuralChars,
		StructuralThreshold: d.StructuralThreshold,
		SemanticTarget:      d.SemanticTarget,
		SemanticMin:         d.SemanticMin,
		SemanticMax:         d.SemanticMax,
		TransitionThreshold: d.TransitionThreshold,
		FallbackWords:       d.FallbackWords,
		OptimizeWindow:      d.OptimizeWindow,
	}
}

// BudgetConfig returns the summarization rate limits.
func (c *Config) BudgetConfig() enhance.BudgetConfig {
	return enhance.BudgetConfig{
		Concurrency: c.Enhancement.Concurrency,
		PerMinute:   c.Enhancement.PerMinute,
		PerHour:     c.Enhancement.PerHour,
	}
}

// OpenAIConfig returns the chat completion client settings with the API
// key resolved from the environment.
func (c *Config) OpenAIConfig() enhance.OpenAIConfig {
	return enhance.OpenAIConfig{
		APIKey:      ResolveEnvVars(c.Enhancement.APIKey),
		BaseURL:     c.Enhancement.BaseURL,
		Model:       c.Enhancement.Model,
		Temperature: c.Enhancement.Temperature,
		Timeout:     duration(c.Enhancement.Timeout),
	}
}

// WorkerConfig returns the enhancement worker tuning. Store, summarizer
// and budget are filled in by the caller.
func (c *Config) WorkerConfig() enhance.Config {
	return enhance.Config{
		PromptChars: c.Enhancement.PromptChars,
		MinWords:    c.Enhancement.MinWords,
		MaxWords:    c.Enhancement.MaxWords,
		MaxAttempts: c.Enhancement.MaxAttempts,
		BackoffBase: duration(c.Enhancement.BackoffBase),
		MaxBackoff:  duration(c.Enhancement.MaxBackoff),
	}
}

// PollInterval is the runner's idle poll interval.
func (c *Config) PollInterval() time.Duration { return duration(c.Pipeline.PollInterval) }

// WorkflowTimeout bounds a document's time in processing.
func (c *Config) WorkflowTimeout() time.Duration { return duration(c.Pipeline.WorkflowTimeout) }

// WatchdogInterval is how often timed-out documents are checked.
func (c *Config) WatchdogInterval() time.Duration { return duration(c.Pipeline.WatchdogInterval) }

// CacheMaxAge is the eviction age of stage cache entries.
func (c *Config) CacheMaxAge() time.Duration { return duration(c.Cache.MaxAge) }

// CacheJanitorInterval is how often the cache is swept.
func (c *Config) CacheJanitorInterval() time.Duration { return duration(c.Cache.JanitorInterval) }
