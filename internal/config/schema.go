package config

// Config holds bindery configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Database    DatabaseCfg    `mapstructure:"database" yaml:"database"`
	Blob        BlobCfg        `mapstructure:"blob" yaml:"blob"`
	Pipeline    PipelineCfg    `mapstructure:"pipeline" yaml:"pipeline"`
	Cache       CacheCfg       `mapstructure:"cache" yaml:"cache"`
	Detection   DetectionCfg   `mapstructure:"detection" yaml:"detection"`
	Enhancement EnhancementCfg `mapstructure:"enhancement" yaml:"enhancement"`
	Postgres    PostgresCfg    `mapstructure:"postgres" yaml:"postgres"`
}

// DatabaseCfg selects the relational store.
type DatabaseCfg struct {
	Driver   string `mapstructure:"driver" yaml:"driver"` // "sqlite" or "postgres"
	DSN      string `mapstructure:"dsn" yaml:"dsn"`       // Empty: {home}/bindery.db, or the managed container
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
}

// BlobCfg selects where uploaded files live.
type BlobCfg struct {
	Backend         string `mapstructure:"backend" yaml:"backend"` // "local" or "gcs"
	Root            string `mapstructure:"root" yaml:"root"`       // Empty: {home}/blobs
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

// PipelineCfg tunes the job runner. Durations use Go syntax ("500ms").
type PipelineCfg struct {
	Workers          int    `mapstructure:"workers" yaml:"workers"`
	PollInterval     string `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxRetries       int    `mapstructure:"max_retries" yaml:"max_retries"`
	WorkflowTimeout  string `mapstructure:"workflow_timeout" yaml:"workflow_timeout"`
	WatchdogInterval string `mapstructure:"watchdog_interval" yaml:"watchdog_interval"`
	ChapterBatchSize int    `mapstructure:"chapter_batch_size" yaml:"chapter_batch_size"`
}

// CacheCfg is the stage cache eviction policy.
type CacheCfg struct {
	MaxAge          string `mapstructure:"max_age" yaml:"max_age"`
	MinHits         int    `mapstructure:"min_hits" yaml:"min_hits"`
	JanitorInterval string `mapstructure:"janitor_interval" yaml:"janitor_interval"`
}

// DetectionCfg tunes chapter boundary detection. Changing any of it
// invalidates cached detection results.
type DetectionCfg struct {
	Weights             WeightsCfg `mapstructure:"weights" yaml:"weights"`
	MinPatternChars     int        `mapstructure:"min_pattern_chars" yaml:"min_pattern_chars"`
	MinStructuralChars  int        `mapstructure:"min_structural_chars" yaml:"min_structural_chars"`
	StructuralThreshold float64    `mapstructure:"structural_threshold" yaml:"structural_threshold"`
	SemanticTarget      int        `mapstructure:"semantic_target" yaml:"semantic_target"`
	SemanticMin         int        `mapstructure:"semantic_min" yaml:"semantic_min"`
	SemanticMax         int        `mapstructure:"semantic_max" yaml:"semantic_max"`
	TransitionThreshold float64    `mapstructure:"transition_threshold" yaml:"transition_threshold"`
	FallbackWords       int        `mapstructure:"fallback_words" yaml:"fallback_words"`
	OptimizeWindow      int        `mapstructure:"optimize_window" yaml:"optimize_window"`
}

// WeightsCfg are the strategy selection weights.
type WeightsCfg struct {
	Confidence   float64 `mapstructure:"confidence" yaml:"confidence"`
	CountBonus   float64 `mapstructure:"count_bonus" yaml:"count_bonus"`
	CountPenalty float64 `mapstructure:"count_penalty" yaml:"count_penalty"`
	Consistency  float64 `mapstructure:"consistency" yaml:"consistency"`
	MethodBonus  float64 `mapstructure:"method_bonus" yaml:"method_bonus"`
}

// EnhancementCfg configures chapter summarization.
type EnhancementCfg struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Provider    string  `mapstructure:"provider" yaml:"provider"` // "openai" or "mock"
	Model       string  `mapstructure:"model" yaml:"model"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"`   // Supports ${ENV_VAR} syntax
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url"` // Any OpenAI-compatible endpoint
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	Timeout     string  `mapstructure:"timeout" yaml:"timeout"`

	BatchSize   int `mapstructure:"batch_size" yaml:"batch_size"`
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
	PerMinute   int `mapstructure:"per_minute" yaml:"per_minute"`
	PerHour     int `mapstructure:"per_hour" yaml:"per_hour"`

	MaxAttempts int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBase string `mapstructure:"backoff_base" yaml:"backoff_base"`
	MaxBackoff  string `mapstructure:"max_backoff" yaml:"max_backoff"`
	PromptChars int    `mapstructure:"prompt_chars" yaml:"prompt_chars"`
	MinWords    int    `mapstructure:"min_words" yaml:"min_words"`
	MaxWords    int    `mapstructure:"max_words" yaml:"max_words"`
}

// PostgresCfg holds the managed PostgreSQL container configuration.
type PostgresCfg struct {
	// Managed starts the container with serve when the driver is postgres
	// and no DSN is set.
	Managed bool `mapstructure:"managed" yaml:"managed"`
	// ContainerName is the Docker container name (default: derived from the home dir)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	Image         string `mapstructure:"image" yaml:"image"`
	Port          string `mapstructure:"port" yaml:"port"`
	User          string `mapstructure:"user" yaml:"user"`
	Password      string `mapstructure:"password" yaml:"password"` // Supports ${ENV_VAR} syntax
	Database      string `mapstructure:"database" yaml:"database"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseCfg{
			Driver:   "sqlite",
			MaxConns: 10,
		},
		Blob: BlobCfg{
			Backend: "local",
		},
		Pipeline: PipelineCfg{
			Workers:          4,
			PollInterval:     "500ms",
			MaxRetries:       3,
			WorkflowTimeout:  "15m",
			WatchdogInterval: "30s",
			ChapterBatchSize: 10,
		},
		Cache: CacheCfg{
			MaxAge:          "720h",
			MinHits:         2,
			JanitorInterval: "1h",
		},
		Detection: DetectionCfg{
			Weights: WeightsCfg{
				Confidence:   0.4,
				CountBonus:   0.3,
				CountPenalty: 0.2,
				Consistency:  0.2,
				MethodBonus:  0.1,
			},
			MinPatternChars:     500,
			MinStructuralChars:  1000,
			StructuralThreshold: 0.6,
			SemanticTarget:      2500,
			SemanticMin:         1200,
			SemanticMax:         4000,
			TransitionThreshold: 0.3,
			FallbackWords:       2500,
			OptimizeWindow:      200,
		},
		Enhancement: EnhancementCfg{
			Enabled:     true,
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			APIKey:      "${OPENAI_API_KEY}",
			Temperature: 0.3,
			Timeout:     "120s",
			BatchSize:   5,
			Concurrency: 4,
			PerMinute:   15,
			PerHour:     250,
			MaxAttempts: 5,
			BackoffBase: "2s",
			MaxBackoff:  "60s",
			PromptChars: 4000,
			MinWords:    100,
			MaxWords:    300,
		},
		Postgres: PostgresCfg{
			Image:    "postgres:16-alpine",
			Port:     "5433",
			User:     "bindery",
			Password: "bindery",
			Database: "bindery",
		},
	}
}
