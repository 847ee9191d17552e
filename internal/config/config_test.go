package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Enhancement.APIKey != "${OPENAI_API_KEY}" {
		t.Error("expected openai API key placeholder")
	}
	if cfg.WorkflowTimeout() != 15*time.Minute {
		t.Errorf("expected 15m workflow timeout, got %v", cfg.WorkflowTimeout())
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("resolves embedded reference", func(t *testing.T) {
		t.Setenv("TEST_HOST", "db.local")

		result := ResolveEnvVars("postgres://${TEST_HOST}/bindery")
		if result != "postgres://db.local/bindery" {
			t.Errorf("unexpected result %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		path := writeConfig(t, `
pipeline:
  workers: 8
  workflow_timeout: 5m
detection:
  weights:
    confidence: 0.5
enhancement:
  provider: mock
`)
		cm, err := NewManager(path, "", nil)
		if err != nil {
			t.Fatalf("NewManager failed: %v", err)
		}

		cfg := cm.Get()
		if cfg.Pipeline.Workers != 8 {
			t.Errorf("expected 8 workers, got %d", cfg.Pipeline.Workers)
		}
		if cfg.WorkflowTimeout() != 5*time.Minute {
			t.Errorf("expected 5m, got %v", cfg.WorkflowTimeout())
		}
		if cfg.Detection.Weights.Confidence != 0.5 {
			t.Errorf("expected confidence weight 0.5, got %v", cfg.Detection.Weights.Confidence)
		}
		// Unset siblings keep their defaults.
		if cfg.Detection.Weights.CountBonus != 0.3 {
			t.Errorf("expected default count bonus, got %v", cfg.Detection.Weights.CountBonus)
		}
		if cfg.Pipeline.MaxRetries != 3 {
			t.Errorf("expected default max retries, got %d", cfg.Pipeline.MaxRetries)
		}
		if cm.ConfigFile() != path {
			t.Errorf("expected config file %s, got %s", path, cm.ConfigFile())
		}
	})

	t.Run("uses defaults when no config file exists", func(t *testing.T) {
		cm, err := NewManager("", t.TempDir(), nil)
		if err != nil {
			t.Fatalf("NewManager failed: %v", err)
		}
		if cm.Get().Pipeline.Workers != 4 {
			t.Errorf("expected default workers, got %d", cm.Get().Pipeline.Workers)
		}
	})

	t.Run("finds config in home directory", func(t *testing.T) {
		home := t.TempDir()
		if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("pipeline:\n  workers: 2\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		cm, err := NewManager("", home, nil)
		if err != nil {
			t.Fatalf("NewManager failed: %v", err)
		}
		if cm.Get().Pipeline.Workers != 2 {
			t.Errorf("expected 2 workers, got %d", cm.Get().Pipeline.Workers)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("BINDERY_PIPELINE_WORKERS", "12")
		t.Setenv("BINDERY_ENHANCEMENT_ENABLED", "false")
		path := writeConfig(t, "pipeline:\n  workers: 8\n")

		cm, err := NewManager(path, "", nil)
		if err != nil {
			t.Fatalf("NewManager failed: %v", err)
		}
		if cm.Get().Pipeline.Workers != 12 {
			t.Errorf("expected env override 12, got %d", cm.Get().Pipeline.Workers)
		}
		if cm.Get().Enhancement.Enabled {
			t.Error("expected enhancement disabled by env")
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		path := writeConfig(t, "database:\n  driver: mysql\n")
		if _, err := NewManager(path, "", nil); err == nil {
			t.Fatal("expected error for unknown driver")
		}
	})

	t.Run("rejects malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "pipeline: [\n")
		if _, err := NewManager(path, "", nil); err == nil {
			t.Fatal("expected parse error")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"postgres", func(c *Config) { c.Database.Driver = "postgres" }, ""},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"gcs without bucket", func(c *Config) { c.Blob.Backend = "gcs" }, "blob.bucket"},
		{"gcs with bucket", func(c *Config) { c.Blob.Backend = "gcs"; c.Blob.Bucket = "b" }, ""},
		{"bad backend", func(c *Config) { c.Blob.Backend = "s3" }, "blob.backend"},
		{"bad provider", func(c *Config) { c.Enhancement.Provider = "claude" }, "enhancement.provider"},
		{"bad duration", func(c *Config) { c.Pipeline.PollInterval = "soon" }, "pipeline.poll_interval"},
		{"empty duration", func(c *Config) { c.Cache.MaxAge = "" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestManager_Reload(t *testing.T) {
	path := writeConfig(t, "pipeline:\n  workers: 4\n")
	cm, err := NewManager(path, "", nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	var calls atomic.Int32
	var seen atomic.Int32
	cm.OnChange(func(cfg *Config) {
		calls.Add(1)
		seen.Store(int32(cfg.Pipeline.Workers))
	})

	if err := os.WriteFile(path, []byte("pipeline:\n  workers: 6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cm.v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig failed: %v", err)
	}
	cm.reload(path)

	if calls.Load() != 1 {
		t.Fatalf("expected 1 callback, got %d", calls.Load())
	}
	if seen.Load() != 6 || cm.Get().Pipeline.Workers != 6 {
		t.Errorf("expected reloaded workers 6, got %d / %d", seen.Load(), cm.Get().Pipeline.Workers)
	}

	t.Run("invalid change is ignored", func(t *testing.T) {
		if err := os.WriteFile(path, []byte("pipeline:\n  poll_interval: never\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := cm.v.ReadInConfig(); err != nil {
			t.Fatalf("ReadInConfig failed: %v", err)
		}
		cm.reload(path)

		if calls.Load() != 1 {
			t.Errorf("expected no callback for invalid config, got %d", calls.Load())
		}
		if cm.Get().Pipeline.Workers != 6 {
			t.Errorf("expected previous config to stay, got %d workers", cm.Get().Pipeline.Workers)
		}
	})
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# Bindery configuration") {
		t.Error("expected header comment")
	}

	cm, err := NewManager(path, "", nil)
	if err != nil {
		t.Fatalf("written default should load: %v", err)
	}
	if cm.Get().Enhancement.Model != DefaultConfig().Enhancement.Model {
		t.Errorf("expected default model, got %s", cm.Get().Enhancement.Model)
	}
	if cm.Get().Detection.SemanticTarget != 2500 {
		t.Errorf("expected semantic target 2500, got %d", cm.Get().Detection.SemanticTarget)
	}
}

func TestConverters(t *testing.T) {
	t.Run("store config", func(t *testing.T) {
		cfg := DefaultConfig()
		sc := cfg.StoreConfig("/home/x/bindery.db", "postgres://managed")
		if sc.Driver != "sqlite" || sc.DSN != "/home/x/bindery.db" {
			t.Errorf("unexpected sqlite store config: %+v", sc)
		}

		cfg.Database.Driver = "postgres"
		if sc := cfg.StoreConfig("/home/x/bindery.db", "postgres://managed"); sc.DSN != "postgres://managed" {
			t.Errorf("expected managed dsn, got %s", sc.DSN)
		}
		if cfg.NeedsManagedPostgres() {
			t.Error("expected managed postgres off by default")
		}
		cfg.Postgres.Managed = true
		if !cfg.NeedsManagedPostgres() {
			t.Error("expected managed postgres")
		}

		t.Setenv("TEST_PG_DSN", "postgres://explicit")
		cfg.Database.DSN = "${TEST_PG_DSN}"
		if sc := cfg.StoreConfig("", "postgres://managed"); sc.DSN != "postgres://explicit" {
			t.Errorf("expected explicit dsn, got %s", sc.DSN)
		}
		if cfg.NeedsManagedPostgres() {
			t.Error("explicit dsn should not need a managed container")
		}
	})

	t.Run("blob config", func(t *testing.T) {
		cfg := DefaultConfig()
		if bc := cfg.BlobConfig("/home/x/blobs"); bc.Root != "/home/x/blobs" || bc.Backend != "local" {
			t.Errorf("unexpected blob config: %+v", bc)
		}
		cfg.Blob.Root = "/data"
		if bc := cfg.BlobConfig("/home/x/blobs"); bc.Root != "/data" {
			t.Errorf("expected explicit root, got %s", bc.Root)
		}
	})

	t.Run("enhancement", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-test")
		cfg := DefaultConfig()

		oc := cfg.OpenAIConfig()
		if oc.APIKey != "sk-test" {
			t.Errorf("expected resolved key, got %q", oc.APIKey)
		}
		if oc.Timeout != 120*time.Second {
			t.Errorf("expected 120s timeout, got %v", oc.Timeout)
		}

		wc := cfg.WorkerConfig()
		if wc.BackoffBase != 2*time.Second || wc.MaxBackoff != time.Minute || wc.MaxAttempts != 5 {
			t.Errorf("unexpected worker config: %+v", wc)
		}

		bc := cfg.BudgetConfig()
		if bc.Concurrency != 4 || bc.PerMinute != 15 || bc.PerHour != 250 {
			t.Errorf("unexpected budget config: %+v", bc)
		}
	})

	t.Run("detection options", func(t *testing.T) {
		opts := DefaultConfig().DetectOptions()
		if opts.Weights.Confidence != 0.4 || opts.SemanticMax != 4000 || opts.OptimizeWindow != 200 {
			t.Errorf("unexpected detect options: %+v", opts)
		}
	})

	t.Run("postgres config", func(t *testing.T) {
		pc := DefaultConfig().PostgresConfig("/home/x", "/home/x/postgres")
		if pc.HostPort != "5433" || pc.User != "bindery" || pc.DataPath != "/home/x/postgres" {
			t.Errorf("unexpected postgres config: %+v", pc)
		}
	})
}
