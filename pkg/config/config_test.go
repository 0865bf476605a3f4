package config

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/g8r/g8r/pkg/engine"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got %v", err)
	}
	if cfg.Engine.Concurrency != 4 {
		t.Errorf("Expected concurrency 4, got %d", cfg.Engine.Concurrency)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("Expected sqlite driver, got %s", cfg.Store.Driver)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "g8r.yaml")
	content := `
store:
  driver: postgres
  dsn: postgres://g8r@localhost/g8r
engine:
  concurrency: 8
  retry:
    max_attempts: 3
    base_delay: 2s
    max_delay: 30s
stacks:
  default_interval: 10m
  work_dir: /var/lib/g8r
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Store.Driver != "postgres" {
		t.Errorf("Expected postgres driver, got %s", cfg.Store.Driver)
	}
	if cfg.Engine.Concurrency != 8 {
		t.Errorf("Expected concurrency 8, got %d", cfg.Engine.Concurrency)
	}
	if cfg.Engine.Retry.MaxAttempts != 3 || cfg.Engine.Retry.BaseDelay != 2*time.Second {
		t.Errorf("Expected retry overrides, got %+v", cfg.Engine.Retry)
	}
	// Unset keys keep their defaults.
	if cfg.Engine.Retry.MaxElapsed != engine.DefaultRetryPolicy().MaxElapsed {
		t.Errorf("Expected default max elapsed, got %v", cfg.Engine.Retry.MaxElapsed)
	}
	if cfg.Stacks.DefaultInterval != 10*time.Minute {
		t.Errorf("Expected 10m interval, got %v", cfg.Stacks.DefaultInterval)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Expected error for missing config file")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"G8R_STORE_DRIVER": "postgres",
		"G8R_STORE_DSN":    "postgres://localhost/g8r",
		"LOG_LEVEL":        "debug",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != "postgres://localhost/g8r" {
		t.Errorf("Expected store overrides, got %+v", cfg.Store)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Telemetry.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Engine.Concurrency = 0 }},
		{"zero attempts", func(c *Config) { c.Engine.Retry.MaxAttempts = 0 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.Store.DSN = "" }},
		{"no interval", func(c *Config) { c.Stacks.DefaultInterval = 0 }},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Expected validation error")
			}
		})
	}
}

func TestSnapshotLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"infra/rosters.yaml": {Data: []byte(`
rosters:
  - name: prod-us
    type: aws
    traits: [aws, us-east-1]
    connection:
      region: us-east-1
`)},
		"infra/duties.json": {Data: []byte(`{
  "duties": [
    {"name": "assets", "type": "s3_bucket", "backend": "aws", "selector": {"traits": ["aws"]}, "spec": {"versioned": true, "replicas": 2}},
    {"name": "cdn", "type": "distribution", "backend": "aws", "depends_on": ["assets"]}
  ]
}`)},
		"infra/README.md":      {Data: []byte("# not config")},
		"infra/.git/HEAD.yaml": {Data: []byte("rosters: [{name: ignored}]")},
	}

	snap, err := NewSnapshotLoader().Load(fsys, "infra")
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}

	if len(snap.Rosters) != 1 || len(snap.Duties) != 2 {
		t.Fatalf("Expected 1 roster and 2 duties, got %d and %d", len(snap.Rosters), len(snap.Duties))
	}
	if snap.Rosters[0].Connection["region"] != "us-east-1" {
		t.Errorf("Expected region connection, got %v", snap.Rosters[0].Connection)
	}

	// Files are read in lexical order: duties.json before rosters.yaml.
	assets := snap.Duties[0]
	if assets.Name != "assets" || len(assets.Selector.Traits) != 1 {
		t.Fatalf("Expected assets duty with selector, got %+v", assets)
	}
	if assets.Spec["replicas"] != float64(2) {
		t.Errorf("Expected replicas 2, got %v (%T)", assets.Spec["replicas"], assets.Spec["replicas"])
	}
	if snap.Duties[1].DependsOn[0] != "assets" {
		t.Errorf("Expected cdn to depend on assets, got %v", snap.Duties[1].DependsOn)
	}
}

func TestSnapshotMultiDocumentYAML(t *testing.T) {
	data := []byte(`
rosters:
  - name: r1
    type: aws
---
duties:
  - name: d1
    type: echo
    backend: local
`)
	snap, err := NewSnapshotLoader().Decode("all.yaml", data)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(snap.Rosters) != 1 || len(snap.Duties) != 1 {
		t.Fatalf("Expected one roster and one duty, got %d and %d", len(snap.Rosters), len(snap.Duties))
	}
}

func TestSnapshotSchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
	}{
		{"missing backend", "a.yaml", "duties:\n  - name: d1\n    type: echo\n"},
		{"unknown field", "a.yaml", "duties:\n  - name: d1\n    type: echo\n    backend: local\n    status: deployed\n"},
		{"bad name", "a.yaml", "rosters:\n  - name: 'bad name'\n    type: aws\n"},
		{"traits not a list", "a.json", `{"rosters": [{"name": "r1", "type": "aws", "traits": "aws"}]}`},
		{"malformed yaml", "a.yaml", "duties: [\n"},
	}

	loader := NewSnapshotLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Decode(tt.file, []byte(tt.data))
			if err == nil {
				t.Fatalf("Expected error")
			}
			if engine.ReasonOf(err) != engine.ErrCodeConfiguration {
				t.Errorf("Expected %s, got %s", engine.ErrCodeConfiguration, engine.ReasonOf(err))
			}
		})
	}
}

func TestSnapshotDuplicateNames(t *testing.T) {
	fsys := fstest.MapFS{
		"a.yaml": {Data: []byte("duties:\n  - {name: d1, type: echo, backend: local}\n")},
		"b.yaml": {Data: []byte("duties:\n  - {name: d1, type: echo, backend: local}\n")},
	}

	_, err := NewSnapshotLoader().Load(fsys, ".")
	if err == nil {
		t.Fatalf("Expected duplicate duty error")
	}
	if engine.ReasonOf(err) != engine.ErrCodeConfiguration {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestSnapshotMissingPath(t *testing.T) {
	_, err := NewSnapshotLoader().Load(fstest.MapFS{}, "nowhere")
	if engine.ReasonOf(err) != engine.ErrCodeConfiguration {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestSchemaRegistryCustomSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.RegisterSchema("custom", "#Item: {id: int & >0}"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if err := sr.Validate("custom", "#Item", map[string]interface{}{"id": 3}); err != nil {
		t.Errorf("Expected valid item, got %v", err)
	}
	if err := sr.Validate("custom", "#Item", map[string]interface{}{"id": -1}); err == nil {
		t.Errorf("Expected invalid item")
	}
	if err := sr.Validate("missing", "#Item", nil); err == nil {
		t.Errorf("Expected unknown schema error")
	}
	if err := sr.RegisterSchema("broken", "#X: {"); err == nil {
		t.Errorf("Expected compile error")
	}
}
