package config

import (
	"os"
	"path/filepath"
	"testing"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaultsWithNoConfigFile(t *testing.T) {
	chdir(t, t.TempDir())
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.SchemaPrefix != "sqlmesh" || s.ConcurrentTasks != 4 || s.CategorizationMode != "SEMI" {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

func TestLoadReadsProjectConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".sqlmesh"), 0o755); err != nil {
		t.Fatal(err)
	}
	contents := "schema-prefix: analytics\nconcurrent-tasks: 8\n"
	if err := os.WriteFile(filepath.Join(dir, ".sqlmesh", "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(dir, "models", "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	chdir(t, sub)

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.SchemaPrefix != "analytics" || s.ConcurrentTasks != 8 {
		t.Fatalf("expected config file values to be picked up from a parent directory, got %+v", s)
	}
}

func TestLoadEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".sqlmesh"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".sqlmesh", "config.yaml"), []byte("schema-prefix: analytics\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)
	t.Setenv("SQLMESH_SCHEMA_PREFIX", "from_env")

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.SchemaPrefix != "from_env" {
		t.Fatalf("expected env var to override config file, got %q", s.SchemaPrefix)
	}
}
