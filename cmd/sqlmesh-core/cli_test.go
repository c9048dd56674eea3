package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	log = newLogger("error", "")
	os.Exit(m.Run())
}

func TestScanFromClauseTablesFindsReferences(t *testing.T) {
	sql := "SELECT a.x FROM raw.orders a JOIN raw.customers b ON a.customer_id = b.id"
	refs := scanFromClauseTables(sql)
	if len(refs) != 2 {
		t.Fatalf("expected 2 table refs, got %d: %+v", len(refs), refs)
	}
	if refs[0].Name != "raw.orders" || refs[1].Name != "raw.customers" {
		t.Fatalf("unexpected refs: %+v", refs)
	}
}

func TestStubParseModelBuildsValidModel(t *testing.T) {
	m, err := stubParseModel("/models/orders_daily.sql", []byte("SELECT * FROM raw.orders"))
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "orders_daily" {
		t.Errorf("expected name orders_daily, got %q", m.Name)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("stub model should validate: %v", err)
	}
}

func TestLoadModelsDiscoversSQLFiles(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "upstream.sql"), "SELECT * FROM raw.events")
	write(t, filepath.Join(dir, "downstream.sql"), "SELECT * FROM upstream")
	write(t, filepath.Join(dir, "notes.md"), "ignored")

	registry, err := loadModels(dir)
	if err != nil {
		t.Fatal(err)
	}
	models := registry.Snapshot()
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d: %+v", len(models), models)
	}
}

func TestComputeSnapshotIDsOrdersByDependency(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "upstream.sql"), "SELECT * FROM raw.events")
	write(t, filepath.Join(dir, "downstream.sql"), "SELECT * FROM upstream")

	registry, err := loadModels(dir)
	if err != nil {
		t.Fatal(err)
	}
	ids, levels, err := computeSnapshotIDs(registry.Snapshot())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 snapshot ids, got %d", len(ids))
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 dependency levels, got %d: %+v", len(levels), levels)
	}
	if levels[0][0] != "upstream" || levels[1][0] != "downstream" {
		t.Fatalf("expected upstream before downstream, got %+v", levels)
	}
}

func TestParseWindowFlagAcceptsRFC3339(t *testing.T) {
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	got, err := parseWindowFlag("2026-01-01T00:00:00Z", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseWindowFlagAcceptsNaturalLanguage(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	got, err := parseWindowFlag("yesterday", now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Year() != 2026 || got.Month() != time.January || got.Day() != 14 {
		t.Errorf("expected yesterday to resolve to Jan 14, got %v", got)
	}
}

func TestParseWindowFlagRejectsEmpty(t *testing.T) {
	if _, err := parseWindowFlag("", time.Now()); err == nil {
		t.Fatal("expected error for empty window value")
	}
}

func TestNewLoggerFallsBackToInfoOnUnknownLevel(t *testing.T) {
	entry := newLogger("not-a-level", "")
	if entry.Logger.GetLevel().String() != "info" {
		t.Errorf("expected info level fallback, got %s", entry.Logger.GetLevel())
	}
}

func write(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}
