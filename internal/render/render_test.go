package render

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/biomunky/sqlmesh/internal/ast"
	"github.com/biomunky/sqlmesh/internal/engine"
	"github.com/biomunky/sqlmesh/internal/model"
	"github.com/biomunky/sqlmesh/internal/sqlerrors"
)

// fakeParser turns "SELECT <expr>, <expr> FROM <table>[, <table>]" text into
// a Query. It exists only so render_test.go can exercise the full pipeline
// without a real SQL grammar, which this module treats as an external
// collaborator.
type fakeParser struct{}

func (fakeParser) Parse(sql string, dialect ast.Dialect) (*ast.Query, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return &ast.Query{}, nil
	}
	upper := strings.ToUpper(sql)
	fromIdx := strings.Index(upper, " FROM ")
	if fromIdx < 0 {
		return nil, fmt.Errorf("fakeParser: no FROM clause in %q", sql)
	}
	selectPart := strings.TrimSpace(sql[len("SELECT "):fromIdx])
	fromPart := strings.TrimSpace(sql[fromIdx+len(" FROM "):])

	var projections []ast.Projection
	for _, p := range strings.Split(selectPart, ",") {
		projections = append(projections, ast.Projection{Expr: strings.TrimSpace(p)})
	}
	var from []ast.TableRef
	for _, t := range strings.Split(fromPart, ",") {
		from = append(from, ast.TableRef{Name: strings.TrimSpace(t)})
	}
	return &ast.Query{Projections: projections, From: from}, nil
}

type fakeMapper map[string]string

func (f fakeMapper) TableMapping(isDev bool) map[string]string { return f }

// fakeAdapter embeds the engine.Adapter interface unset so a test only
// needs to override the one method its scenario exercises; any other
// method call panics on the nil embedded interface, which is the point.
type fakeAdapter struct {
	engine.Adapter
	fetch func(ctx context.Context, sql string) ([]map[string]any, error)
}

func (f fakeAdapter) FetchDF(ctx context.Context, sql string) ([]map[string]any, error) {
	return f.fetch(ctx, sql)
}

func win() Window {
	return Window{
		Start:  time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		End:    time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
		Latest: time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func newTestModel(body string) *model.Model {
	return &model.Model{
		Name:          "db.orders",
		Dialect:       ast.DialectDuckDB,
		Kind:          model.KindFull,
		JinjaRegistry: map[string]string{"__body__": body},
	}
}

func TestRenderQueryEmptyBodyYieldsEmptyResult(t *testing.T) {
	m := newTestModel("")
	r := New(m, fakeParser{}, nil, nil, nil, nil)
	q, err := r.RenderQuery(win(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Projections) != 0 {
		t.Fatalf("expected empty query, got %+v", q)
	}
}

func TestRenderQueryResolvesTableMapping(t *testing.T) {
	m := newTestModel("SELECT 1, ds FROM db.upstream")
	r := New(m, fakeParser{}, nil, nil, nil, nil)

	opts := Options{Snapshots: map[string]TableMapper{
		"db.upstream": fakeMapper{"db.upstream": "sqlmesh__default.upstream__123"},
	}}
	q, err := r.RenderQuery(win(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.From) != 1 || q.From[0].Name != "sqlmesh__default.upstream__123" {
		t.Fatalf("expected resolved physical table, got %+v", q.From)
	}
}

func TestRenderQueryExpandInlinesSubquery(t *testing.T) {
	m := newTestModel("SELECT 1, ds FROM db.upstream")
	r := New(m, fakeParser{}, nil, nil, nil, nil)

	opts := Options{Expand: map[string]bool{"db.upstream": true}}
	q, err := r.RenderQuery(win(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(q.From[0].Name, "SELECT * FROM db.upstream") {
		t.Fatalf("expected inlined subquery, got %+v", q.From)
	}
}

func TestRenderQueryReusesOptimizedCache(t *testing.T) {
	m := newTestModel("SELECT 1, ds FROM db.upstream")
	r := New(m, fakeParser{}, nil, nil, nil, nil)

	q1, err := r.RenderQuery(win(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	// Seed a distinguishable value directly into the optimized cache and
	// confirm the second call (same window, no snapshots/expand) reuses it
	// rather than re-deriving.
	seeded := &ast.Query{Projections: []ast.Projection{{Expr: "sentinel"}}}
	r.SeedOptimizedCache(win(), seeded)

	q2, err := r.RenderQuery(win(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(q2.Projections) != 1 || q2.Projections[0].Expr != "sentinel" {
		t.Fatalf("expected cached sentinel query, got %+v (original was %+v)", q2, q1)
	}
}

func TestRenderQuerySnapshotsBypassOptimizedCache(t *testing.T) {
	m := newTestModel("SELECT 1, ds FROM db.upstream")
	r := New(m, fakeParser{}, nil, nil, nil, nil)

	seeded := &ast.Query{Projections: []ast.Projection{{Expr: "sentinel"}}}
	r.SeedOptimizedCache(win(), seeded)

	opts := Options{Snapshots: map[string]TableMapper{
		"db.upstream": fakeMapper{"db.upstream": "sqlmesh__default.upstream__123"},
	}}
	q, err := r.RenderQuery(win(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.Projections) == 1 && q.Projections[0].Expr == "sentinel" {
		t.Fatal("expected snapshots option to bypass the optimized cache")
	}
}

func TestApplyIncrementalFilter(t *testing.T) {
	m := newTestModel("SELECT id, ds FROM db.orders")
	m.TimeColumn = "ds"
	r := New(m, fakeParser{}, nil, nil, nil, nil)

	q, err := r.RenderQuery(win(), Options{ApplyIncremental: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(q.Where, "ds BETWEEN") {
		t.Fatalf("expected incremental filter on ds, got where=%q", q.Where)
	}
	if len(q.From) != 1 || !strings.HasPrefix(q.From[0].Name, "(") {
		t.Fatalf("expected wrapped subquery, got %+v", q.From)
	}
}

func TestOptimizeFallsBackWithoutSchema(t *testing.T) {
	m := newTestModel("SELECT 1, 2 FROM db.upstream")
	r := New(m, fakeParser{}, nil, nil, nil, nil)
	q, err := r.RenderQuery(win(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range q.Projections {
		if p.Alias == "" {
			t.Fatalf("expected every unnamed projection aliased when schema is missing, got %+v", q.Projections)
		}
	}
}

func TestRenderQueryFailsFetchdfCallWithoutAdapter(t *testing.T) {
	m := newTestModel(`SELECT 1 FROM db.upstream -- {{fetchdf "SELECT max(ds) FROM db.upstream"}}`)
	r := New(m, fakeParser{}, nil, nil, nil, nil)

	_, err := r.RenderQuery(win(), Options{})
	var adapterErr *sqlerrors.ParsetimeAdapterCall
	if !errors.As(err, &adapterErr) {
		t.Fatalf("expected *sqlerrors.ParsetimeAdapterCall without a live adapter, got %v", err)
	}
}

func TestRenderQueryResolvesFetchdfCallWithAdapter(t *testing.T) {
	m := newTestModel(`SELECT 1 FROM db.upstream -- {{fetchdf "SELECT max(ds) FROM db.upstream"}}`)
	adapter := fakeAdapter{fetch: func(ctx context.Context, sql string) ([]map[string]any, error) {
		return []map[string]any{{"max_ds": "2023-01-01"}}, nil
	}}
	r := New(m, fakeParser{}, nil, nil, nil, adapter)

	_, err := r.RenderQuery(win(), Options{})
	var adapterErr *sqlerrors.ParsetimeAdapterCall
	if errors.As(err, &adapterErr) {
		t.Fatalf("expected live adapter to resolve fetchdf, got %v", err)
	}
	if err != nil {
		t.Fatal(err)
	}
}
