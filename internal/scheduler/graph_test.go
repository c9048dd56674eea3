package scheduler

import (
	"testing"

	"github.com/biomunky/sqlmesh/internal/ast"
	"github.com/biomunky/sqlmesh/internal/model"
)

func modelWithDeps(name string, deps ...string) *model.Model {
	from := make([]ast.TableRef, len(deps))
	for i, d := range deps {
		from[i] = ast.TableRef{Name: d}
	}
	return &model.Model{
		Name:     name,
		Kind:     model.KindFull,
		QueryAST: &ast.Query{From: from},
	}
}

func TestBuildLevelsOrdersByDependency(t *testing.T) {
	models := map[string]*model.Model{
		"db.raw":     modelWithDeps("db.raw"),
		"db.staging": modelWithDeps("db.staging", "db.raw"),
		"db.mart":    modelWithDeps("db.mart", "db.staging"),
	}
	levels, err := BuildLevels(models)
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %+v", levels)
	}
	if levels[0][0] != "db.raw" || levels[1][0] != "db.staging" || levels[2][0] != "db.mart" {
		t.Fatalf("unexpected level ordering: %+v", levels)
	}
}

func TestBuildLevelsGroupsIndependentModels(t *testing.T) {
	models := map[string]*model.Model{
		"db.a": modelWithDeps("db.a"),
		"db.b": modelWithDeps("db.b"),
		"db.c": modelWithDeps("db.c", "db.a", "db.b"),
	}
	levels, err := BuildLevels(models)
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 2 || len(levels[0]) != 2 || len(levels[1]) != 1 {
		t.Fatalf("expected a and b grouped in one level ahead of c, got %+v", levels)
	}
}

func TestBuildLevelsIgnoresSelfReference(t *testing.T) {
	models := map[string]*model.Model{
		"db.events": modelWithDeps("db.events", "db.events"),
	}
	levels, err := BuildLevels(models)
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 1 || levels[0][0] != "db.events" {
		t.Fatalf("expected self-referential model to level on its own, got %+v", levels)
	}
}

func TestBuildLevelsDetectsCycle(t *testing.T) {
	models := map[string]*model.Model{
		"db.a": modelWithDeps("db.a", "db.b"),
		"db.b": modelWithDeps("db.b", "db.a"),
	}
	if _, err := BuildLevels(models); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestFlatten(t *testing.T) {
	flat := Flatten([][]string{{"a", "b"}, {"c"}})
	if len(flat) != 3 || flat[2] != "c" {
		t.Fatalf("unexpected flatten result: %+v", flat)
	}
}
