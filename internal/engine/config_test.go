package engine

import (
	"testing"

	"github.com/biomunky/sqlmesh/internal/ast"
)

func TestValidateDuckDBRequiresPath(t *testing.T) {
	c := ConnectionConfig{Type: ConnectionDuckDB}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing duckdb path")
	}
	c.DuckDBPath = "/tmp/sqlmesh.db"
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateSnowflakeRequiresCoreFields(t *testing.T) {
	c := ConnectionConfig{Type: ConnectionSnowflake, SnowflakeAccount: "acct"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for incomplete snowflake config")
	}
	c.SnowflakeUser = "u"
	c.SnowflakeWarehouse = "w"
	c.SnowflakeDatabase = "d"
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsNegativeConcurrentTasks(t *testing.T) {
	c := ConnectionConfig{Type: ConnectionDuckDB, DuckDBPath: "/tmp/x.db", ConcurrentTasks: -1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for negative concurrent_tasks")
	}
}

func TestValidateUnknownTypeErrors(t *testing.T) {
	c := ConnectionConfig{Type: "made_up"}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unknown connection type")
	}
}

func TestDialectMapping(t *testing.T) {
	cases := map[ConnectionType]ast.Dialect{
		ConnectionDuckDB:     ast.DialectDuckDB,
		ConnectionSnowflake:  ast.DialectSnowflake,
		ConnectionBigQuery:   ast.DialectBigQuery,
		ConnectionDatabricks: ast.DialectDatabricks,
		ConnectionRedshift:   ast.DialectRedshift,
		ConnectionPostgres:   ast.DialectPostgres,
		ConnectionSpark:      ast.DialectSpark,
	}
	for connType, want := range cases {
		got := ConnectionConfig{Type: connType}.Dialect()
		if got != want {
			t.Errorf("%s: expected dialect %s, got %s", connType, want, got)
		}
	}
}
