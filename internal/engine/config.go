package engine

import (
	"fmt"

	"github.com/biomunky/sqlmesh/internal/ast"
	"github.com/biomunky/sqlmesh/internal/sqlerrors"
)

// ConnectionType is the closed set of warehouses a ConnectionConfig can
// describe.
type ConnectionType string

const (
	ConnectionDuckDB     ConnectionType = "duckdb"
	ConnectionSnowflake  ConnectionType = "snowflake"
	ConnectionDatabricks ConnectionType = "databricks"
	ConnectionBigQuery   ConnectionType = "bigquery"
	ConnectionRedshift   ConnectionType = "redshift"
	ConnectionPostgres   ConnectionType = "postgres"
	ConnectionSpark      ConnectionType = "spark"
)

// ConnectionConfig is a closed, tagged union over every supported
// warehouse's connection parameters. Exactly the fields relevant to Type
// are expected to be populated; Validate checks that invariant instead of
// leaving it to the adapter constructor to discover at connect time.
type ConnectionConfig struct {
	Type ConnectionType

	// DuckDB
	DuckDBPath string

	// Snowflake
	SnowflakeAccount   string
	SnowflakeUser      string
	SnowflakePassword  string
	SnowflakeWarehouse string
	SnowflakeDatabase  string
	SnowflakeRole      string

	// Databricks
	DatabricksServerHostname string
	DatabricksHTTPPath       string
	DatabricksAccessToken    string

	// BigQuery
	BigQueryProject             string
	BigQueryDataset             string
	BigQueryCredentialsFilePath string

	// Redshift / Postgres share a wire protocol shape.
	Host     string
	Port     int
	User     string
	Password string
	Database string

	// Spark
	SparkMaster string
	SparkAppName string

	ConcurrentTasks int
}

// Dialect maps Type to the ast.Dialect the renderer should target.
func (c ConnectionConfig) Dialect() ast.Dialect {
	switch c.Type {
	case ConnectionDuckDB:
		return ast.DialectDuckDB
	case ConnectionSnowflake:
		return ast.DialectSnowflake
	case ConnectionDatabricks:
		return ast.DialectDatabricks
	case ConnectionBigQuery:
		return ast.DialectBigQuery
	case ConnectionRedshift:
		return ast.DialectRedshift
	case ConnectionPostgres:
		return ast.DialectPostgres
	case ConnectionSpark:
		return ast.DialectSpark
	default:
		return ast.DialectGeneric
	}
}

// Validate checks that a ConnectionConfig carries the required fields for
// its declared Type and that ConcurrentTasks is not negative. Fields that
// belong to a different Type are not checked.
func (c ConnectionConfig) Validate() error {
	switch c.Type {
	case ConnectionDuckDB:
		if c.DuckDBPath == "" {
			return missing("duckdb", "path")
		}
	case ConnectionSnowflake:
		if c.SnowflakeAccount == "" || c.SnowflakeUser == "" || c.SnowflakeWarehouse == "" || c.SnowflakeDatabase == "" {
			return missing("snowflake", "account, user, warehouse, database")
		}
	case ConnectionDatabricks:
		if c.DatabricksServerHostname == "" || c.DatabricksHTTPPath == "" || c.DatabricksAccessToken == "" {
			return missing("databricks", "server_hostname, http_path, access_token")
		}
	case ConnectionBigQuery:
		if c.BigQueryProject == "" || c.BigQueryDataset == "" {
			return missing("bigquery", "project, dataset")
		}
	case ConnectionRedshift, ConnectionPostgres:
		if c.Host == "" || c.Database == "" || c.User == "" {
			return missing(string(c.Type), "host, database, user")
		}
	case ConnectionSpark:
		if c.SparkMaster == "" {
			return missing("spark", "master")
		}
	default:
		return &sqlerrors.ConfigError{Err: fmt.Errorf("unknown connection type %q", c.Type)}
	}
	if c.ConcurrentTasks < 0 {
		return &sqlerrors.ConfigError{Err: fmt.Errorf("%s: concurrent_tasks must be >= 0", c.Type)}
	}
	return nil
}

func missing(connType, fields string) error {
	return &sqlerrors.ConfigError{Err: fmt.Errorf("%s connection requires: %s", connType, fields)}
}
