package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "faultdesk.db"
	workspaceDir  = ".faultdesk"

	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverPgx    = "pgx"
)

type Config struct {
	Workspace string
	// Driver is one of sqlite, mysql, pgx. Empty means sqlite.
	Driver string
	// DSN is ignored for sqlite, which always lives in the workspace.
	DSN string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite opens the workspace file with
// foreign keys on; server databases are pinged so a bad DSN fails early.
func Open(cfg Config) (*sql.DB, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
			return nil, errors.Wrap(err, "ensure workspace")
		}
		dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite", dbPath(cfg.Workspace))
		conn, err := sql.Open(DriverSQLite, dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		// one writer keeps sqlite from returning SQLITE_BUSY under the HTTP server
		conn.SetMaxOpenConns(1)
		return conn, nil
	case DriverMySQL, DriverPgx:
		if cfg.DSN == "" {
			return nil, errors.Errorf("dsn required for driver %s", cfg.Driver)
		}
		conn, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", cfg.Driver)
		}
		if err := conn.Ping(); err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "ping %s", cfg.Driver)
		}
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(100 * time.Second)
		return conn, nil
	default:
		return nil, errors.Errorf("unsupported driver %q", cfg.Driver)
	}
}

// Path returns the sqlite db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// Builder returns a squirrel statement builder using the placeholder style
// the driver expects.
func Builder(driver string) sq.StatementBuilderType {
	if driver == DriverPgx {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}
