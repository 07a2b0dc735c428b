package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/digkill/deckforge/internal/config"
)

type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// Connect opens the configured database with sensible pooling defaults.
func Connect(cfg config.Config) (*sql.DB, Dialect, error) {
	switch cfg.DBDriver {
	case "sqlite":
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, "", err
		}
		return db, DialectSQLite, nil
	case "mysql", "":
		db, err := OpenMySQL(cfg.MySQLDSN)
		if err != nil {
			return nil, "", err
		}
		return db, DialectMySQL, nil
	default:
		return nil, "", fmt.Errorf("unsupported db driver: %s", cfg.DBDriver)
	}
}

func OpenMySQL(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetConnMaxLifetime(time.Minute * 5)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := ping(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a single-connection SQLite database, creating its directory if needed.
func OpenSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	filePath := path
	if i := strings.IndexByte(filePath, '?'); i >= 0 {
		filePath = filePath[:i]
	}
	if filePath != ":memory:" && !strings.HasPrefix(filePath, "file::memory:") {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := ping(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	_, _ = db.Exec(`PRAGMA journal_mode=WAL`)
	return db, nil
}

// Migrate runs the bootstrap schema to ensure required tables exist.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	statements := mysqlSchema
	if dialect == DialectSQLite {
		statements = sqliteSchema
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	return db.PingContext(ctx)
}
