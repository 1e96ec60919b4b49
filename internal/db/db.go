package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".actionflow"
	defaultDBName = "actionflow.db"
)

type Config struct {
	Workspace string
	// Path overrides the workspace location when set.
	Path string
}

func dbPath(cfg Config) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, defaultDBName)
}

// EnsureWorkspace creates the directory holding the database if missing.
func EnsureWorkspace(cfg Config) (string, error) {
	dir := filepath.Dir(dbPath(cfg))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between concurrent requests
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the configuration.
func Path(cfg Config) string {
	return dbPath(cfg)
}
