// Package app wires configuration, storage and the engine for the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"actionflow/internal/config"
	"actionflow/internal/db"
	"actionflow/internal/domain"
	"actionflow/internal/engine"
	"actionflow/internal/engine/auth"
	"actionflow/internal/logging"
	"actionflow/internal/migrate"
	"actionflow/internal/repo"
	"actionflow/internal/storage"
)

type Options struct {
	Workspace  string
	// ConfigPath overrides <workspace>/actionflow.yml.
	ConfigPath string
	// Logger replaces the one built from the log config.
	Logger     *zap.Logger
}

// Runtime is an opened workspace.
type Runtime struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Log    *zap.Logger
}

// LoadConfig reads the explicit config path or the optional workspace file.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		cfg, err := config.FromFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open loads the config, migrates the database, selects the file store and
// seeds the bootstrap admin when one is configured.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, DB: conn, Log: logger}
	if err := rt.init(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) init(ctx context.Context) error {
	applied, err := migrate.Migrate(ctx, rt.DB)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		rt.Log.Debug("migrations applied", zap.Int("count", applied))
	}
	files, err := storage.New(rt.Config.Storage)
	if err != nil {
		return err
	}
	if m, ok := files.(*storage.MinIO); ok {
		if err := m.EnsureBucket(ctx); err != nil {
			return err
		}
	}
	e := engine.New(rt.DB, rt.Config)
	e.Files = files
	e.Log = rt.Log
	rt.Engine = e

	admin := rt.Config.Bootstrap.Admin
	if strings.TrimSpace(admin.Email) != "" {
		if _, err := e.EnsureAdmin(ctx, strings.ToLower(strings.TrimSpace(admin.Email)), admin.Name, admin.APIKey); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}
	return nil
}

// Close releases the database and flushes the logger.
func (rt *Runtime) Close() error {
	_ = rt.Log.Sync()
	return rt.DB.Close()
}

// Principal resolves the CLI actor. An empty ref acts as the local operator
// with the admin role; otherwise ref is a user id or email.
func (rt *Runtime) Principal(ctx context.Context, ref string) (auth.Principal, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return auth.Principal{UserID: engine.SystemActor, Role: domain.RoleAdmin}, nil
	}
	var (
		u   domain.User
		err error
	)
	if strings.Contains(ref, "@") {
		u, err = rt.Engine.Repo.GetUserByEmail(ctx, strings.ToLower(ref))
	} else {
		u, err = rt.Engine.Repo.GetUser(ctx, ref)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return auth.Principal{}, fmt.Errorf("actor %q not found", ref)
	}
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{UserID: u.ID, Role: u.Role}, nil
}
