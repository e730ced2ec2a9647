// Package app wires a workspace into a ready engine: config, database,
// document storage and notification delivery.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BenPearsey/vaportal-sub001/internal/config"
	"github.com/BenPearsey/vaportal-sub001/internal/db"
	"github.com/BenPearsey/vaportal-sub001/internal/docstore"
	"github.com/BenPearsey/vaportal-sub001/internal/engine"
	"github.com/BenPearsey/vaportal-sub001/internal/migrate"
	"github.com/BenPearsey/vaportal-sub001/internal/notify"
)

// Options tune OpenWorkspace. Zero values mean workspace defaults.
type Options struct {
	// DBPath overrides the workspace database location.
	DBPath string
	// LogOutput receives structured logs; stderr when nil.
	LogOutput io.Writer
	// Gateway replaces the configured notification gateways.
	Gateway notify.Gateway
}

// Workspace is an opened salesline workspace.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger *slog.Logger
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// OpenWorkspace loads salesline.yml (defaults when absent), opens and
// migrates the database and assembles the engine.
func OpenWorkspace(ctx context.Context, dir string, opts Options) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	conn, err := db.Open(db.Config{Workspace: dir, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	gateway := opts.Gateway
	if gateway == nil {
		gateway = Gateways(cfg, logger)
	}
	e := engine.New(conn, cfg)
	e.Docs = docstore.Local{Root: cfg.DocumentsRoot(dir), DB: conn}
	e.Notifier = notify.Dispatcher{Gateway: gateway, Directory: notify.RepoDirectory{DB: conn}, Logger: logger}
	e.Observer = engine.NewLogUseCaseObserver(logger)

	return &Workspace{Dir: dir, Config: cfg, DB: conn, Engine: e, Logger: logger}, nil
}

// Gateways builds the delivery chain from config: the log gateway always,
// plus webhooks when any are active.
func Gateways(cfg *config.Config, logger *slog.Logger) notify.Gateway {
	chain := notify.Multi{notify.LogGateway{Logger: logger}}
	var hooks []config.Webhook
	for _, h := range cfg.Notifications.Webhooks {
		if h.Active() {
			hooks = append(hooks, h)
		}
	}
	if len(hooks) > 0 {
		chain = append(chain, notify.WebhookGateway{Hooks: hooks})
	}
	return chain
}

// Init creates the workspace directory, writes a default salesline.yml when
// none exists and migrates the database. It reports whether the config file
// was written.
func Init(ctx context.Context, dir string) (bool, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return false, err
	}
	wrote := false
	path := config.Path(dir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
			return false, fmt.Errorf("write %s: %w", path, err)
		}
		wrote = true
	} else if err != nil {
		return false, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return wrote, err
	}
	defer conn.Close()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		return wrote, fmt.Errorf("migrate: %w", err)
	}
	return wrote, nil
}
