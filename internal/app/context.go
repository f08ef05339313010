// Package app assembles the collaborators a faultdesk process runs with.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"faultdesk/internal/config"
	"faultdesk/internal/db"
	"faultdesk/internal/directory"
	"faultdesk/internal/identifier"
	"faultdesk/internal/log"
	"faultdesk/internal/migrate"
	"faultdesk/internal/store"
	"faultdesk/internal/validation"
	"faultdesk/internal/workflow"
)

// Options select the workspace and override the store settings of the
// loaded config.
type Options struct {
	Workspace  string
	ConfigPath string
	Driver     string
	DSN        string
	Logger     log.Logger
	Now        func() time.Time
}

type App struct {
	Config    *config.Config
	DB        *sql.DB
	Store     store.Store
	Directory *directory.Directory
	Validator *validation.Validator
	Policy    identifier.Policy
	Workflow  workflow.Workflow
	Sessions  *workflow.Sessions
	Logger    log.Logger
}

// LoadConfig reads the workspace config, or the explicit path when given,
// and applies driver/DSN overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.Driver != "" {
		cfg.Store.Driver = opts.Driver
	}
	if opts.DSN != "" {
		cfg.Store.DSN = opts.DSN
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open loads config, opens the database and wires the submission workflow.
// A sqlite workspace is bootstrapped with the embedded schema.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, err
	}
	if cfg.Store.Driver == db.DriverSQLite {
		if err := migrate.Migrate(conn, migrate.Tables{FaultsTable: cfg.Store.FaultsTable, EquipmentTable: cfg.Store.EquipmentTable}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bootstrap workspace schema: %w", err)
		}
	}
	a, err := Wire(cfg, conn, logger, opts.Now)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// Wire builds the App over an already open database.
func Wire(cfg *config.Config, conn *sql.DB, logger log.Logger, now func() time.Time) (*App, error) {
	st := store.New(conn, store.Options{
		Driver:         cfg.Store.Driver,
		FaultsTable:    cfg.Store.FaultsTable,
		EquipmentTable: cfg.Store.EquipmentTable,
		QueryTimeout:   cfg.Store.QueryTimeout,
		UniqueFaultIDs: cfg.Store.UniqueFaultIDs,
		RecordEvents:   cfg.Store.RecordEvents,
	})
	if now != nil {
		st.Now = now
	}
	v, err := validation.New(cfg.Choices, now)
	if err != nil {
		return nil, err
	}
	dir := directory.New(st, directory.Options{
		CacheTTL:    cfg.Directory.CacheTTL,
		DegradedTTL: cfg.Directory.DegradedTTL,
		Logger:      logger,
		Now:         now,
	})
	policy := identifier.Policy{History: st}
	return &App{
		Config:    cfg,
		DB:        conn,
		Store:     st,
		Directory: dir,
		Validator: v,
		Policy:    policy,
		Workflow: workflow.Workflow{
			Store:             st,
			Validator:         v,
			Policy:            policy,
			Directory:         dir,
			InsertTimeout:     cfg.Store.InsertTimeout,
			DefaultSuggestion: cfg.Session.DefaultSuggestion,
			Logger:            logger,
		},
		Sessions: workflow.NewSessions(cfg.Session.DefaultSuggestion, cfg.Session.MaxSessions, cfg.Session.IdleTTL),
		Logger:   logger,
	}, nil
}

// HistorySuggestion derives a suggestion from stored identifiers, falling
// back to the configured default when the store cannot be read.
func (a *App) HistorySuggestion(ctx context.Context) string {
	next, err := a.Policy.FromHistory(ctx)
	if err != nil {
		a.Logger.Warnw("could not derive fault id from history", "err", err)
		return a.Config.Session.DefaultSuggestion
	}
	return next
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
