package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rendis/pipekit/internal/builder"
	"github.com/rendis/pipekit/internal/engine"
	"github.com/rendis/pipekit/internal/expressions"
	"github.com/rendis/pipekit/internal/layout"
	"github.com/rendis/pipekit/internal/logging"
	"github.com/rendis/pipekit/internal/preview"
	"github.com/rendis/pipekit/internal/registry"
	"github.com/rendis/pipekit/internal/secrets"
	"github.com/rendis/pipekit/internal/store"
	"github.com/rendis/pipekit/internal/streaming"
	"github.com/rendis/pipekit/internal/validation"
)

// runSettings selects the node executor and extra log sinks for an app.
type runSettings struct {
	preview     bool
	seed        *uint64
	successRate float64
	sinks       []engine.LogSink
}

// app is the wired object graph shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	registry  *registry.Registry
	validator *validation.Service
	store     *store.LibSQLStore
	hub       *streaming.MemoryHub
	manager   *builder.Manager

	// connectors is the store itself, or a sealing wrapper when a vault key is set.
	connectors secrets.ConnectorStore
}

// newApp wires the components. withStore opens and migrates the database;
// commands that only read a snapshot file skip it.
func newApp(ctx context.Context, cfg Config, withStore bool, rs runSettings) (*app, error) {
	logger := logging.New(os.Stderr, cfg.LogLevel)

	reg, err := registry.Default()
	if err != nil {
		return nil, fmt.Errorf("node registry: %w", err)
	}
	svc, err := validation.NewService(reg)
	if err != nil {
		return nil, fmt.Errorf("validation service: %w", err)
	}
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("expression engines: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		validator: svc,
		hub:       streaming.NewMemoryHub(),
	}

	previewOpts := []preview.Option{
		preview.WithRowLimit(cfg.PreviewRowLimit),
		preview.WithLogger(logger),
	}
	if withStore {
		st, err := store.NewLibSQLStore(cfg.dsn())
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate %s: %w", cfg.DBPath, err)
		}
		a.store = st
		a.connectors = st
		if cfg.VaultKey != "" {
			sealed, err := sealedConnectors(st, cfg.VaultKey)
			if err != nil {
				_ = st.Close()
				return nil, err
			}
			a.connectors = sealed
		}
		previewOpts = append(previewOpts, preview.WithConnectors(a.connectors))
	}
	previewExec := preview.NewExecutor(engines, previewOpts...)

	var exec engine.NodeExecutor = previewExec
	if !rs.preview {
		simOpts := []engine.SimOption{
			engine.WithDurations(time.Duration(cfg.SimMinDuration), time.Duration(cfg.SimMaxDuration)),
			engine.WithSuccessRate(rs.successRate),
		}
		if rs.seed != nil {
			simOpts = append(simOpts, engine.WithSeed(*rs.seed))
		}
		exec = engine.NewSimulatedExecutor(simOpts...)
	}

	hubSink := streaming.NewHubSink(a.hub)
	sinks := append([]engine.LogSink{hubSink}, rs.sinks...)
	appenders := []engine.EventAppender{hubSink}
	if a.store != nil {
		rec := store.NewRunRecorder(a.store)
		sinks = append(sinks, rec)
		appenders = append(appenders, rec)
	}
	runner := engine.NewRunner(exec,
		engine.WithLogSinks(sinks...),
		engine.WithEventAppenders(appenders...),
		engine.WithLogger(logger),
	)

	deps := &builder.Deps{
		Catalog:       reg,
		Validator:     svc,
		Tester:        preview.NewTester(reg, previewExec),
		Runner:        runner,
		Layout:        layout.NewLayered(),
		Logger:        logger,
		StrictAcyclic: cfg.StrictAcyclic,
	}
	if a.store != nil {
		deps.Store = a.store
	}
	a.manager = builder.NewManager(deps)
	return a, nil
}

func sealedConnectors(st secrets.ConnectorStore, passphrase string) (*secrets.SealedConnectors, error) {
	salt, err := loadVaultSalt(vaultSaltPath())
	if err != nil {
		return nil, err
	}
	vault, err := secrets.NewAESVault(secrets.VaultConfig{Passphrase: passphrase, Salt: salt})
	if err != nil {
		return nil, fmt.Errorf("connector vault: %w", err)
	}
	return secrets.NewSealedConnectors(st, vault), nil
}

// Close releases the database, if one was opened.
func (a *app) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}
