// Package cli defines Cobra command definitions for the trivium CLI.
// This file contains the root command, global flags and environment wiring.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/berth-dev/trivium/internal/catalog"
	"github.com/berth-dev/trivium/internal/config"
	"github.com/berth-dev/trivium/internal/cq"
	"github.com/berth-dev/trivium/internal/log"
	"github.com/berth-dev/trivium/internal/metrics"
	"github.com/berth-dev/trivium/internal/schedule"
	"github.com/berth-dev/trivium/internal/session"
	"github.com/berth-dev/trivium/internal/workspace"
)

var (
	dirFlag string
	verbose bool
	version = "dev" // set via ldflags at build time

	env *environment
)

// environment is everything a command needs, built once per invocation.
type environment struct {
	dir       string
	cfg       *config.Config
	logger    *zap.Logger
	store     *session.Store
	workspace *workspace.Workspace
	jobs      *schedule.Store
	events    *log.Logger
	engine    *cq.Engine
	registry  *prometheus.Registry
}

var rootCmd = &cobra.Command{
	Use:   "trivium",
	Short: "Classical Questioning sessions for owner profiles, projects and topics",
	Long: `Trivium interviews an owner one question at a time, working from
definitions (grammar) through relationships (logic) to expression
(rhetoric), and writes what it learns back into markdown artifacts.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" || !cmd.HasParent() {
			return nil
		}
		var err error
		env, err = newEnvironment(dirFlag, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if env != nil {
			env.close()
		}
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", ".", "Directory holding .trivium/config.yaml")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Write debug diagnostics to stderr")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(chatCmd)
}

func newLogger(level string, debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	if debug {
		lvl = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// newEnvironment reads config from dir and wires the engine to its stores.
// A missing config file falls back to defaults.
func newEnvironment(dir string, debug bool) (*environment, error) {
	cfg, err := config.ReadConfig(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging.Level, debug)
	if err != nil {
		return nil, err
	}

	cat, err := loadCatalog(config.Resolve(dir, cfg.CatalogPath))
	if err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.Schedule.Timezone, err)
	}

	q := cfg.Questioning
	store, err := session.NewStore(config.Resolve(dir, cfg.StorePath), session.Options{
		ArchiveLimit:      q.ArchiveLimit,
		IndexHistoryLimit: q.IndexHistoryLimit,
		RecentHistory:     q.RecentHistory,
		Logger:            logger.Named("store"),
	})
	if err != nil {
		return nil, err
	}

	events, err := log.NewLogger(config.Resolve(dir, cfg.Logging.EventsPath))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ws := workspace.New(config.Resolve(dir, cfg.Workspace), workspace.WithLocation(loc))
	jobs := schedule.NewStore(config.Resolve(dir, cfg.Schedule.JobsPath))

	registry := prometheus.NewRegistry()
	engine := cq.New(cat, store,
		cq.WithPolicy(cfg.Policy()),
		cq.WithHandlers(cq.DefaultHandlers(cq.Collaborators{
			Documents:      ws,
			Scheduler:      jobs,
			Journal:        ws,
			DailyBriefTime: cfg.Schedule.DefaultTime,
			Timezone:       cfg.Schedule.Timezone,
		})),
		cq.WithLogger(logger.Named("cq")),
		cq.WithEvents(events),
		cq.WithMetrics(metrics.New(registry)),
	)

	logger.Debug("environment ready",
		zap.String("dir", dir),
		zap.String("store", cfg.StorePath),
		zap.String("workspace", cfg.Workspace))

	return &environment{
		dir:       dir,
		cfg:       cfg,
		logger:    logger,
		store:     store,
		workspace: ws,
		jobs:      jobs,
		events:    events,
		engine:    engine,
		registry:  registry,
	}, nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

func (e *environment) close() {
	e.flushMetrics()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing store", zap.Error(err))
	}
	_ = e.logger.Sync()
}

// flushMetrics writes this invocation's counters in the Prometheus text
// format, replacing the previous snapshot.
func (e *environment) flushMetrics() {
	if e.registry == nil || e.cfg.Logging.MetricsPath == "" {
		return
	}
	path := config.Resolve(e.dir, e.cfg.Logging.MetricsPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		e.logger.Warn("creating metrics dir", zap.String("path", path), zap.Error(err))
		return
	}
	if err := prometheus.WriteToTextfile(path, e.registry); err != nil {
		e.logger.Warn("writing metrics", zap.String("path", path), zap.Error(err))
	}
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
