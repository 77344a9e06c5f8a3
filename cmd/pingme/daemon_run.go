package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"pingme/internal/version"
	"pingme/pkg/config"
	"pingme/pkg/coordinator"
	"pingme/pkg/discord"
	"pingme/pkg/dispatcher"
	"pingme/pkg/eventlog"
	"pingme/pkg/recovery"
	"pingme/pkg/router"
	"pingme/pkg/store"

	"github.com/spf13/cobra"
)

// daemon bundles the long-lived components behind the socket.
type daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	journal    *eventlog.Journal
	coord      *coordinator.Coordinator
	dispatcher *dispatcher.Dispatcher
}

// assemble builds store, journal, coordinator and dispatcher around notifier.
// A journal that cannot be opened is logged and skipped.
func assemble(ctx context.Context, cfg *config.Config, notifier dispatcher.Notifier, logger *slog.Logger) (*daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	d := &daemon{cfg: cfg, logger: logger}

	var journal coordinator.Journal
	j, err := eventlog.Open(ctx, cfg.JournalPath())
	if err != nil {
		logger.Warn("journal disabled", "path", cfg.JournalPath(), "error", err)
	} else {
		d.journal = j
		journal = j
	}

	st := store.New(cfg.DataDir, logger.With("component", "store"))
	coord, err := coordinator.New(coordinator.Config{
		DefaultTimeout: cfg.Ask.DefaultTimeout.D(),
		MaxTimeout:     cfg.Ask.MaxTimeout.D(),
		RestartTimeout: cfg.Ask.RestartTimeout.D(),
	}, st, journal, logger.With("component", "coordinator"))
	if err != nil {
		d.close()
		return nil, fmt.Errorf("start coordinator: %w", err)
	}
	d.coord = coord

	d.dispatcher = dispatcher.New(dispatcher.Config{
		SocketPath:      cfg.SocketPath,
		DeliveryTimeout: cfg.Discord.DeliveryTimeout.D(),
	}, coord, notifier, logger.With("component", "dispatcher"))

	return d, nil
}

func (d *daemon) close() {
	if d.coord != nil {
		d.coord.Close()
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
}

// pruneLoop drops finished requests older than the retention window, once
// at startup and then every quarter window.
func (d *daemon) pruneLoop(ctx context.Context) {
	retention := d.cfg.Store.Retention.D()
	prune := func() {
		n, err := d.coord.Prune(time.Now().Add(-retention))
		if err != nil {
			d.logger.Warn("prune failed", "error", err)
			return
		}
		if n > 0 {
			d.logger.Info("pruned finished requests", "count", n)
		}
	}

	prune()
	every := max(retention/4, time.Minute)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// reload applies the hot-reloadable settings of a changed config file.
func (d *daemon) reload(level *slog.LevelVar) func(*config.Config) {
	return func(nc *config.Config) {
		d.coord.SetTimeouts(nc.Ask.DefaultTimeout.D(), nc.Ask.MaxTimeout.D())
		if lvl, err := config.ParseLevel(nc.Log.Level); err == nil {
			level.Set(lvl)
		}
	}
}

// runDaemon runs the daemon in the foreground until SIGTERM or SIGINT.
func runDaemon(cmd *cobra.Command, gf *globalFlags) error {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDaemon(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return fmt.Errorf("create pingme home %s: %w", cfg.Home, err)
	}

	logger, level, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	pidPath := cfg.PIDPath()
	if st, pid, _ := DaemonStatus(pidPath); st == StatusRunning && pid != os.Getpid() {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := WritePIDFile(pidPath, os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := SetupSignalHandler(cmd.Context(), pidPath)
	defer cleanup()

	adapter, err := discord.New(discord.Config{
		Token:  cfg.Discord.Token,
		UserID: cfg.Discord.UserID,
	}, logger.With("component", "discord"))
	if err != nil {
		return err
	}

	d, err := assemble(ctx, cfg, adapter, logger)
	if err != nil {
		return err
	}
	defer d.close()

	var rec router.Recoverer
	if cfg.Recovery.Enabled {
		rec = recovery.NewTmux(recovery.Config{
			ResumeCommand: cfg.Recovery.ResumeCommand,
			SettleDelay:   cfg.Recovery.SettleDelay.D(),
		}, &recovery.ExecCommandRunner{}, logger.With("component", "recovery"))
	}
	rt := router.New(cfg.Discord.UserID, d.coord, rec, logger.With("component", "router"))
	adapter.SetRouter(rt)

	if err := adapter.Open(ctx); err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	go d.pruneLoop(ctx)
	if cfg.Path != "" {
		go func() {
			if err := config.Watch(ctx, cfg.Path, d.reload(level), logger.With("component", "config")); err != nil {
				logger.Warn("config hot reload disabled", "error", err)
			}
		}()
	}

	logger.Info("pingme daemon started",
		"version", version.String(), "pid", os.Getpid(), "socket", cfg.SocketPath, "pending", len(d.coord.Pending()))
	err = d.dispatcher.Run(ctx)
	rt.Wait()
	logger.Info("pingme daemon stopped")
	return err
}

// newLogger builds the daemon logger from the log section. The returned
// LevelVar lets a config reload change verbosity in place.
func newLogger(lc config.LogConfig, stderr io.Writer) (*slog.Logger, *slog.LevelVar, func(), error) {
	lvl, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, nil, nil, err
	}
	level := new(slog.LevelVar)
	level.Set(lvl)

	out := stderr
	closeFn := func() {}
	if lc.File != "" {
		if err := os.MkdirAll(filepath.Dir(lc.File), 0o700); err != nil {
			return nil, nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path comes from the operator's config
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if lc.Format == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), level, closeFn, nil
}
