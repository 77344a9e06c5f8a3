package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"pingme/pkg/client"
	"pingme/pkg/config"

	"github.com/spf13/cobra"
)

// socketPollTimeout is the maximum time to wait for a spawned daemon's socket.
const socketPollTimeout = 10 * time.Second

// socketPollInterval is how often to check for the socket.
const socketPollInterval = 50 * time.Millisecond

// stopTimeout bounds how long "daemon stop" waits for the process to exit.
const stopTimeout = 10 * time.Second

// daemonLogFile receives a background daemon's stderr when log.file is unset.
const daemonLogFile = "daemon.log"

// DaemonSpawner abstracts spawning the background daemon for testability.
type DaemonSpawner interface {
	SpawnDaemon(cfg *config.Config, configPath string) (pid int, err error)
}

// ExecDaemonSpawner re-executes the current binary as "pingme daemon run"
// in its own session, detached from the terminal.
type ExecDaemonSpawner struct{}

// SpawnDaemon starts the child and returns its PID without waiting for it.
func (e *ExecDaemonSpawner) SpawnDaemon(cfg *config.Config, configPath string) (int, error) {
	args := []string{"daemon", "run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	logPath := filepath.Join(cfg.Home, daemonLogFile)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path derived from pingme home
	if err != nil {
		return 0, fmt.Errorf("open daemon log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.CommandContext(context.Background(), os.Args[0], args...) //nolint:gosec // intentionally re-executing self
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("spawn daemon: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()
	return pid, nil
}

// newDaemonCmd creates the "pingme daemon" command group.
func newDaemonCmd(gf *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the background daemon",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the daemon in the foreground",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runDaemon(cmd, gf)
			},
		},
		&cobra.Command{
			Use:   "start",
			Short: "Start the daemon in the background",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.Load(gf.configPath)
				if err != nil {
					return err
				}
				if err := cfg.ValidateDaemon(); err != nil {
					return err
				}
				return runDaemonStart(cmd.OutOrStdout(), cfg, gf.configPath, &ExecDaemonSpawner{}, socketPollTimeout)
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the background daemon",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(gf)
				if err != nil {
					return err
				}
				return runDaemonStop(cmd.OutOrStdout(), cfg)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Report whether the daemon is running",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := loadConfig(gf)
				if err != nil {
					return err
				}
				return runDaemonStatus(cmd.Context(), cmd.OutOrStdout(), cfg)
			},
		},
	)
	return cmd
}

// runDaemonStart spawns the daemon and waits until its socket answers.
func runDaemonStart(w io.Writer, cfg *config.Config, configPath string, spawner DaemonSpawner, timeout time.Duration) error {
	if st, pid, _ := DaemonStatus(cfg.PIDPath()); st == StatusRunning {
		fmt.Fprintf(w, "daemon already running (PID %d)\n", pid)
		return nil
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return fmt.Errorf("create pingme home %s: %w", cfg.Home, err)
	}

	pid, err := spawner.SpawnDaemon(cfg, configPath)
	if err != nil {
		return err
	}

	if err := waitForSocket(cfg.SocketPath, timeout); err != nil {
		return fmt.Errorf("daemon (PID %d) not ready, see %s: %w", pid, filepath.Join(cfg.Home, daemonLogFile), err)
	}
	fmt.Fprintf(w, "daemon started (PID %d)\n", pid)
	return nil
}

// waitForSocket polls until a connection to path succeeds.
func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), socketPollInterval*4)
		c, err := client.Dial(ctx, path)
		cancel()
		if err == nil {
			_ = c.Close()
			return nil
		}
		lastErr = err
		time.Sleep(socketPollInterval)
	}
	return fmt.Errorf("socket %s did not come up within %s: %w", path, timeout, lastErr)
}

func runDaemonStop(w io.Writer, cfg *config.Config) error {
	st, pid, err := DaemonStatus(cfg.PIDPath())
	if err != nil {
		return err
	}
	switch st {
	case StatusStopped:
		fmt.Fprintln(w, "daemon not running")
		return nil
	case StatusStale:
		fmt.Fprintf(w, "removing stale PID file (PID %d)\n", pid)
		return RemovePIDFile(cfg.PIDPath())
	}

	if _, err := StopDaemon(cfg.PIDPath(), stopTimeout); err != nil {
		return err
	}
	fmt.Fprintf(w, "daemon stopped (PID %d)\n", pid)
	return nil
}

func runDaemonStatus(ctx context.Context, w io.Writer, cfg *config.Config) error {
	st, pid, err := DaemonStatus(cfg.PIDPath())
	if err != nil {
		return err
	}

	reachable := "unreachable"
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if c, err := client.Dial(dctx, cfg.SocketPath); err == nil {
		_ = c.Close()
		reachable = "accepting connections"
	}

	switch st {
	case StatusRunning:
		fmt.Fprintf(w, "running (PID %d), socket %s %s\n", pid, cfg.SocketPath, reachable)
	case StatusStale:
		fmt.Fprintf(w, "stale PID file (PID %d is gone), socket %s %s\n", pid, cfg.SocketPath, reachable)
	default:
		fmt.Fprintf(w, "stopped, socket %s %s\n", cfg.SocketPath, reachable)
	}
	return nil
}
