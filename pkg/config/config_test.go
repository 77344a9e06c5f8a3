package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pingme/pkg/config"
	"pingme/pkg/protocol"
)

// isolate points every env override at a temp home and clears the rest.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv(config.EnvHome, home)
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvSocketPath, "")
	t.Setenv(config.EnvDataDir, "")
	t.Setenv(config.EnvUserID, "")
	t.Setenv(config.DefaultTokenEnv, "")
	return home
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path != "" {
		t.Errorf("Path = %q, want empty", cfg.Path)
	}
	if cfg.SocketPath != filepath.Join(home, protocol.SocketFile) {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.Ask.DefaultTimeout.D() != 10*time.Minute || cfg.Store.Retention.D() != 7*24*time.Hour {
		t.Errorf("unexpected defaults: %+v", cfg.Ask)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	var cerr *protocol.ConfigError
	if err := cfg.ValidateDaemon(); !errors.As(err, &cerr) {
		t.Errorf("ValidateDaemon without token: got %v, want ConfigError", err)
	}
}

func TestLoadTOML(t *testing.T) {
	home := isolate(t)
	t.Setenv("MY_TOKEN", "secret")
	writeFile(t, filepath.Join(home, "config.toml"), `
socket_path = "run/p.sock"

[discord]
token_env = "MY_TOKEN"
user_id = "1234"
delivery_timeout = "10s"

[ask]
default_timeout = "2m"
max_timeout = "1h"

[log]
level = "debug"
format = "json"
`)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path != filepath.Join(home, "config.toml") {
		t.Errorf("Path = %q", cfg.Path)
	}
	if cfg.SocketPath != filepath.Join(home, "run", "p.sock") {
		t.Errorf("relative socket path not resolved: %q", cfg.SocketPath)
	}
	if cfg.Discord.Token != "secret" || cfg.Discord.UserID != "1234" {
		t.Errorf("discord = %+v", cfg.Discord)
	}
	if cfg.Discord.DeliveryTimeout.D() != 10*time.Second || cfg.Ask.DefaultTimeout.D() != 2*time.Minute {
		t.Errorf("durations not decoded: %+v %+v", cfg.Discord, cfg.Ask)
	}
	if cfg.Ask.RestartTimeout.D() != 10*time.Minute {
		t.Errorf("unset field lost its default: %v", cfg.Ask.RestartTimeout.D())
	}
	if err := cfg.ValidateDaemon(); err != nil {
		t.Errorf("ValidateDaemon: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, "config.yaml"), `
discord:
  user_id: "777"
recovery:
  enabled: false
  settle_delay: 2s
store:
  retention: 48h
`)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.UserID != "777" || cfg.Recovery.Enabled {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Recovery.SettleDelay.D() != 2*time.Second || cfg.Store.Retention.D() != 48*time.Hour {
		t.Errorf("durations = %v %v", cfg.Recovery.SettleDelay.D(), cfg.Store.Retention.D())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, "config.toml"), "[discord]\nuser_id = \"file\"\n")
	t.Setenv(config.EnvUserID, "env")
	t.Setenv(config.EnvSocketPath, "/tmp/override.sock")
	t.Setenv(config.EnvDataDir, filepath.Join(home, "elsewhere"))

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.UserID != "env" {
		t.Errorf("UserID = %q, want env", cfg.Discord.UserID)
	}
	if cfg.SocketPath != "/tmp/override.sock" {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.JournalPath() != filepath.Join(home, "elsewhere", protocol.JournalFile) {
		t.Errorf("JournalPath = %q", cfg.JournalPath())
	}
}

func TestExplicitPathMustExist(t *testing.T) {
	home := isolate(t)
	if _, err := config.Load(filepath.Join(home, "missing.toml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}

	t.Setenv(config.EnvConfig, filepath.Join(home, "also-missing.yaml"))
	if _, err := config.Load(""); err == nil {
		t.Fatal("expected error for missing PINGME_CONFIG file")
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	home := isolate(t)
	tests := []struct {
		name, file, content string
	}{
		{"bad duration", "a.toml", "[ask]\ndefault_timeout = \"soon\"\n"},
		{"bad toml", "b.toml", "[ask\n"},
		{"bad yaml", "c.yaml", "ask: [\n"},
		{"unknown extension", "d.ini", "x=1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(home, tt.file)
			writeFile(t, p, tt.content)
			if _, err := config.Load(p); err == nil {
				t.Errorf("Load(%s) succeeded, want error", tt.file)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		mut   func(*config.Config)
		field string
	}{
		{"zero default timeout", func(c *config.Config) { c.Ask.DefaultTimeout = 0 }, "ask.default_timeout"},
		{"default above max", func(c *config.Config) { c.Ask.DefaultTimeout = config.Duration(48 * time.Hour) }, "ask.default_timeout"},
		{"negative retention", func(c *config.Config) { c.Store.Retention = -1 }, "store.retention"},
		{"resume command without placeholder", func(c *config.Config) { c.Recovery.ResumeCommand = "claude" }, "recovery.resume_command"},
		{"bad level", func(c *config.Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *config.Config) { c.Log.Format = "xml" }, "log.format"},
		{"empty socket", func(c *config.Config) { c.SocketPath = "" }, "socket_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default("/h")
			tt.mut(cfg)
			var cerr *protocol.ConfigError
			if err := cfg.Validate(); !errors.As(err, &cerr) || cerr.Field != tt.field {
				t.Errorf("Validate() = %v, want ConfigError on %s", err, tt.field)
			}
		})
	}

	cfg := config.Default("/h")
	cfg.Recovery.Enabled = false
	cfg.Recovery.ResumeCommand = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled recovery needs no resume command: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"debug", "INFO", "", "warn", "warning", "error"} {
		if _, err := config.ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q): %v", s, err)
		}
	}
	if _, err := config.ParseLevel("trace"); err == nil {
		t.Error("ParseLevel(trace) should fail")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.toml")
	writeFile(t, path, "[ask]\ndefault_timeout = \"1m\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *config.Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, path, func(c *config.Config) { got <- c }, nil)
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "[ask]\ndefault_timeout = \"3m\"\n")

	select {
	case cfg := <-got:
		if cfg.Ask.DefaultTimeout.D() != 3*time.Minute {
			t.Errorf("reloaded default_timeout = %v, want 3m", cfg.Ask.DefaultTimeout.D())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestWatchSkipsInvalidEdit(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "config.toml")
	writeFile(t, path, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *config.Config, 4)
	go func() { _ = config.Watch(ctx, path, func(c *config.Config) { got <- c }, nil) }()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "[log]\nlevel = \"shouting\"\n")

	select {
	case cfg := <-got:
		t.Fatalf("invalid config was delivered: %+v", cfg.Log)
	case <-time.After(700 * time.Millisecond):
	}
}

func TestDurationText(t *testing.T) {
	t.Parallel()
	var d config.Duration
	if err := d.UnmarshalText([]byte(" 90s ")); err != nil || d.D() != 90*time.Second {
		t.Fatalf("UnmarshalText = %v, %v", d.D(), err)
	}
	b, _ := d.MarshalText()
	if !strings.EqualFold(string(b), "1m30s") {
		t.Errorf("MarshalText = %s", b)
	}
}
