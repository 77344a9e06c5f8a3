// Package config loads pingme's settings from $PINGME_HOME/config.toml or
// config.yaml, applies environment overrides and resolves on-disk paths.
//
// Priority: environment > config file > built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"pingme/pkg/protocol"
)

// Environment variables consulted by Load.
const (
	EnvHome       = "PINGME_HOME"
	EnvConfig     = "PINGME_CONFIG"
	EnvSocketPath = "PINGME_SOCKET_PATH"
	EnvDataDir    = "PINGME_DATA_DIR"
	EnvUserID     = "PINGME_DISCORD_USER_ID"

	// DefaultTokenEnv names the variable holding the bot token unless
	// discord.token_env says otherwise.
	DefaultTokenEnv = "DISCORD_BOT_TOKEN"
)

// Duration is a time.Duration written as a Go duration string ("5m").
type Duration time.Duration

// UnmarshalText parses a duration string. go-toml uses it directly.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML accepts a scalar duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string", value.Line)
	}
	return d.UnmarshalText([]byte(value.Value))
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// DiscordConfig configures the bot connection.
type DiscordConfig struct {
	TokenEnv        string   `toml:"token_env" yaml:"token_env"`
	UserID          string   `toml:"user_id" yaml:"user_id"`
	DeliveryTimeout Duration `toml:"delivery_timeout" yaml:"delivery_timeout"`

	// Token is read from the environment variable named by TokenEnv.
	Token string `toml:"-" yaml:"-"`
}

// AskConfig bounds Ask timeouts.
type AskConfig struct {
	DefaultTimeout Duration `toml:"default_timeout" yaml:"default_timeout"`
	MaxTimeout     Duration `toml:"max_timeout" yaml:"max_timeout"`
	RestartTimeout Duration `toml:"restart_timeout" yaml:"restart_timeout"`
}

// RecoveryConfig controls the tmux resume adapter.
type RecoveryConfig struct {
	Enabled       bool     `toml:"enabled" yaml:"enabled"`
	ResumeCommand string   `toml:"resume_command" yaml:"resume_command"`
	SettleDelay   Duration `toml:"settle_delay" yaml:"settle_delay"`
}

// StoreConfig controls pruning of finished requests.
type StoreConfig struct {
	Retention Duration `toml:"retention" yaml:"retention"`
}

// LogConfig controls the daemon logger.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	File   string `toml:"file" yaml:"file"`
}

// Config is the full pingme configuration.
type Config struct {
	SocketPath string         `toml:"socket_path" yaml:"socket_path"`
	DataDir    string         `toml:"data_dir" yaml:"data_dir"`
	Discord    DiscordConfig  `toml:"discord" yaml:"discord"`
	Ask        AskConfig      `toml:"ask" yaml:"ask"`
	Recovery   RecoveryConfig `toml:"recovery" yaml:"recovery"`
	Store      StoreConfig    `toml:"store" yaml:"store"`
	Log        LogConfig      `toml:"log" yaml:"log"`

	// Home is the resolved state directory.
	Home string `toml:"-" yaml:"-"`
	// Path is the file the config was read from, empty when none existed.
	Path string `toml:"-" yaml:"-"`
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	return &Config{
		SocketPath: filepath.Join(home, protocol.SocketFile),
		DataDir:    filepath.Join(home, protocol.DataDir),
		Discord: DiscordConfig{
			TokenEnv:        DefaultTokenEnv,
			DeliveryTimeout: Duration(30 * time.Second),
		},
		Ask: AskConfig{
			DefaultTimeout: Duration(10 * time.Minute),
			MaxTimeout:     Duration(24 * time.Hour),
			RestartTimeout: Duration(10 * time.Minute),
		},
		Recovery: RecoveryConfig{
			Enabled:       true,
			ResumeCommand: "claude --resume {session}",
			SettleDelay:   Duration(5 * time.Second),
		},
		Store: StoreConfig{Retention: Duration(7 * 24 * time.Hour)},
		Log:   LogConfig{Level: "info", Format: "text"},
		Home:  home,
	}
}

// HomeDir returns $PINGME_HOME, or ~/.pingme.
func HomeDir() (string, error) {
	if h := os.Getenv(EnvHome); h != "" {
		return h, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(userHome, protocol.HomeDir), nil
}

// Load reads the configuration. An explicit path must exist; otherwise
// $PINGME_CONFIG, then config.toml and config.yaml under the home directory
// are tried, and defaults are used when none exists.
func Load(path string) (*Config, error) {
	home, err := HomeDir()
	if err != nil {
		return nil, err
	}
	cfg := Default(home)

	explicit := path != ""
	if !explicit {
		if env := os.Getenv(EnvConfig); env != "" {
			path, explicit = env, true
		}
	}
	if !explicit {
		path = findConfigFile(home)
	}

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			if !explicit && errors.Is(err, fs.ErrNotExist) {
				path = ""
			} else {
				return nil, err
			}
		}
		cfg.Path = path
	}

	cfg.applyEnv()
	cfg.resolvePaths()
	return cfg, nil
}

func findConfigFile(home string) string {
	for _, name := range []string{"config.toml", "config.yaml", "config.yml"} {
		p := filepath.Join(home, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// readFile decodes path over the current values, picking the format by
// extension.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return &protocol.ConfigError{Field: path, Reason: err.Error()}
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return &protocol.ConfigError{Field: path, Reason: err.Error()}
		}
	default:
		return &protocol.ConfigError{Field: path, Reason: "unsupported config format (want .toml or .yaml)"}
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvSocketPath); v != "" {
		c.SocketPath = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvUserID); v != "" {
		c.Discord.UserID = v
	}
	if c.Discord.TokenEnv == "" {
		c.Discord.TokenEnv = DefaultTokenEnv
	}
	c.Discord.Token = strings.TrimSpace(os.Getenv(c.Discord.TokenEnv))
}

// resolvePaths makes relative paths relative to the home directory and
// expands a leading ~.
func (c *Config) resolvePaths() {
	c.SocketPath = c.resolve(c.SocketPath)
	c.DataDir = c.resolve(c.DataDir)
	if c.Log.File != "" {
		c.Log.File = c.resolve(c.Log.File)
	}
}

func (c *Config) resolve(p string) string {
	if strings.HasPrefix(p, "~/") {
		if userHome, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(userHome, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Home, p)
	}
	return filepath.Clean(p)
}

// Validate checks the values every command depends on.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return &protocol.ConfigError{Field: "socket_path", Reason: "must not be empty"}
	}
	if c.DataDir == "" {
		return &protocol.ConfigError{Field: "data_dir", Reason: "must not be empty"}
	}
	durations := []struct {
		field string
		v     Duration
	}{
		{"discord.delivery_timeout", c.Discord.DeliveryTimeout},
		{"ask.default_timeout", c.Ask.DefaultTimeout},
		{"ask.max_timeout", c.Ask.MaxTimeout},
		{"ask.restart_timeout", c.Ask.RestartTimeout},
		{"store.retention", c.Store.Retention},
	}
	for _, d := range durations {
		if d.v <= 0 {
			return &protocol.ConfigError{Field: d.field, Reason: "must be positive"}
		}
	}
	if c.Ask.DefaultTimeout > c.Ask.MaxTimeout {
		return &protocol.ConfigError{Field: "ask.default_timeout", Reason: "exceeds ask.max_timeout"}
	}
	if c.Recovery.SettleDelay < 0 {
		return &protocol.ConfigError{Field: "recovery.settle_delay", Reason: "must not be negative"}
	}
	if c.Recovery.Enabled && !strings.Contains(c.Recovery.ResumeCommand, "{session}") {
		return &protocol.ConfigError{Field: "recovery.resume_command", Reason: "must contain {session}"}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return &protocol.ConfigError{Field: "log.level", Reason: err.Error()}
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return &protocol.ConfigError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q (want text or json)", c.Log.Format)}
	}
	return nil
}

// ValidateDaemon additionally requires the Discord credentials.
func (c *Config) ValidateDaemon() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Discord.Token == "" {
		return &protocol.ConfigError{Field: "discord.token_env", Reason: fmt.Sprintf("environment variable %s is not set", c.Discord.TokenEnv)}
	}
	if c.Discord.UserID == "" {
		return &protocol.ConfigError{Field: "discord.user_id", Reason: "must be set (or " + EnvUserID + ")"}
	}
	return nil
}

// PIDPath is the daemon's pid file.
func (c *Config) PIDPath() string { return filepath.Join(c.Home, protocol.PIDFile) }

// JournalPath is the SQLite event log.
func (c *Config) JournalPath() string { return filepath.Join(c.DataDir, protocol.JournalFile) }

// ParseLevel maps a level name to its slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}
