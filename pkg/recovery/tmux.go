// Package recovery re-attaches an answer to an agent session whose process
// died before the human replied. The tmux implementation finds (or opens) a
// pane in the session's working directory, relaunches the agent with its
// resume command, and pastes the answer in as literal text.
//
// AttemptResume never returns an error and never panics; a failed attempt is
// logged and reported as false.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// SessionPlaceholder is replaced by the session id in the resume command.
const SessionPlaceholder = "{session}"

const answerBuffer = "pingme-answer"

// sessionIDPattern guards the resume command, which tmux hands to a shell.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// idleShells are pane commands that mean nothing is running in the pane.
var idleShells = map[string]bool{"bash": true, "zsh": true, "sh": true, "fish": true, "dash": true, "ksh": true}

// Config holds Tmux configuration.
type Config struct {
	ResumeCommand string        // e.g. "claude --resume {session}"
	SettleDelay   time.Duration // wait between launch and paste (default 5s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ResumeCommand == "" {
		out.ResumeCommand = "claude --resume " + SessionPlaceholder
	}
	if out.SettleDelay == 0 {
		out.SettleDelay = 5 * time.Second
	}
	return out
}

// Pane is one line of `tmux list-panes -a`.
type Pane struct {
	ID      string
	Command string
	Path    string
}

// Target is where the resumed session runs.
type Target struct {
	PaneID  string
	Created bool // a new window was opened for it
}

// Tmux resumes sessions through a tmux server.
type Tmux struct {
	cfg    Config
	runner CommandRunner
	logger *slog.Logger

	// lookPath and sleep allow tests to run without tmux or delays.
	lookPath func(string) (string, error)
	sleep    func(context.Context, time.Duration) error
}

// NewTmux creates a Tmux recoverer.
func NewTmux(cfg Config, runner CommandRunner, logger *slog.Logger) *Tmux {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tmux{
		cfg:      cfg.withDefaults(),
		runner:   runner,
		logger:   logger,
		lookPath: exec.LookPath,
		sleep:    sleepCtx,
	}
}

// AttemptResume relaunches sessionID in cwd and types answer into it.
func (t *Tmux) AttemptResume(ctx context.Context, sessionID, cwd, answer string) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			t.logger.Error("recovery panic", "session_id", sessionID, "panic", p)
			ok = false
		}
	}()

	if _, err := t.lookPath("tmux"); err != nil {
		t.logger.Warn("recovery skipped: tmux not on PATH")
		return false
	}

	target, err := t.FindTarget(ctx, sessionID, cwd)
	if err != nil {
		t.logger.Warn("recovery: no target", "session_id", sessionID, "cwd", cwd, "error", err)
		return false
	}

	if err := t.sleep(ctx, t.cfg.SettleDelay); err != nil {
		return false
	}

	if err := t.Inject(ctx, target, answer); err != nil {
		t.logger.Warn("recovery: inject failed", "session_id", sessionID, "pane", target.PaneID, "error", err)
		return false
	}
	t.logger.Info("recovery: answer injected", "session_id", sessionID, "pane", target.PaneID, "new_window", target.Created)
	return true
}

// FindTarget starts the resume command in an idle shell pane already sitting
// in cwd, or in a new window opened there.
func (t *Tmux) FindTarget(ctx context.Context, sessionID, cwd string) (Target, error) {
	if !sessionIDPattern.MatchString(sessionID) {
		return Target{}, fmt.Errorf("unsafe session id %q", sessionID)
	}
	command := strings.ReplaceAll(t.cfg.ResumeCommand, SessionPlaceholder, sessionID)

	out, err := t.runner.Run(ctx, "tmux", "list-panes", "-a", "-F", "#{pane_id}\t#{pane_current_command}\t#{pane_current_path}")
	if err != nil {
		return Target{}, fmt.Errorf("tmux list-panes: %w", err)
	}

	if pane, ok := pickIdlePane(ParsePanes(string(out)), cwd); ok {
		if err := t.paste(ctx, pane.ID, command); err != nil {
			return Target{}, fmt.Errorf("launch in pane %s: %w", pane.ID, err)
		}
		return Target{PaneID: pane.ID}, nil
	}

	out, err = t.runner.Run(ctx, "tmux", "new-window", "-c", cwd, "-P", "-F", "#{pane_id}", command)
	if err != nil {
		return Target{}, fmt.Errorf("tmux new-window: %w", err)
	}
	paneID := strings.TrimSpace(string(out))
	if paneID == "" {
		return Target{}, errors.New("tmux new-window returned no pane id")
	}
	return Target{PaneID: paneID, Created: true}, nil
}

// Inject pastes text into the target pane and submits it.
func (t *Tmux) Inject(ctx context.Context, target Target, text string) error {
	return t.paste(ctx, target.PaneID, text)
}

// paste sends text to a pane via `tmux set-buffer` and `paste-buffer`, which
// treats it as completely literal text, then presses Enter.
func (t *Tmux) paste(ctx context.Context, paneID, text string) error {
	if _, err := t.runner.Run(ctx, "tmux", "set-buffer", "-b", answerBuffer, sanitizeForTmux(text)); err != nil {
		return fmt.Errorf("tmux set-buffer: %w", err)
	}
	if _, err := t.runner.Run(ctx, "tmux", "paste-buffer", "-b", answerBuffer, "-t", paneID, "-d"); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", paneID, err)
	}
	if _, err := t.runner.Run(ctx, "tmux", "send-keys", "-t", paneID, "Enter"); err != nil {
		return fmt.Errorf("tmux send-keys Enter to %s: %w", paneID, err)
	}
	return nil
}

// ParsePanes parses tab-separated "id\tcommand\tpath" lines.
func ParsePanes(raw string) []Pane {
	var panes []Pane
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 3 {
			continue
		}
		panes = append(panes, Pane{ID: parts[0], Command: parts[1], Path: parts[2]})
	}
	return panes
}

func pickIdlePane(panes []Pane, cwd string) (Pane, bool) {
	want := filepath.Clean(cwd)
	for _, p := range panes {
		if filepath.Clean(p.Path) == want && idleShells[filepath.Base(p.Command)] {
			return p, true
		}
	}
	return Pane{}, false
}

// sanitizeForTmux flattens newlines so the answer is submitted as one
// prompt rather than several.
func sanitizeForTmux(msg string) string {
	msg = strings.ReplaceAll(msg, "\r\n", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return msg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
