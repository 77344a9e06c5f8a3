package main

import (
	"os"

	"pingme/pkg/protocol"
)

// Environment variables that describe the calling agent.
const (
	envLabel         = "PINGME_LABEL"
	envSessionID     = "PINGME_SESSION_ID"
	envClaudeSession = "CLAUDE_SESSION_ID"
)

// originInfo describes the process on whose behalf pingme runs. The PID is
// the parent's: pingme itself exits as soon as it has an answer, while the
// agent that invoked it keeps running.
func originInfo(gf *globalFlags) protocol.OriginInfo {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	return protocol.OriginInfo{
		PID:       os.Getppid(),
		SessionID: firstNonEmpty(gf.session, os.Getenv(envSessionID), os.Getenv(envClaudeSession)),
		Cwd:       cwd,
		Label:     firstNonEmpty(gf.label, os.Getenv(envLabel)),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
