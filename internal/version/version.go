// Package version reports which pingme build is running.
package version

import "runtime/debug"

// version is set at build time via -ldflags "-X pingme/internal/version.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

// String returns the release version.
func String() string {
	return version
}

// Full returns the version followed by the short VCS revision when the
// binary was built from a checkout, e.g. "0.3.0 (1a2b3c4)".
func Full() string {
	rev := revision()
	if rev == "" {
		return version
	}
	return version + " (" + rev + ")"
}

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 7 {
				return s.Value[:7]
			}
			return s.Value
		}
	}
	return ""
}
