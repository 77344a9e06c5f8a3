package version_test

import (
	"strings"
	"testing"

	"pingme/internal/version"
)

func TestVersionIsSet(t *testing.T) {
	t.Parallel()

	v := version.String()
	if v == "" {
		t.Fatal("version.String() must not be empty")
	}
	if !strings.HasPrefix(version.Full(), v) {
		t.Errorf("Full() = %q, want prefix %q", version.Full(), v)
	}
}
