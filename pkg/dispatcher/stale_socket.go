package dispatcher

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
)

// cleanStaleSocket checks whether a UDS socket file at socketPath is stale
// (left over from a crashed daemon) or actively in use by another one.
//
// Behavior:
//   - If the file does not exist, returns nil (nothing to clean).
//   - If the file exists and a connection to it succeeds, another daemon is
//     running; returns an error so the caller does NOT clobber it.
//   - If the file exists and a connection fails (timeout or refused), the
//     socket is stale; removes the file and returns nil.
func cleanStaleSocket(socketPath string) error {
	_, err := os.Stat(socketPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	dialer := net.Dialer{}
	conn, dialErr := dialer.DialContext(ctx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("another daemon is already running on %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}
