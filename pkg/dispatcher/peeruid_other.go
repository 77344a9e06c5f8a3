//go:build !linux && !darwin

package dispatcher

import "net"

// Platforms without a peer credential query rely on the socket's 0600 mode.
func peerUIDMatchesCurrentUser(net.Conn) (bool, error) {
	return true, nil
}
