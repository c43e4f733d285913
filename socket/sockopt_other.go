//go:build !unix

package socket

import "syscall"

// broadcastControl is a no-op where SO_BROADCAST is not exposed.
func broadcastControl(network, address string, c syscall.RawConn) error {
	return nil
}
