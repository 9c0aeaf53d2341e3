//go:build !linux

package transport

import "syscall"

// reuseControl is a no-op on platforms where the switch does not set
// socket options; the OS default bind semantics apply.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
