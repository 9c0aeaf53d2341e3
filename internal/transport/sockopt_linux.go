//go:build linux

package transport

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl marks the socket address-reusable before bind, so a
// restarted switch can reclaim its UDP port without waiting out
// lingering kernel state.
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return fmt.Errorf("transport: raw conn control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("transport: set SO_REUSEADDR: %w", sockErr)
	}
	return nil
}
