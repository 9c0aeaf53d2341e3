//go:build linux

package vswitch

import "golang.org/x/sys/unix"

// tapThreadNice is the niceness applied to the TAP pump's pinned
// thread. Negative values need CAP_SYS_NICE; failure is non-fatal.
const tapThreadNice = -10

// raiseThreadPriority renices the calling OS thread. The caller must
// have pinned itself with runtime.LockOSThread first, otherwise the
// priority lands on whichever thread the goroutine happens to occupy.
func raiseThreadPriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), tapThreadNice)
}
