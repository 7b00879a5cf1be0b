//go:build !windows

package clirunner

import (
	"os"
	"syscall"
)

// interruptSignal returns the graceful termination signal sent before a
// force-kill: SIGTERM on unix-like platforms.
func interruptSignal() os.Signal {
	return syscall.SIGTERM
}
