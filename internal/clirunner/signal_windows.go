//go:build windows

package clirunner

import "os"

// interruptSignal returns the graceful termination signal sent before a
// force-kill. Windows processes have no SIGTERM equivalent reachable via
// os.Process.Signal, so this falls straight through to os.Kill: the first
// signal already terminates the process, and the grace period is not
// waited out.
func interruptSignal() os.Signal {
	return os.Kill
}
