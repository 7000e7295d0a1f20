//go:build linux || darwin

package lifecycle

import (
	"os"
	"syscall"
)

// pidAlive probes pid with signal 0, which does not actually deliver a
// signal — it only reports whether the process exists and is reachable by
// this user.
func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
