// Package proc wraps the OS process primitives the engine needs: liveness
// probing and terminating a subprocess together with its children.
package proc

import (
	"os"
	"syscall"
	"time"
)

// Alive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// TerminateGroup signals the process group: SIGTERM first, then SIGKILL for
// anything still alive after the grace window. Agents are spawned with
// Setpgid, so -pid reaches their children too.
func TerminateGroup(pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}
	syscall.Kill(-pid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	syscall.Kill(-pid, syscall.SIGKILL)
}
