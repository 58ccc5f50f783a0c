// Package proc provides low-level process checks shared by the worker
// adapter and the reaper.
package proc

import (
	"os"
	"syscall"
	"time"
)

// Exists reports whether a process with the given PID exists. Uses
// signal 0, which performs permission and existence checks without
// delivering a signal.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return err == syscall.EPERM
}

// KillGroup sends SIGKILL to the process group of pid, falling back to
// the single process if it is not a group leader.
func KillGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err == nil {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}

// Signal sends sig to pid.
func Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// WaitForExit polls until the process is gone or the bound elapses.
// Returns true if the process exited within the bound.
func WaitForExit(pid int, bound, interval time.Duration) bool {
	deadline := time.Now().Add(bound)
	for {
		if !Exists(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}
