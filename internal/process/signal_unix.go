//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// killGroup force-kills the process group led by pid, falling back to the
// single process when the group is already gone.
func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	return err
}

// processExists reports whether a process with pid is alive.
func processExists(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
