//go:build unix

package engine

import "syscall"

// killProcessGroup signals an agent's process group, falling back to the
// single pid when the group is gone.
func killProcessGroup(pid int, force bool) {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}
