//go:build unix

package exec

import "syscall"

// sysProcAttr places the child in its own process group so signals
// reach the whole tree, not just the immediate child.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// terminateProcess sends SIGTERM to the child's process group.
func terminateProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killProcess sends SIGKILL to the child's process group.
func killProcess(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// extractSignal pulls the terminating signal from the wait status.
func extractSignal(sys interface{}) (syscall.Signal, bool) {
	status, ok := sys.(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return 0, false
	}
	return status.Signal(), true
}
