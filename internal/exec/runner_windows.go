//go:build windows

package exec

import (
	"os"
	"syscall"
)

// sysProcAttr returns nil; Windows has no process groups in the
// Setpgid sense.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

// terminateProcess has no graceful signal on Windows; it kills the
// process outright.
func terminateProcess(pid int) error {
	return killProcess(pid)
}

// killProcess ends the process.
func killProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

// extractSignal is a no-op on Windows.
func extractSignal(_ interface{}) (syscall.Signal, bool) {
	return 0, false
}
