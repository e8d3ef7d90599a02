//go:build windows

package process

import (
	"os"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// Windows has no SIGTERM for console children; both stages kill.
func signalGroup(proc *os.Process, _ syscall.Signal) error {
	if proc == nil {
		return ErrNotStarted
	}
	return proc.Kill()
}
