//go:build linux || darwin

package process

import (
	"errors"
	"os"
	"syscall"
)

// Children get their own process group so termination reaches anything the
// download tool forked.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(proc *os.Process, sig syscall.Signal) error {
	if proc == nil {
		return ErrNotStarted
	}
	err := syscall.Kill(-proc.Pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return err
	}
	return proc.Signal(sig)
}
