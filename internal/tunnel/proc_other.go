//go:build unix && !linux

package tunnel

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

const exitPollInterval = 50 * time.Millisecond

// sysProcAttr puts the provider in its own process group.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// killByName sends SIGTERM through pkill, waits up to grace, then sends
// SIGKILL to whatever is left.
func killByName(name string, grace time.Duration) error {
	if !running(name) {
		return nil
	}
	if err := pkill("-TERM", name); err != nil {
		return err
	}
	if waitNone(name, grace) {
		return nil
	}
	if err := pkill("-KILL", name); err != nil {
		return err
	}
	if waitNone(name, killWait) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrStaleProvider, name)
}

func running(name string) bool {
	return exec.Command("pgrep", "-x", name).Run() == nil
}

// pkill exits 1 when nothing matched.
func pkill(sig, name string) error {
	err := exec.Command("pkill", sig, "-x", name).Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return nil
	}
	return err
}

func waitNone(name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for running(name) {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(exitPollInterval)
	}
	return true
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
