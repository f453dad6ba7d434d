package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/sys/unix"
)

// commLen is the kernel's limit on /proc/<pid>/comm, excluding the NUL.
const commLen = 15

// exitPollInterval is how often killed pids are checked for exit.
const exitPollInterval = 20 * time.Millisecond

// sysProcAttr puts the provider in its own process group. Pdeathsig makes
// the kernel terminate it if padlink dies without cleaning up.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// killByName sends SIGTERM to every process whose comm matches name, waits
// up to grace for them to exit, then sends SIGKILL to the rest. It returns
// an error wrapping ErrStaleProvider if any survive.
func killByName(name string, grace time.Duration) error {
	pids, err := findByName(name)
	if err != nil || len(pids) == 0 {
		return err
	}

	var errs []error
	signal := func(pids []int, sig unix.Signal) []int {
		sent := pids[:0]
		for _, pid := range pids {
			err := unix.Kill(pid, sig)
			switch {
			case err == nil:
				sent = append(sent, pid)
			case errors.Is(err, unix.ESRCH):
			default:
				errs = append(errs, fmt.Errorf("signal %d: %w", pid, err))
			}
		}
		return sent
	}

	remaining := waitExited(signal(pids, unix.SIGTERM), grace)
	if len(remaining) > 0 {
		remaining = waitExited(signal(remaining, unix.SIGKILL), killWait)
	}
	if len(remaining) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s (pids %v)", ErrStaleProvider, name, remaining))
	}
	return errors.Join(errs...)
}

// findByName lists the pids whose comm is name, excluding this process.
func findByName(name string) ([]int, error) {
	if len(name) > commLen {
		name = name[:commLen]
	}
	entries, err := filepath.Glob("/proc/[0-9]*/comm")
	if err != nil {
		return nil, err
	}
	self := os.Getpid()

	var pids []int
	for _, path := range entries {
		pid, err := strconv.Atoi(filepath.Base(filepath.Dir(path)))
		if err != nil || pid == self {
			continue
		}
		comm, err := os.ReadFile(path)
		if err != nil {
			continue // exited while scanning
		}
		if strings.TrimSpace(string(comm)) == name && alive(pid) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// waitExited polls until every pid has exited or timeout passes, and
// returns the pids still running.
func waitExited(pids []int, timeout time.Duration) []int {
	deadline := time.Now().Add(timeout)
	for {
		pids = slices.DeleteFunc(pids, func(pid int) bool { return !alive(pid) })
		if len(pids) == 0 || !time.Now().Before(deadline) {
			return pids
		}
		time.Sleep(exitPollInterval)
	}
}

// alive reports whether pid exists and is not a zombie.
func alive(pid int) bool {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	// The state letter follows the parenthesised command name.
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return true
	}
	switch stat[i+2] {
	case 'Z', 'X':
		return false
	}
	return true
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
