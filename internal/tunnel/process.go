package tunnel

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultStopGrace is how long a provider has to exit after SIGTERM before
// it is sent SIGKILL.
const DefaultStopGrace = 3 * time.Second

// killWait bounds the wait for a process to disappear after SIGKILL.
const killWait = 2 * time.Second

// ExecLauncher runs providers as child processes in their own process group.
type ExecLauncher struct {
	// Grace is the SIGTERM to SIGKILL delay; zero means DefaultStopGrace.
	Grace time.Duration
}

func (l ExecLauncher) grace() time.Duration {
	if l.Grace <= 0 {
		return DefaultStopGrace
	}
	return l.Grace
}

// KillStale terminates processes whose executable name is name and returns
// once they have exited.
func (l ExecLauncher) KillStale(name string) error {
	return killByName(name, l.grace())
}

// Start launches the provider and reaps it in the background.
func (l ExecLauncher) Start(name string, args []string, out io.Writer) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	p := &execProcess{cmd: cmd, grace: l.grace(), done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	grace time.Duration
	done  chan struct{}
	once  sync.Once
	err   error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

// Kill terminates the provider's whole process group and waits for the
// provider to be reaped. Later calls return the first call's result.
func (p *execProcess) Kill() error {
	p.once.Do(func() { p.err = p.stop() })
	return p.err
}

func (p *execProcess) stop() error {
	pid := p.cmd.Process.Pid
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
	}

	if err := signalGroup(pid, syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%w: pid %d did not exit after SIGKILL", ErrStaleProvider, pid)
	}
}
