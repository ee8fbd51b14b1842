package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Process represents a running process with stdin/stdout/stderr pipes.
type Process interface {
	// Start starts the process but does not wait for it to complete.
	Start() error
	// Wait waits for the process to exit and returns the error.
	Wait() error
	// Kill asks the process and its children to terminate (SIGTERM).
	Kill() error
	// ForceKill kills the process and its children (SIGKILL).
	ForceKill() error
	// Stdin returns a writer to the process's stdin.
	Stdin() io.WriteCloser
	// Stdout returns a reader from the process's stdout.
	Stdout() io.ReadCloser
	// Stderr returns a reader from the process's stderr.
	Stderr() io.ReadCloser
}

// ProcessExecutor creates processes for execution.
type ProcessExecutor interface {
	// CreateProcess creates a new process with the given command and arguments.
	CreateProcess(ctx context.Context, name string, args ...string) (Process, error)
}

// RealExecutor implements ProcessExecutor using os/exec.
type RealExecutor struct {
	// privileged runs commands through pkexec unless already root.
	privileged bool
}

// NewRealExecutor creates an executor that runs commands as the current user.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// NewPrivilegedExecutor creates an executor that escalates through pkexec
// when not running as root. The VPN tool needs this to create interfaces.
func NewPrivilegedExecutor() *RealExecutor {
	return &RealExecutor{privileged: os.Geteuid() != 0}
}

// CreateProcess creates a real process using exec.CommandContext.
// The process is started in its own process group to allow killing
// all child processes on teardown.
func (e *RealExecutor) CreateProcess(ctx context.Context, name string, args ...string) (Process, error) {
	if e.privileged {
		args = append([]string{name}, args...)
		name = "pkexec"
	}
	// #nosec G204 -- name is a resolved binary path, args never carry secrets
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = minimalEnv()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	return &realProcess{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		privileged: e.privileged,
	}, nil
}

// minimalEnv passes only what the tools need so that inherited variables
// holding credentials never reach them.
func minimalEnv() []string {
	env := []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	for _, key := range []string{"HOME", "LANG", "LC_ALL", "DISPLAY", "XAUTHORITY", "DBUS_SESSION_BUS_ADDRESS"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// realProcess wraps exec.Cmd to implement Process interface.
type realProcess struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderr     io.ReadCloser
	privileged bool
}

func (p *realProcess) Start() error {
	return p.cmd.Start()
}

func (p *realProcess) Wait() error {
	return p.cmd.Wait()
}

// Kill sends SIGTERM to the whole process group.
func (p *realProcess) Kill() error {
	return p.signal(syscall.SIGTERM, "-TERM")
}

// ForceKill sends SIGKILL to the whole process group.
func (p *realProcess) ForceKill() error {
	return p.signal(syscall.SIGKILL, "-KILL")
}

// signal delivers sig to the process group. Groups owned by root (started
// through pkexec) are signalled through pkexec kill.
func (p *realProcess) signal(sig syscall.Signal, name string) error {
	if p.cmd.Process == nil {
		return nil
	}
	pgid := p.cmd.Process.Pid

	err := syscall.Kill(-pgid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if !p.privileged {
		return fmt.Errorf("failed to signal process group: %w", err)
	}

	// #nosec G204 -- pgid is the child's own pid
	killCmd := exec.Command("pkexec", "kill", name, "--", fmt.Sprintf("-%d", pgid))
	if err := killCmd.Run(); err != nil {
		if isPkexecCancellation(err) {
			return fmt.Errorf("authentication cancelled or pkexec not available: %w", err)
		}
		return fmt.Errorf("failed to signal process group: %w", err)
	}
	return nil
}

// isPkexecCancellation checks if the error indicates the user cancelled
// the pkexec authentication dialog (126) or pkexec is not available (127).
func isPkexecCancellation(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		return code == 126 || code == 127
	}
	return false
}

func (p *realProcess) Stdin() io.WriteCloser {
	return p.stdin
}

func (p *realProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *realProcess) Stderr() io.ReadCloser {
	return p.stderr
}
