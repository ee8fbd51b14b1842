package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeProcess is a Process whose output is queued up front and whose exit
// is driven by the test.
type fakeProcess struct {
	mu       sync.Mutex
	startErr error
	exitErr  error
	launched bool
	killed   bool

	// ignoreTerm makes Kill a no-op so only ForceKill ends the process.
	ignoreTerm  bool
	forceKilled bool

	stdin  *pipe
	stdout *pipe
	stderr *pipe
	exited chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		stdin:  &pipe{},
		stdout: &pipe{},
		stderr: &pipe{},
		exited: make(chan struct{}),
	}
}

func (p *fakeProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.launched = true
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) ForceKill() error {
	p.mu.Lock()
	p.forceKilled = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *fakeProcess) failStart(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// exitWith sets the error Wait returns once the process exits.
func (p *fakeProcess) exitWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitErr = err
}

// emit queues a stdout line. Output must be queued before start: the
// reader reports EOF once drained.
func (p *fakeProcess) emit(line string) { p.stdout.writeLine(line) }

func (p *fakeProcess) emitStderr(line string) { p.stderr.writeLine(line) }

func (p *fakeProcess) stdinData() string { return p.stdin.String() }

func (p *fakeProcess) wasStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launched
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) wasForceKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forceKilled
}

// ignoreSIGTERM makes the process survive Kill.
func (p *fakeProcess) ignoreSIGTERM() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignoreTerm = true
}

// exit lets Wait return. It is idempotent.
func (p *fakeProcess) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.exited:
	default:
		close(p.exited)
	}
}

// pipe is one end of a fake stdio stream.
type pipe struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *pipe) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.WriteString(line + "\n")
}

func (s *pipe) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("write to closed pipe")
	}
	return s.buf.Write(b)
}

func (s *pipe) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}
	return s.buf.Read(b)
}

func (s *pipe) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *pipe) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// fakeExecutor hands out pushed processes in order, then its default one.
type fakeExecutor struct {
	mu        sync.Mutex
	createErr error
	def       *fakeProcess
	pending   []*fakeProcess
	command   string
	args      []string
	calls     int

	// onCreate runs inside CreateProcess, while temp files handed to the
	// tool still exist.
	onCreate func(name string, args []string)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{def: newFakeProcess()}
}

func (e *fakeExecutor) CreateProcess(_ context.Context, name string, args ...string) (Process, error) {
	e.mu.Lock()
	e.command = name
	e.args = append([]string(nil), args...)
	e.calls++
	hook, createErr, proc := e.onCreate, e.createErr, e.def
	if len(e.pending) > 0 {
		proc, e.pending = e.pending[0], e.pending[1:]
	}
	e.mu.Unlock()

	if hook != nil {
		hook(name, args)
	}
	if createErr != nil {
		return nil, createErr
	}
	return proc, nil
}

func (e *fakeExecutor) push(procs ...*fakeProcess) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, procs...)
}

func (e *fakeExecutor) failCreate(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createErr = err
}

// proc returns the default process.
func (e *fakeExecutor) proc() *fakeProcess { return e.def }

func (e *fakeExecutor) lastCommand() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.command
}

func (e *fakeExecutor) lastArgs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.args
}

func (e *fakeExecutor) created() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// fakeBinary creates an executable file and returns its path.
func fakeBinary(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

// argAfter returns the argument following flag, or "".
func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
