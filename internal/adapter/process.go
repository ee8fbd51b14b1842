package adapter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// defaultKillGrace is how long a tool gets to exit after SIGTERM before it
// is sent SIGKILL, and again after SIGKILL before the supervisor gives up.
const defaultKillGrace = 3 * time.Second

// supervisor owns one long-running tool process: it streams and parses the
// output, reports readiness to Start and notices unexpected exits.
type supervisor struct {
	tool      Tool
	executor  ProcessExecutor
	killGrace time.Duration

	mu       sync.Mutex
	proc     Process
	cancel   context.CancelFunc
	done     chan struct{}
	running  bool
	ready    bool
	stopping bool
	cleanup  []func()
	onExit   func(err error)
	onEvent  func(ev *OutputEvent)
}

func newSupervisor(tool Tool, executor ProcessExecutor) *supervisor {
	return &supervisor{tool: tool, executor: executor, killGrace: defaultKillGrace}
}

func (s *supervisor) setOnExit(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

func (s *supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// readiness collects the first ready or failure event.
type readiness struct {
	once sync.Once
	ch   chan error
	// lastFailure is kept in case the process exits without a ready line.
	mu          sync.Mutex
	lastFailure error
}

func (r *readiness) resolve(err error) {
	r.once.Do(func() {
		r.ch <- err
		close(r.ch)
	})
}

// start launches the process and blocks until the tool reports readiness
// or failure, the process exits, or ctx is done. cleanup funcs run once the
// process is gone. stdin, if non-nil, is written then closed.
func (s *supervisor) start(ctx context.Context, name string, args []string, stdin []byte, cleanup ...func()) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		runAll(cleanup)
		return ErrAlreadyRunning
	}

	// The process outlives ctx, which only bounds readiness.
	procCtx, cancel := context.WithCancel(context.Background())
	proc, err := s.executor.CreateProcess(procCtx, name, args...)
	if err != nil {
		s.mu.Unlock()
		cancel()
		runAll(cleanup)
		return fmt.Errorf("failed to create %s process: %w", s.tool, err)
	}
	if err := proc.Start(); err != nil {
		s.mu.Unlock()
		cancel()
		runAll(cleanup)
		return fmt.Errorf("failed to start %s: %w", s.tool, err)
	}

	ready := &readiness{ch: make(chan error, 1)}
	s.proc = proc
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.ready = false
	s.stopping = false
	s.cleanup = cleanup
	done := s.done
	s.mu.Unlock()

	s.feedStdin(proc, stdin)
	var readers sync.WaitGroup
	s.streamOutput(proc.Stdout(), ready, &readers)
	s.streamOutput(proc.Stderr(), ready, &readers)
	go s.waitExit(proc, done, ready, &readers)

	select {
	case err := <-ready.ch:
		if err == nil {
			slog.Info("Stage tool ready", "tool", s.tool)
			return nil
		}
		s.terminate(done)
		return err
	case <-ctx.Done():
		s.terminate(done)
		return fmt.Errorf("%s did not become ready: %w", s.tool, ctx.Err())
	}
}

func (s *supervisor) feedStdin(proc Process, data []byte) {
	stdin := proc.Stdin()
	if stdin == nil {
		return
	}
	if len(data) > 0 {
		if _, err := stdin.Write(data); err != nil {
			slog.Warn("Failed to write to tool stdin", "tool", s.tool, "error", err)
		}
	}
	if err := stdin.Close(); err != nil {
		slog.Debug("Failed to close tool stdin", "tool", s.tool, "error", err)
	}
}

func (s *supervisor) streamOutput(r io.Reader, ready *readiness, readers *sync.WaitGroup) {
	if r == nil {
		return
	}
	readers.Add(1)
	go func() {
		defer readers.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := scanner.Text()
			slog.Debug("Tool output", "tool", s.tool, "line", line)

			ev := ParseLine(s.tool, line)
			if ev == nil {
				continue
			}
			s.mu.Lock()
			onEvent := s.onEvent
			s.mu.Unlock()
			if onEvent != nil {
				onEvent(ev)
			}

			switch {
			case ev.Type == EventReady:
				s.mu.Lock()
				s.ready = true
				s.mu.Unlock()
				ready.resolve(nil)
			case ev.IsFailure():
				err := fmt.Errorf("%s: %w", ev.Message, ev.Err())
				ready.mu.Lock()
				ready.lastFailure = err
				ready.mu.Unlock()
				if ev.Type != EventError {
					ready.resolve(err)
				}
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, io.EOF) {
			slog.Debug("Tool output scanner stopped", "tool", s.tool, "error", err)
		}
	}()
}

func (s *supervisor) waitExit(proc Process, done chan struct{}, ready *readiness, readers *sync.WaitGroup) {
	// Pipes must be drained before Wait closes them.
	readers.Wait()
	waitErr := proc.Wait()

	ready.mu.Lock()
	cause := ready.lastFailure
	ready.mu.Unlock()
	if cause == nil {
		cause = ErrExited
		if waitErr != nil {
			cause = fmt.Errorf("%w: %v", ErrExited, waitErr)
		}
	}
	ready.resolve(cause)

	s.mu.Lock()
	wasReady := s.ready
	stopping := s.stopping
	onExit := s.onExit
	cleanup := s.cleanup
	s.cleanup = nil
	s.running = false
	s.ready = false
	s.proc = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	runAll(cleanup)
	close(done)

	if wasReady && !stopping {
		slog.Warn("Stage tool exited unexpectedly", "tool", s.tool, "error", cause)
		if onExit != nil {
			onExit(cause)
		}
	}
}

// terminate kills the process after a failed start. The wait is bounded
// by the kill grace periods.
func (s *supervisor) terminate(done chan struct{}) {
	s.mu.Lock()
	s.stopping = true
	proc := s.proc
	s.mu.Unlock()

	if proc == nil {
		<-done
		return
	}
	if err := s.kill(context.Background(), proc, done); err != nil {
		slog.Error("Failed to kill tool process", "tool", s.tool, "error", err)
	}
}

// kill sends SIGTERM and waits for the process to exit. It escalates to
// SIGKILL when the grace period passes or ctx ends first.
func (s *supervisor) kill(ctx context.Context, proc Process, done <-chan struct{}) error {
	if err := proc.Kill(); err != nil {
		slog.Warn("Failed to send SIGTERM to tool", "tool", s.tool, "error", err)
	}

	grace := time.NewTimer(s.killGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	slog.Warn("Tool still running after SIGTERM, sending SIGKILL", "tool", s.tool)
	if err := proc.ForceKill(); err != nil {
		return fmt.Errorf("failed to kill %s: %w", s.tool, err)
	}
	final := time.NewTimer(s.killGrace)
	defer final.Stop()
	select {
	case <-done:
		return nil
	case <-final.C:
		return fmt.Errorf("%w: %s", ErrStillRunning, s.tool)
	}
}

// stop terminates a running process. Stopping an idle supervisor is a no-op.
// When ctx ends before the tool exits, the tool is killed with SIGKILL.
func (s *supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	proc := s.proc
	done := s.done
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	if err := s.kill(ctx, proc, done); err != nil {
		return err
	}
	slog.Info("Stage tool stopped", "tool", s.tool)
	return nil
}

func runAll(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}
