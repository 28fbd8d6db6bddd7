// Package supervisor owns the lifecycle of supervised agent processes:
// spawning, stdin forwarding, termination, and converting the process's
// stdout/stderr streams into protocol events.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"agentdeck/internal/protocol"

	"github.com/google/uuid"
)

const (
	defaultScannerBufSize  = 1024 * 1024 // 1 MB
	defaultGracefulTimeout = 5 * time.Second
	defaultCommand         = "claude"
)

// EventSink receives decoded events from a supervised process, together
// with the handle they belong to. Events from one stream are delivered in
// source order; delivery happens on the stream reader goroutines, so sinks
// must be safe for concurrent use.
type EventSink func(*Handle, *protocol.Event)

// Config controls how agent processes are invoked.
type Config struct {
	// Command is the agent executable, resolved via PATH.
	Command string

	// BaseArgs are prepended to every invocation before the flags derived
	// from RunParams.
	BaseArgs []string

	// GracefulTimeout is how long Terminate waits after the interrupt
	// signal before force-killing.
	GracefulTimeout time.Duration

	Logger *slog.Logger
}

// Supervisor spawns and manages agent processes. Each spawned process is
// represented by a Handle owned by exactly one caller.
type Supervisor struct {
	cfg Config
	log *slog.Logger
}

// New creates a supervisor. Zero-value config fields get defaults.
func New(cfg Config) *Supervisor {
	if cfg.Command == "" {
		cfg.Command = defaultCommand
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{cfg: cfg, log: log.With("component", "supervisor")}
}

// Handle represents one running (or exited) agent process.
type Handle struct {
	ID string

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  *stdinWriter

	done     chan struct{} // closed after exit status is collected
	exitCode int           // valid once done is closed
}

// Running reports whether the process has not yet exited.
func (h *Handle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the process has exited and its end event was emitted.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitCode returns the process exit code. Only valid after Done is closed.
func (h *Handle) ExitCode() int { return h.exitCode }

// stdinWriter wraps the child's stdin pipe with mutex protection so late
// writes after exit fail cleanly instead of panicking.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return fmt.Errorf("stdin pipe closed")
	}
	_, err := sw.writer.Write(data)
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

// BuildArgs constructs the argument vector for one invocation. Arguments
// are always passed as a vector, never interpolated into a shell string, so
// user-controlled fields cannot inject commands.
func (s *Supervisor) BuildArgs(params protocol.RunParams) []string {
	args := append([]string(nil), s.cfg.BaseArgs...)
	if params.Mode != "" {
		args = append(args, "--mode", params.Mode)
	}
	if params.Model != "" {
		args = append(args, "--model", params.Model)
	}
	if params.Source != "" {
		args = append(args, "--source", params.Source)
	}
	if params.AutoApprove {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, params.Task)
}

// Spawn starts an agent process for params and streams its decoded output
// to sink. The returned Handle is live; the caller learns about exit from
// the end event and Handle.Done. Spawn failures leave no process behind.
func (s *Supervisor) Spawn(params protocol.RunParams, sink EventSink) (*Handle, error) {
	if err := protocol.ValidateRunParams(&params); err != nil {
		return nil, err
	}
	if params.WorkDir != "" {
		info, err := os.Stat(params.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("working directory does not exist: %s", params.WorkDir)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("path is not a directory: %s", params.WorkDir)
		}
	}

	binaryPath, err := exec.LookPath(s.cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("agent executable %q not found in PATH", s.cfg.Command)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, binaryPath, s.BuildArgs(params)...)
	cmd.Dir = params.WorkDir

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	h := &Handle{
		ID:     uuid.New().String(),
		cmd:    cmd,
		cancel: cancel,
		stdin:  &stdinWriter{writer: stdinW},
		done:   make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	// The child holds the read end now.
	stdinR.Close()

	s.log.Info("agent spawned", "run_id", h.ID, "pid", cmd.Process.Pid, "work_dir", params.WorkDir)

	var readers sync.WaitGroup
	readers.Add(2)
	go s.scanStream(h, stdoutPipe, protocol.StreamStdout, sink, &readers)
	go s.scanStream(h, stderrPipe, protocol.StreamStderr, sink, &readers)
	go s.waitForExit(h, sink, &readers)

	return h, nil
}

// scanStream reads lines from one pipe, decodes them, and forwards the
// resulting events in read order.
func (s *Supervisor) scanStream(h *Handle, pipe io.Reader, stream protocol.Stream, sink EventSink, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)

	for scanner.Scan() {
		if ev, ok := protocol.DecodeLine(stream, scanner.Text()); ok {
			sink(h, ev)
		}
	}

	if err := scanner.Err(); err != nil {
		s.log.Warn("stream scanner error", "run_id", h.ID, "stream", stream, "error", err)
	}
}

// waitForExit collects the exit status once both stream readers have
// drained, then emits the end event.
func (s *Supervisor) waitForExit(h *Handle, sink EventSink, readers *sync.WaitGroup) {
	readers.Wait()
	err := h.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	h.stdin.Close()
	h.cancel()

	h.exitCode = exitCode
	close(h.done)

	s.log.Info("agent exited", "run_id", h.ID, "exit_code", exitCode)

	ev, _ := protocol.NewEvent(protocol.TypeEnd, protocol.EndPayload{ExitCode: exitCode})
	sink(h, ev)
}

// WriteStdin forwards input to the process. The data is newline-terminated
// before writing to match the agent's line-buffered reads. A write after
// exit returns an error but is never fatal to the caller.
func (s *Supervisor) WriteStdin(h *Handle, data string) error {
	if !h.Running() {
		return fmt.Errorf("process already exited")
	}
	return h.stdin.Write([]byte(data + "\n"))
}

// Terminate requests a graceful shutdown: interrupt first, force-kill after
// the graceful timeout. The caller learns about actual exit from the end
// event; there is no synchronous acknowledgment.
func (s *Supervisor) Terminate(h *Handle) {
	if !h.Running() {
		return
	}
	if h.cmd.Process == nil {
		return
	}

	s.log.Info("terminating agent", "run_id", h.ID)
	h.cmd.Process.Signal(os.Interrupt)

	go func() {
		select {
		case <-h.done:
		case <-time.After(s.cfg.GracefulTimeout):
			h.cancel()
		}
	}()
}
