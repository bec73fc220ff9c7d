package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	stdioMaxLineBytes = 8 << 20

	// stdioWaitDelay bounds how long Wait keeps stderr open after the
	// provider exits, in case a detached descendant still holds it.
	stdioWaitDelay = 500 * time.Millisecond
)

// StdioTransportConfig configures a process transport.
type StdioTransportConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Logger  *slog.Logger
}

// StdioTransport implements MCP transport over a subprocess stdin/stdout pipe
// using newline-delimited JSON messages.
type StdioTransport struct {
	mu     sync.Mutex
	cfg    StdioTransportConfig
	logger *slog.Logger
	cmd    *exec.Cmd
	stderr *stderrLogger
	stdin  io.WriteCloser
	recvCh chan Message
	errCh  chan error
	waitCh chan struct{}
	done   chan struct{}
	closed bool
}

// NewStdioTransport starts the provider subprocess. The context bounds only
// process start; the process lives until Close.
func NewStdioTransport(ctx context.Context, cfg StdioTransportConfig) (*StdioTransport, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: stdio command is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &StdioTransport{
		cfg:    cfg,
		logger: logger,
		recvCh: make(chan Message),
		errCh:  make(chan error, 1),
		waitCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if err := t.start(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *StdioTransport) start() error {
	args := slices.Clone(t.cfg.Args)
	// #nosec G204 -- command/args come from operator configuration.
	cmd := exec.Command(t.cfg.Command, args...)
	cmd.Dir = t.cfg.Dir
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(t.cfg.Env)...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdio open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdio open stdout: %w", err)
	}
	// exec copies stderr on its own goroutine, which Wait joins within
	// WaitDelay.
	t.stderr = &stderrLogger{logger: t.logger, command: t.cfg.Command}
	cmd.Stderr = t.stderr
	cmd.WaitDelay = stdioWaitDelay
	isolateProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp: stdio start: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin

	go t.readLoop(stdout)
	go t.waitLoop()

	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), stdioMaxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var message Message
		if err := json.Unmarshal(line, &message); err != nil {
			t.logger.Warn("mcp: stdio skipping malformed line", "command", t.cfg.Command, "error", err)
			continue
		}
		select {
		case t.recvCh <- message:
		case <-t.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.sendErr(fmt.Errorf("mcp: stdio read: %w", err))
		return
	}
	t.sendErr(io.EOF)
}

func (t *StdioTransport) waitLoop() {
	defer close(t.waitCh)

	err := t.cmd.Wait()
	t.stderr.flush()

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if err != nil && !closed {
		t.sendErr(fmt.Errorf("mcp: stdio process exited: %w", err))
	}
}

// Send writes one JSON-RPC message line to the subprocess stdin.
func (t *StdioTransport) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("mcp: encode request: %w", err)
	}
	data = append(data, '\n')

	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// Receive reads the next JSON-RPC message from subprocess stdout.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case <-t.done:
		return Message{}, ErrTransportClosed
	default:
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-t.done:
		return Message{}, ErrTransportClosed
	case err := <-t.errCh:
		// Keep the terminal error visible to later receivers.
		t.sendErr(err)
		return Message{}, err
	case message := <-t.recvCh:
		return message, nil
	}
}

// Close kills the provider's process group and reaps the provider. An
// already exited process is not an error.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil {
		if err := killProcessGroup(cmd); err != nil {
			t.logger.Debug("mcp: stdio kill", "command", t.cfg.Command, "error", err)
		}
	}
	select {
	case <-t.waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StdioTransport) sendErr(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

// stderrLogger logs provider stderr one line at a time.
type stderrLogger struct {
	logger  *slog.Logger
	command string

	mu      sync.Mutex
	pending []byte
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		l.log(l.pending[:i])
		l.pending = l.pending[i+1:]
	}
	if len(l.pending) > stdioMaxLineBytes {
		l.log(l.pending)
		l.pending = nil
	}
	return len(p), nil
}

func (l *stderrLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) > 0 {
		l.log(l.pending)
		l.pending = nil
	}
}

func (l *stderrLogger) log(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.logger.Debug("mcp: provider stderr", "command", l.command, "line", string(line))
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
