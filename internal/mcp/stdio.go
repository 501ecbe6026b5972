package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGracePeriod is how long Close waits for the subprocess to exit
// after its stdin is closed before killing it.
const stopGracePeriod = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run, e.g. "docker".
	Command string

	// Args are command-line arguments passed to the executable, e.g.
	// ["run", "--rm", "-i", "mcp/duckduckgo:latest"].
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
//
// Exchanges are serialized by a semaphore rather than a mutex so that
// a caller waiting its turn can give up when its context ends. Close
// never waits for the semaphore: it tears the process down, which ends
// any exchange still reading.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	sem    chan struct{}

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan []byte
	readDone chan struct{}
	readErr  error
	done     chan struct{}
	closed   bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Open.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Open launches the subprocess. Its lifecycle is independent of ctx:
// it survives individual request timeouts and ends only on Close.
// Opening an already running transport is a no-op.
func (t *StdioTransport) Open(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.fail("open", ErrTransportClosed)
	}
	if t.cmd != nil {
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return t.fail("open", fmt.Errorf("create stdin pipe: %w", err))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return t.fail("open", fmt.Errorf("create stdout pipe: %w", err))
	}

	// stderr carries the server's own logging, not protocol traffic.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return t.fail("open", fmt.Errorf("create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return t.fail("open", fmt.Errorf("start subprocess %s: %w", t.config.Command, err))
	}

	t.cmd = cmd
	t.stdin = stdin
	t.lines = make(chan []byte)
	t.readDone = make(chan struct{})

	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20)) // 1 MiB buffer for large responses
	go t.drainStderr(stderr)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop forwards stdout lines to the exchange that is waiting for
// them. It exits when stdout ends or the transport closes.
func (t *StdioTransport) readLoop(r *bufio.Reader) {
	defer close(t.readDone)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			select {
			case t.lines <- line:
			case <-t.done:
				return
			}
		}
		if err != nil {
			t.mu.Lock()
			t.readErr = err
			t.mu.Unlock()
			return
		}
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes a request to stdin and reads stdout until the response
// with the same ID arrives. Server notifications and requests that
// arrive first are skipped. If ctx ends mid-exchange the transport is
// closed, since the stream can no longer be resynchronized.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	stdin, err := t.writer("send")
	if err != nil {
		return nil, err
	}

	data, err := encodeMessage(req)
	if err != nil {
		return nil, err
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return nil, t.fail("send", fmt.Errorf("write to subprocess stdin: %w", err))
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Warn("MCP request abandoned, closing subprocess",
				"method", req.Method,
				"error", ctx.Err(),
			)
			_ = t.Close()
			return nil, ctx.Err()

		case <-t.done:
			return nil, t.fail("send", ErrTransportClosed)

		case <-t.readDone:
			t.mu.Lock()
			readErr := t.readErr
			t.mu.Unlock()
			if readErr == nil || errors.Is(readErr, io.EOF) {
				readErr = io.ErrUnexpectedEOF
			}
			return nil, t.fail("send", fmt.Errorf("read from subprocess stdout: %w", readErr))

		case line := <-t.lines:
			resp, ok, err := decodeResponse(line)
			if err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess",
					"line", string(line),
				)
				continue
			}
			if !ok {
				t.logger.Debug("skipping server-initiated MCP message", "line", string(line))
				continue
			}
			if resp.ID == req.ID {
				return resp, nil
			}
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
		}
	}
}

// Notify writes a JSON-RPC notification to stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	stdin, err := t.writer("notify")
	if err != nil {
		return err
	}

	data, err := encodeMessage(notif)
	if err != nil {
		return err
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return t.fail("notify", fmt.Errorf("write notification to subprocess stdin: %w", err))
	}
	return nil
}

// Close terminates the subprocess. Calling Close more than once, or on
// a transport that was never opened, returns nil.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	cmd, stdin := t.cmd, t.stdin
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}
	return t.stop(cmd, stdin)
}

// stop closes stdin to ask the subprocess to exit, then kills it if it
// has not exited within the grace period.
func (t *StdioTransport) stop(cmd *exec.Cmd, stdin io.Closer) error {
	t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

	if stdin != nil {
		stdin.Close()
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			t.logger.Debug("MCP subprocess exited", "status", exitErr.ExitCode())
			return nil
		}
		if err != nil {
			return t.fail("close", err)
		}
		return nil
	case <-time.After(stopGracePeriod):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-exited
		return nil
	}
}

// acquire takes the exchange semaphore, giving up when ctx ends.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// select picks randomly when both cases are ready; do not start an
	// exchange on a context that is already done.
	if err := ctx.Err(); err != nil {
		<-t.sem
		return err
	}
	return nil
}

// release returns the exchange semaphore.
func (t *StdioTransport) release() {
	<-t.sem
}

// writer returns stdin if the transport is open.
func (t *StdioTransport) writer(op string) (io.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.stdin == nil {
		return nil, t.fail(op, ErrTransportClosed)
	}
	return t.stdin, nil
}

func (t *StdioTransport) fail(op string, err error) error {
	return &TransportError{Kind: TransportStdio, Op: op, Err: err}
}
