package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

const (
	// maxLineSize allows up to 10 MB per stream-json line.
	maxLineSize = 10 * 1024 * 1024
	stderrTail  = 8 * 1024
)

// CLI is a Backend that runs the claude executable.
type CLI struct {
	binary string
	apiKey string
	logger *zap.Logger
}

// NewCLI returns a CLI backend using binary, resolved through PATH.
func NewCLI(binary, apiKey string, logger *zap.Logger) *CLI {
	if binary == "" {
		binary = "claude"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLI{binary: binary, apiKey: apiKey, logger: logger}
}

// Available reports whether the claude executable can be found.
func (c *CLI) Available() bool {
	_, err := c.lookPath()
	return err == nil
}

func (c *CLI) lookPath() (string, error) {
	path, err := exec.LookPath(c.binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCLINotFound, c.binary)
	}
	return path, nil
}

func (c *CLI) prepare(cmd *exec.Cmd, opts Options) *exec.Cmd {
	cmd.Dir = opts.WorkDir
	cmd.Env = os.Environ()
	if c.apiKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+c.apiKey)
	}
	cmd.Env = append(cmd.Env, opts.Env...)
	return cmd
}

// Open starts a persistent claude process that reads stream-json prompts
// from stdin. The process outlives ctx; Close stops it.
func (c *CLI) Open(ctx context.Context, opts Options) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := c.lookPath()
	if err != nil {
		return nil, err
	}

	cmd := c.prepare(exec.Command(path, buildArgs(opts, "")...), opts)
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("backend: creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("backend: creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, &ProcessError{Err: fmt.Errorf("starting claude: %w", err)}
	}

	cl := &cliClient{
		cmd:    cmd,
		stdin:  stdin,
		stderr: stderr,
		logger: c.logger,
		items:  make(chan item),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go cl.readLoop(stdout)

	c.logger.Debug("claude client started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("dir", opts.WorkDir),
		zap.String("resume", opts.ResumeSessionID),
	)
	return cl, nil
}

// RunOnce runs a single non-interactive claude invocation and yields its
// messages. Breaking out of the sequence kills the process.
func (c *CLI) RunOnce(ctx context.Context, prompt string, opts Options) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		path, err := c.lookPath()
		if err != nil {
			yield(nil, err)
			return
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := c.prepare(exec.CommandContext(runCtx, path, buildArgs(opts, prompt)...), opts)
		stderr := &tailBuffer{max: stderrTail}
		cmd.Stderr = stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(nil, fmt.Errorf("backend: creating stdout pipe: %w", err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield(nil, &ProcessError{Err: fmt.Errorf("starting claude: %w", err)})
			return
		}

		waited := false
		defer func() {
			if !waited {
				cancel()
				_ = cmd.Wait()
			}
		}()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		completed := false
		for scanner.Scan() {
			msgs, err := DecodeLine(scanner.Bytes())
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range msgs {
				if !yield(m, nil) {
					return
				}
				if _, ok := m.(CompleteMessage); ok {
					completed = true
				}
			}
		}

		waitErr := cmd.Wait()
		waited = true
		if completed {
			return
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		yield(nil, newProcessError(waitErr, scanner.Err(), stderr.String()))
	}
}

type item struct {
	msg Message
	err error
}

// cliClient is a running claude process in stream-json input mode.
type cliClient struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	logger *zap.Logger

	items  chan item
	done   chan struct{}
	exited chan struct{}

	// Set by readLoop before exited is closed.
	waitErr error
	scanErr error

	mu          sync.Mutex
	outstanding int

	closeOnce sync.Once
	closeErr  error
}

func (c *cliClient) readLoop(stdout io.Reader) {
	defer close(c.items)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

scan:
	for scanner.Scan() {
		msgs, err := DecodeLine(scanner.Bytes())
		if err != nil {
			if !c.push(item{err: err}) {
				break
			}
			continue
		}
		for _, m := range msgs {
			if !c.push(item{msg: m}) {
				break scan
			}
		}
	}

	c.scanErr = scanner.Err()
	c.waitErr = c.cmd.Wait()
	close(c.exited)
}

func (c *cliClient) push(it item) bool {
	select {
	case c.items <- it:
		return true
	case <-c.done:
		return false
	}
}

// Send writes one prompt to the process. Each Send opens a turn that the
// next CompleteMessage closes.
func (c *cliClient) Send(ctx context.Context, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := EncodePrompt(prompt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	case <-c.exited:
		return c.terminalErr()
	default:
	}

	if _, err := c.stdin.Write(line); err != nil {
		return &ProcessError{Err: fmt.Errorf("writing prompt: %w", err), Stderr: c.stderr.String()}
	}
	c.outstanding++
	return nil
}

// Receive yields the messages of the current turn. Messages left over from
// an earlier turn whose reader gave up are skipped.
func (c *cliClient) Receive(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-c.done:
				yield(nil, ErrClosed)
				return
			case it, ok := <-c.items:
				if !ok {
					yield(nil, c.terminalErr())
					return
				}
				if it.err != nil {
					yield(nil, it.err)
					return
				}
				stale, complete := c.account(it.msg)
				if stale {
					continue
				}
				if !yield(it.msg, nil) || complete {
					return
				}
			}
		}
	}
}

func (c *cliClient) account(m Message) (stale, complete bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stale = c.outstanding > 1
	if _, ok := m.(CompleteMessage); ok {
		complete = true
		if c.outstanding > 0 {
			c.outstanding--
		}
	}
	return stale, complete
}

// terminalErr describes why the stream ended. Only valid once items is
// closed or exited is closed.
func (c *cliClient) terminalErr() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	<-c.exited
	return newProcessError(c.waitErr, c.scanErr, c.stderr.String())
}

// Close kills the process and waits for it to exit.
func (c *cliClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		_ = c.stdin.Close()
		<-c.exited

		var exitErr *exec.ExitError
		if c.waitErr != nil && !errors.As(c.waitErr, &exitErr) {
			c.closeErr = c.waitErr
		}
		c.logger.Debug("claude client closed")
	})
	return c.closeErr
}

func newProcessError(waitErr, scanErr error, stderr string) *ProcessError {
	pe := &ProcessError{Stderr: stderr, Err: waitErr}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		pe.ExitCode = exitErr.ExitCode()
	}
	if pe.Err == nil {
		pe.Err = scanErr
	}
	if pe.Err == nil {
		pe.Err = errors.New("claude exited before completing the turn")
	}
	return pe
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
