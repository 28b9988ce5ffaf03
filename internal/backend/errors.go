package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCLINotFound means the claude executable is not on PATH.
	ErrCLINotFound = errors.New("claude CLI not found")
	// ErrUnavailable means no backend could be opened.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrClosed is returned by a client used after Close.
	ErrClosed = errors.New("client closed")
)

// ProcessError is a claude process that failed or exited early.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	msg := "claude process failed"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// DecodeError is a stdout line that could not be parsed.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	line := e.Line
	if len(line) > 120 {
		line = line[:120] + "..."
	}
	return fmt.Sprintf("%v (line: %s)", e.Err, line)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// TimeoutError is the overall per-query timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Request timed out after %ds", int(e.Timeout.Seconds()))
}

// ToolTimeoutError is a single tool step that produced nothing in time.
type ToolTimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("Tool execution timed out after %ds", int(e.Timeout.Seconds()))
}

// FormatError renders err as an actionable, user-facing message.
func FormatError(err error) string {
	var (
		procErr    *ProcessError
		decodeErr  *DecodeError
		timeoutErr *TimeoutError
		toolErr    *ToolTimeoutError
	)
	switch {
	case errors.Is(err, ErrCLINotFound):
		return "Claude CLI not found. Please ensure Claude is installed:\n  npm install -g @anthropic-ai/claude-code"
	case errors.As(err, &timeoutErr):
		return timeoutErr.Error()
	case errors.As(err, &toolErr):
		return toolErr.Error()
	case errors.As(err, &decodeErr):
		return "Failed to parse Claude response: " + decodeErr.Error()
	case errors.As(err, &procErr):
		return "Claude process error: " + procErr.Error()
	case errors.Is(err, context.Canceled):
		return "Request cancelled"
	}
	return fmt.Sprintf("Error (%s): %v", typeName(err), err)
}

// ErrorType returns the error_type tag for err.
func ErrorType(err error) string {
	var (
		procErr    *ProcessError
		decodeErr  *DecodeError
		timeoutErr *TimeoutError
		toolErr    *ToolTimeoutError
	)
	switch {
	case errors.Is(err, ErrCLINotFound):
		return ErrorTypeCLINotFound
	case errors.As(err, &timeoutErr):
		return ErrorTypeTimeout
	case errors.As(err, &toolErr):
		return ErrorTypeToolTimeout
	case errors.As(err, &decodeErr):
		return ErrorTypeDecode
	case errors.As(err, &procErr), errors.Is(err, ErrClosed):
		return ErrorTypeProcess
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	}
	return ErrorTypeUnexpected
}

func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
