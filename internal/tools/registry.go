// Package tools holds the custom tools claudegram exposes to Claude over
// MCP, registered explicitly at startup.
package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/log"
)

const (
	// ServerName is the MCP server name the tools are published under.
	ServerName    = "telegram"
	ServerVersion = "1.0.0"

	defaultTimeout = 30 * time.Second
)

// MCPName is the name Claude uses for a tool served by this package.
func MCPName(tool string) string {
	return "mcp__" + ServerName + "__" + tool
}

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is what a tool returns to Claude.
type Result struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult returns a successful single-block result.
func TextResult(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult returns a failed single-block result.
func ErrorResult(text string) Result {
	return Result{Content: []Content{{Type: "text", Text: text}}, IsError: true}
}

// Text joins the text blocks of r.
func (r Result) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Schema is the JSON schema of a tool's input.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one input field.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Items       *Property `json:"items,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Minimum     *int      `json:"minimum,omitempty"`
	Maximum     *int      `json:"maximum,omitempty"`
}

// Handler runs a tool with decoded JSON arguments.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Tool is a registered tool definition.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`

	handler Handler
}

// Registry maps tool names to safe-wrapped handlers.
type Registry struct {
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns an empty registry whose handlers time out after
// timeout.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Registry{timeout: timeout, logger: log.OrNop(logger), tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(name, description string, schema Schema, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("tools: name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tools: %q already registered", name)
	}
	r.tools[name] = Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		handler:     SafeHandler(h, r.timeout, r.logger.With(zap.String("tool", name))),
	}
	r.order = append(r.order, name)
	r.logger.Info("registered tool", zap.String("name", name))
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Definitions returns every tool in registration order.
func (r *Registry) Definitions() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name])
	}
	return defs
}

// Execute runs the named tool. It never returns an error; failures are
// reported as error results.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult("Unknown tool: " + name)
	}
	res, _ := t.handler(ctx, args)
	return res
}

// SafeHandler bounds h by timeout and turns errors and panics into error
// results.
func SafeHandler(h Handler, timeout time.Duration, logger *zap.Logger) Handler {
	logger = log.OrNop(logger)
	return func(ctx context.Context, args map[string]any) (Result, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type outcome struct {
			res Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			defer func() {
				if p := recover(); p != nil {
					done <- outcome{err: &panicError{value: p}}
				}
			}()
			res, err := h(ctx, args)
			done <- outcome{res: res, err: err}
		}()

		select {
		case out := <-done:
			if out.err != nil {
				kind := errorKind(out.err)
				logger.Error("tool execution failed", zap.Error(out.err), zap.String("error_type", kind))
				return ErrorResult(fmt.Sprintf("Tool error (%s): %v", kind, out.err)), nil
			}
			return out.res, nil
		case <-ctx.Done():
			logger.Error("tool execution timed out", zap.Duration("timeout", timeout))
			return ErrorResult(fmt.Sprintf("Tool execution timed out after %ds", int(timeout.Seconds()))), nil
		}
	}
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprint(e.value) }

func errorKind(err error) string {
	if _, ok := err.(*panicError); ok {
		return "panic"
	}
	name := strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
