package backend

import (
	"context"
	"iter"
	"strconv"
	"strings"
)

// Options configures a backend client or one-shot run.
type Options struct {
	WorkDir         string
	Model           string
	MaxTurns        int
	AllowedTools    []string
	PermissionMode  string
	SystemPrompt    string
	MCPConfigPath   string
	SettingsPath    string
	ResumeSessionID string
	Env             []string
}

// Client is a live conversation with the backend. Receive yields the
// messages of one turn and stops after its CompleteMessage.
type Client interface {
	Send(ctx context.Context, prompt string) error
	Receive(ctx context.Context) iter.Seq2[Message, error]
	Close() error
}

// Backend opens clients and runs one-shot queries.
type Backend interface {
	Open(ctx context.Context, opts Options) (Client, error)
	RunOnce(ctx context.Context, prompt string, opts Options) iter.Seq2[Message, error]
	Available() bool
}

// buildArgs constructs the claude CLI argument slice. A non-empty prompt
// produces a one-shot invocation; otherwise the process reads stream-json
// user messages from stdin.
func buildArgs(opts Options, prompt string) []string {
	args := []string{"-p"}
	if prompt != "" {
		args = append(args, prompt)
	} else {
		args = append(args, "--input-format", "stream-json")
	}
	args = append(args, "--output-format", "stream-json", "--verbose")

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
	}
	if opts.SettingsPath != "" {
		args = append(args, "--settings", opts.SettingsPath)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}
