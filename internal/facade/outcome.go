package facade

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/berth-dev/claudegram/internal/config"
)

// Error type tags carried on a Response.
const (
	ErrorTypeCommand        = "command_error"
	ErrorTypeSession        = "session_error"
	ErrorTypeToolValidation = "tool_validation_failed"
	ErrorTypeCancelled      = "cancelled"
)

// CriticalTools abort the query as soon as one of them is blocked.
var CriticalTools = []string{"Task", "Read", "Write", "Edit"}

// OutcomeKind says whether a primary attempt may be retried on the
// fallback path.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome is the result of one execution attempt.
type Outcome struct {
	Kind     OutcomeKind
	Response *Response
	Err      error
}

// Ok wraps a finished response, which may itself carry IsError.
func Ok(r *Response) Outcome { return Outcome{Kind: OutcomeOK, Response: r} }

// Retryable wraps a transport or process failure.
func Retryable(err error) Outcome { return Outcome{Kind: OutcomeRetryable, Err: err} }

// Fatal wraps a failure the fallback path cannot fix.
func Fatal(err error) Outcome { return Outcome{Kind: OutcomeFatal, Err: err} }

// BackendError is a terminal error event reported by a backend stream.
type BackendError struct {
	Type    string
	Message string
}

func (e *BackendError) Error() string { return e.Message }

// retryableErrors are the backend error types that justify a fallback.
var retryableErrors = []string{
	"cli_not_found", "process_error", "decode_error", "backend_error", "unexpected",
}

func isRetryable(errorType string) bool {
	return slices.Contains(retryableErrors, errorType)
}

// ToolValidationError reports that Claude tried to use a critical tool it is
// not allowed to use.
type ToolValidationError struct {
	Blocked []string
	Allowed []string
	Message string
}

func (e *ToolValidationError) Error() string { return e.Message }

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = "`" + s + "`"
	}
	return strings.Join(quoted, ", ")
}

// ToolErrorMessage is the user-facing text for blocked critical tools.
func ToolErrorMessage(blocked, allowed []string, adminInstructions string) string {
	allowedList := "None"
	if len(allowed) > 0 {
		allowedList = quoteList(allowed)
	}
	return strings.Join([]string{
		"🚫 **Tool Access Blocked**",
		"",
		"Claude tried to use tools that are not currently allowed:",
		quoteList(blocked),
		"",
		"**Why this happened:**",
		"• Claude needs these tools to complete your request",
		"• These tools are not in the allowed tools list",
		"• This is a security feature to control what Claude can do",
		"",
		"**What you can do:**",
		"• Contact the administrator to request access to these tools",
		"• Try rephrasing your request to use different approaches",
		"• Use simpler requests that don't require these tools",
		"",
		"**Currently allowed tools:**",
		allowedList,
		"",
		adminInstructions,
	}, "\n")
}

// BlockedToolsMessage is the text of a finished response that hit
// non-critical blocked tools.
func BlockedToolsMessage(blocked, allowed []string) string {
	return "🚫 **Tool Access Blocked**\n\n" +
		"Claude tried to use tools not allowed:\n" +
		quoteList(blocked) + "\n\n" +
		"**What you can do:**\n" +
		"• Contact the administrator to request access to these tools\n" +
		"• Try rephrasing your request to use different approaches\n" +
		"• Check what tools are currently available with `/status`\n\n" +
		"**Currently allowed tools:**\n" +
		quoteList(allowed)
}

// ValidationFailedMessage is used when calls failed for reasons other than
// the allow-list.
func ValidationFailedMessage(errs []string) string {
	return "🚫 **Tool Validation Failed**\n\n" +
		"Tools failed security validation. Try different approach.\n\n" +
		"Details: " + strings.Join(errs, "; ")
}

// AdminInstructions tells an operator how to allow the blocked tools. envDir
// is where the bot looks for its .env file.
func AdminInstructions(blocked []string, envDir string) string {
	if len(blocked) == 0 {
		return ""
	}
	merged := config.MergeTools(config.DefaultTools, blocked)
	envLine := fmt.Sprintf("CLAUDE_ALLOWED_TOOLS=%q", strings.Join(merged, ","))

	var b strings.Builder
	b.WriteString("**For Administrators:**\n\n")
	if _, err := os.Stat(filepath.Join(envDir, ".env")); err == nil {
		b.WriteString("To enable these tools, add them to your `.env` file:\n")
	} else {
		b.WriteString("To enable these tools:\n")
		b.WriteString("1. Create a `.env` file in your project root\n")
		b.WriteString("2. Add the following line:\n")
	}
	b.WriteString("```\n" + envLine + "\n```\n\n")

	snippet, err := yaml.Marshal(map[string]any{
		"claude": map[string]any{"allowed_tools": merged},
	})
	if err == nil {
		b.WriteString("Or set `claude.allowed_tools` in `.claudegram/config.yaml`:\n")
		b.WriteString("```yaml\n" + string(snippet) + "```")
	}
	return b.String()
}
