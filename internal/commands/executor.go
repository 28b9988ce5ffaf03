package commands

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/log"
)

// ErrBusy is returned when a user already has an expansion in flight.
var ErrBusy = errors.New("command already in progress")

// BusyMessage is the chat reply for ErrBusy.
const BusyMessage = "A command is already in progress. Please wait for it to complete."

// commandPattern requires a separator in the name so single-word bot
// commands such as /help never match.
var commandPattern = regexp.MustCompile(`^/([a-zA-Z0-9]+[.\-_][a-zA-Z0-9.\-_]+)\s*(.*)?$`)

// Parsed is a recognized slash-command invocation.
type Parsed struct {
	Name string
	Args string
}

// Result is the outcome of Process.
type Result struct {
	IsCommand bool
	Name      string
	Args      string
	Prompt    string // expanded template, set on success
	Err       error
	Message   string // user-facing text when Err is set
}

// Executor detects slash commands in user text and expands them, allowing
// one expansion per user at a time.
type Executor struct {
	store  *Store
	logger *zap.Logger

	mu   sync.Mutex
	busy map[int64]bool
}

// NewExecutor creates an Executor over store.
func NewExecutor(store *Store, logger *zap.Logger) *Executor {
	return &Executor{
		store:  store,
		logger: log.OrNop(logger),
		busy:   make(map[int64]bool),
	}
}

// IsCommand reports whether text is a slash-command invocation.
func IsCommand(text string) bool {
	return commandPattern.MatchString(strings.TrimSpace(text))
}

// Parse extracts the command name and argument text.
func Parse(text string) (Parsed, bool) {
	m := commandPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Parsed{}, false
	}
	return Parsed{Name: m[1], Args: strings.TrimSpace(m[2])}, true
}

// IsCommand reports whether text is a slash-command invocation.
func (e *Executor) IsCommand(text string) bool {
	return IsCommand(text)
}

// Process expands text if it is a slash command. The user's busy flag is
// cleared on every return path, including a recovered panic.
func (e *Executor) Process(text string, userID int64) (res Result) {
	parsed, ok := Parse(text)
	if !ok {
		return Result{IsCommand: false}
	}
	res = Result{IsCommand: true, Name: parsed.Name, Args: parsed.Args}

	if !e.acquire(userID) {
		e.logger.Warn("command rejected, user busy", zap.Int64("user_id", userID), zap.String("command", parsed.Name))
		res.Err = ErrBusy
		res.Message = BusyMessage
		return res
	}
	defer e.MarkComplete(userID)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("command expansion panicked", zap.String("command", parsed.Name), zap.Any("panic", r))
			res.Prompt = ""
			res.Err = fmt.Errorf("%v", r)
			res.Message = fmt.Sprintf("Failed to process command: %v", r)
		}
	}()

	prompt, err := e.store.Expand(parsed.Name, parsed.Args)
	if err != nil {
		res.Err = err
		var unknown *UnknownCommandError
		if errors.As(err, &unknown) {
			res.Message = FormatUnknown(unknown)
		} else {
			res.Message = fmt.Sprintf("Failed to process command: %v", err)
		}
		return res
	}

	e.logger.Info("expanded command",
		zap.Int64("user_id", userID),
		zap.String("command", parsed.Name),
		zap.Int("args_len", len(parsed.Args)),
	)
	res.Prompt = prompt
	return res
}

func (e *Executor) acquire(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[userID] {
		return false
	}
	e.busy[userID] = true
	return true
}

// MarkComplete clears the user's busy flag.
func (e *Executor) MarkComplete(userID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.busy, userID)
}

// IsUserProcessing reports whether userID has an expansion in flight.
func (e *Executor) IsUserProcessing(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy[userID]
}

// ListCommands returns the sorted command names.
func (e *Executor) ListCommands() []string {
	return e.store.List()
}

// HasCommand reports whether name has a template.
func (e *Executor) HasCommand(name string) bool {
	return e.store.Has(name)
}

// Reload re-discovers templates and returns how many were found.
func (e *Executor) Reload() int {
	e.store.Reload()
	return len(e.store.List())
}

// FormatUnknown renders the chat reply for an unknown command.
func FormatUnknown(err *UnknownCommandError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Unknown command: `/%s`\n\n", err.Command)
	b.WriteString("**Available commands:**\n")
	if len(err.Available) == 0 {
		b.WriteString("  (no commands discovered)\n")
	}
	for _, name := range err.Available {
		fmt.Fprintf(&b, "  • `/%s`\n", name)
	}
	fmt.Fprintf(&b, "\nCommands are loaded from `%s/*.md`", DefaultDir)
	return b.String()
}
