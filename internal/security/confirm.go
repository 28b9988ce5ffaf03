package security

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berth-dev/claudegram/internal/log"
)

// safePrefixes are read-only commands that never need confirmation.
var safePrefixes = []string{
	"cat ", "head ", "tail ", "less ", "more ", "grep ", "find ", "ls ", "pwd",
	"echo ", "which ", "type ", "file ", "wc ", "sort ", "uniq ", "diff ",
	"git status", "git log", "git diff", "git show", "git branch", "git remote",
	"python --version", "node --version", "npm --version",
}

// confirmSubstrings mark mutating operations.
var confirmSubstrings = []string{
	"rm ", "rmdir ", "mv ",
	"git push", "git rebase", "git merge", "git commit", "git stash drop",
	"git branch -d", "git branch -D",
	"pip uninstall", "npm uninstall", "poetry remove",
	"drop ", "truncate ", "delete from",
}

// RequiresConfirmation classifies a chat-level command. It is deliberately
// coarser than the shell rule list and is not used by the Gate.
func RequiresConfirmation(cmd string) bool {
	c := strings.ToLower(strings.TrimSpace(cmd))
	for _, p := range safePrefixes {
		if strings.HasPrefix(c, p) {
			return false
		}
	}
	for _, s := range confirmSubstrings {
		if strings.Contains(c, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// ConfirmationRequest is a confirmation shown to a user.
type ConfirmationRequest struct {
	ID        string
	UserID    int64
	Command   string
	Reason    string
	Preview   string
	CreatedAt time.Time
}

// NewConfirmationRequest builds a request with a fresh id.
func NewConfirmationRequest(userID int64, cmd, reason, preview string) ConfirmationRequest {
	return ConfirmationRequest{
		ID:        uuid.New().String(),
		UserID:    userID,
		Command:   cmd,
		Reason:    reason,
		Preview:   preview,
		CreatedAt: time.Now(),
	}
}

// Message renders the request for chat.
func (r ConfirmationRequest) Message() string {
	return FormatConfirmationMessage(r.Command, r.Reason, r.Preview)
}

// FormatConfirmationMessage renders a confirmation prompt.
func FormatConfirmationMessage(cmd, reason, preview string) string {
	var b strings.Builder
	b.WriteString("**Confirmation Required**\n\n")
	fmt.Fprintf(&b, "Command: `%s`\n", log.Truncate(cmd, 100))
	fmt.Fprintf(&b, "Reason: %s\n", reason)
	if preview != "" {
		fmt.Fprintf(&b, "\nPreview:\n```\n%s\n```\n", preview)
	}
	b.WriteString("\nReply with **yes** to proceed or **no** to cancel.")
	return b.String()
}

// Pending is an unresolved confirmation for one user.
type Pending struct {
	Command      string
	Reason       string
	CallbackData map[string]any
	CreatedAt    time.Time
}

// Tracker holds at most one pending confirmation per user.
type Tracker struct {
	mu      sync.Mutex
	pending map[int64]Pending
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[int64]Pending)}
}

// SetPending records a confirmation for userID, replacing any prior one.
func (t *Tracker) SetPending(userID int64, cmd, reason string, data map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[userID] = Pending{
		Command:      cmd,
		Reason:       reason,
		CallbackData: data,
		CreatedAt:    time.Now(),
	}
}

// GetPending returns the user's pending confirmation.
func (t *Tracker) GetPending(userID int64) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[userID]
	return p, ok
}

// ClearPending removes and returns the user's pending confirmation.
func (t *Tracker) ClearPending(userID int64) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[userID]
	delete(t.pending, userID)
	return p, ok
}

// HasPending reports whether userID has a pending confirmation.
func (t *Tracker) HasPending(userID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[userID]
	return ok
}
