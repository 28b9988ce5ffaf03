// Package backend drives Claude and turns what it streams into a uniform
// sequence of events.
package backend

// Message is one decoded backend message. The set of implementations is
// closed: TextMessage, ToolUseMessage, ToolResultMessage, CompleteMessage
// and ErrorMessage.
type Message interface {
	isMessage()
}

// TextMessage is assistant prose.
type TextMessage struct {
	Text string
}

// ToolUseMessage is a tool invocation Claude is about to run.
type ToolUseMessage struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultMessage is the output of a finished tool invocation.
type ToolResultMessage struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// CompleteMessage ends a turn.
type CompleteMessage struct {
	SessionID  string
	Result     string
	Cost       float64
	NumTurns   int
	DurationMS int64
	IsError    bool
	Subtype    string
}

// ErrorMessage is an error reported in-band by the backend.
type ErrorMessage struct {
	Kind string
	Text string
}

func (TextMessage) isMessage()       {}
func (ToolUseMessage) isMessage()    {}
func (ToolResultMessage) isMessage() {}
func (CompleteMessage) isMessage()   {}
func (ErrorMessage) isMessage()      {}
