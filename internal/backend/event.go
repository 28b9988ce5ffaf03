package backend

// EventType tags an Event.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventComplete   EventType = "complete"
	EventCancelled  EventType = "cancelled"
)

// Error type tags carried by error events.
const (
	ErrorTypeTimeout     = "timeout"
	ErrorTypeToolTimeout = "tool_timeout"
	ErrorTypeCLINotFound = "cli_not_found"
	ErrorTypeProcess     = "process_error"
	ErrorTypeDecode      = "decode_error"
	ErrorTypeBackend     = "backend_error"
	ErrorTypeCancelled   = "cancelled"
	ErrorTypeUnexpected  = "unexpected"
)

// Event is the uniform shape streamed to callers.
type Event struct {
	Type      EventType      `json:"type"`
	Content   string         `json:"content,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Cost      float64        `json:"cost,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	NumTurns  int            `json:"num_turns,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// Terminal reports whether no further events follow e in its stream.
// Tool timeouts are the only non-terminal errors.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventComplete, EventCancelled:
		return true
	case EventError:
		return e.ErrorType != ErrorTypeToolTimeout
	}
	return false
}

// FromMessage converts a backend message into an Event.
func FromMessage(m Message) Event {
	switch m := m.(type) {
	case TextMessage:
		return Event{Type: EventText, Content: m.Text}
	case ToolUseMessage:
		return Event{Type: EventToolUse, ToolName: m.Name, ToolInput: m.Input, ToolUseID: m.ID}
	case ToolResultMessage:
		return Event{Type: EventToolResult, Content: m.Content, ToolUseID: m.ToolUseID, IsError: m.IsError}
	case CompleteMessage:
		return Event{
			Type:      EventComplete,
			Content:   m.Result,
			Cost:      m.Cost,
			SessionID: m.SessionID,
			NumTurns:  m.NumTurns,
			IsError:   m.IsError,
		}
	case ErrorMessage:
		return Event{Type: EventError, Content: m.Text, ErrorType: ErrorTypeBackend}
	}
	return Event{Type: EventError, ErrorType: ErrorTypeUnexpected, Content: "unknown backend message"}
}

// ErrorEvent converts err into a terminal error event.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Content: FormatError(err), ErrorType: ErrorType(err)}
}
