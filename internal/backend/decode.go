package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// streamLine is one line of claude --output-format stream-json.
type streamLine struct {
	Type         string         `json:"type"`
	Subtype      string         `json:"subtype,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Message      *streamMessage `json:"message,omitempty"`
	Result       string         `json:"result,omitempty"`
	IsError      bool           `json:"is_error,omitempty"`
	NumTurns     int            `json:"num_turns,omitempty"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
	TotalCostUSD *float64       `json:"total_cost_usd,omitempty"`
	CostUSD      *float64       `json:"cost_usd,omitempty"`
	Error        string         `json:"error,omitempty"`
}

type streamMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// DecodeLine parses one stream-json line into zero or more messages.
// Lines of unknown type and system lines decode to nothing.
func DecodeLine(line []byte) ([]Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}

	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, &DecodeError{Line: string(line), Err: err}
	}

	switch sl.Type {
	case "assistant":
		if sl.Message == nil {
			return nil, nil
		}
		var msgs []Message
		for _, b := range sl.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					msgs = append(msgs, TextMessage{Text: b.Text})
				}
			case "tool_use":
				msgs = append(msgs, ToolUseMessage{ID: b.ID, Name: b.Name, Input: b.Input})
			}
		}
		return msgs, nil

	case "user":
		if sl.Message == nil {
			return nil, nil
		}
		var msgs []Message
		for _, b := range sl.Message.Content {
			if b.Type != "tool_result" {
				continue
			}
			text, err := toolResultText(b.Content)
			if err != nil {
				return nil, &DecodeError{Line: string(line), Err: err}
			}
			msgs = append(msgs, ToolResultMessage{ToolUseID: b.ToolUseID, Content: text, IsError: b.IsError})
		}
		return msgs, nil

	case "result":
		cost := 0.0
		switch {
		case sl.TotalCostUSD != nil:
			cost = *sl.TotalCostUSD
		case sl.CostUSD != nil:
			cost = *sl.CostUSD
		}
		return []Message{CompleteMessage{
			SessionID:  sl.SessionID,
			Result:     sl.Result,
			Cost:       cost,
			NumTurns:   sl.NumTurns,
			DurationMS: sl.DurationMS,
			IsError:    sl.IsError || strings.HasPrefix(sl.Subtype, "error"),
			Subtype:    sl.Subtype,
		}}, nil

	case "error":
		text := sl.Error
		if text == "" {
			text = sl.Result
		}
		return []Message{ErrorMessage{Kind: sl.Subtype, Text: text}}, nil
	}
	return nil, nil
}

// toolResultText flattens a tool_result content field, which is either a
// string or a list of text blocks.
func toolResultText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("tool result content: %w", err)
		}
		return s, nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("tool result content: %w", err)
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String(), nil
}

// userLine is a stream-json user message written to claude's stdin.
type userLine struct {
	Type    string        `json:"type"`
	Message userLineInner `json:"message"`
}

type userLineInner struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// EncodePrompt renders prompt as one stream-json input line, newline included.
func EncodePrompt(prompt string) ([]byte, error) {
	data, err := json.Marshal(userLine{
		Type: "user",
		Message: userLineInner{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: prompt}},
		},
	})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
