// Package toolbridge connects Claude subprocesses back to the running bot.
// A loopback HTTP server executes custom tools and PreToolUse hooks; the
// bridge and hook commands are the thin stdio clients Claude spawns.
package toolbridge

import (
	"github.com/berth-dev/claudegram/internal/security"
	"github.com/berth-dev/claudegram/internal/tools"
)

// ToolCallRequest asks the server to run one registered tool for a user.
type ToolCallRequest struct {
	UserID    int64          `json:"user_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResponse is the tool result in MCP shape.
type ToolCallResponse = tools.Result

// HookRequest is the hook payload Claude writes to the hook command's stdin,
// plus the user the command was configured for.
type HookRequest struct {
	SessionID     string         `json:"session_id,omitempty"`
	HookEventName string         `json:"hook_event_name,omitempty"`
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input"`
	ToolUseID     string         `json:"tool_use_id,omitempty"`
	Cwd           string         `json:"cwd,omitempty"`
	UserID        int64          `json:"user_id,omitempty"`
}

func (r HookRequest) input() security.HookInput {
	return security.HookInput{
		ToolName:  r.ToolName,
		ToolInput: r.ToolInput,
		ToolUseID: r.ToolUseID,
		SessionID: r.SessionID,
		UserID:    r.UserID,
	}
}

// HookResponse is the server's verdict for a hook request.
type HookResponse = security.HookResult

// HookOutput is what the hook command prints for Claude.
type HookOutput struct {
	HookSpecificOutput *HookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

// HookSpecificOutput carries a PreToolUse permission decision.
type HookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// newHookOutput converts a gate verdict. Allow prints an empty object.
// Confirmation cannot be answered interactively inside a headless run, so
// ask is reported as deny; the bot asks the user out of band and replays
// the command once approved.
func newHookOutput(res security.HookResult) HookOutput {
	if res.Allowed() {
		return HookOutput{}
	}
	return HookOutput{HookSpecificOutput: &HookSpecificOutput{
		HookEventName:            "PreToolUse",
		PermissionDecision:       string(security.DecisionDeny),
		PermissionDecisionReason: res.Reason,
	}}
}
