// Package prompts embeds the prompt text claudegram sends to Claude.
package prompts

import _ "embed"

// SystemPrompt is appended to Claude's system prompt for chat sessions.
//
//go:embed telegram/system.md
var SystemPrompt string
