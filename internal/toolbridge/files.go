package toolbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/berth-dev/claudegram/internal/backend"
	"github.com/berth-dev/claudegram/internal/security"
	"github.com/berth-dev/claudegram/internal/tools"
)

// Hidden subcommands Claude is configured to spawn.
const (
	BridgeCommand = "_tool-bridge"
	HookCommand   = "_pre-tool-hook"
)

type mcpConfig struct {
	MCPServers map[string]mcpServer `json:"mcpServers"`
}

type mcpServer struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type settingsFile struct {
	Hooks map[string][]hookMatcher `json:"hooks"`
}

type hookMatcher struct {
	Matcher string        `json:"matcher"`
	Hooks   []hookCommand `json:"hooks"`
}

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// Files writes the per-user MCP config and settings files Claude is started
// with. Tools enables the Telegram MCP server and Hooks the PreToolUse hook.
type Files struct {
	Dir   string
	Exe   string
	Addr  string
	Tools bool
	Hooks bool
}

// Write creates the enabled files for userID and returns their paths. A
// disabled file yields an empty path.
func (f Files) Write(userID int64) (mcpPath, settingsPath string, err error) {
	dir := filepath.Join(f.Dir, "claude", strconv.FormatInt(userID, 10))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("creating %s: %w", dir, err)
	}
	id := strconv.FormatInt(userID, 10)

	if f.Tools {
		mcp := mcpConfig{MCPServers: map[string]mcpServer{
			tools.ServerName: {
				Command: f.Exe,
				Args:    []string{BridgeCommand, "--addr", f.Addr, "--user-id", id},
			},
		}}
		mcpPath = filepath.Join(dir, "mcp-config.json")
		if err := writeJSONFile(mcpPath, mcp); err != nil {
			return "", "", err
		}
	}

	if f.Hooks {
		settings := settingsFile{Hooks: map[string][]hookMatcher{
			"PreToolUse": {{
				Matcher: security.ShellTool,
				Hooks: []hookCommand{{
					Type:    "command",
					Command: fmt.Sprintf("%s %s --addr %s --user-id %s", strconv.Quote(f.Exe), HookCommand, f.Addr, id),
					Timeout: int(hookTimeout.Seconds()) + 5,
				}},
			}},
		}}
		settingsPath = filepath.Join(dir, "settings.json")
		if err := writeJSONFile(settingsPath, settings); err != nil {
			return "", "", err
		}
	}
	return mcpPath, settingsPath, nil
}

// Prepare points a client's options at the user's files. It is meant for
// backend.AdapterOptions.Prepare.
func (f Files) Prepare(userID int64, opts *backend.Options) error {
	mcpPath, settingsPath, err := f.Write(userID)
	if err != nil {
		return err
	}
	opts.MCPConfigPath = mcpPath
	opts.SettingsPath = settingsPath
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
