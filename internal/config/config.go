// Package config handles reading and writing .claudegram/config.yaml and
// layering .env files and environment variables on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level structure for .claudegram/config.yaml.
type Config struct {
	Version           int            `yaml:"version"`
	ApprovedDirectory string         `yaml:"approved_directory"`
	Telegram          TelegramConfig `yaml:"telegram"`
	Claude            ClaudeConfig   `yaml:"claude"`
	Sessions          SessionConfig  `yaml:"sessions"`
	Security          SecurityConfig `yaml:"security"`
	Commands          CommandsConfig `yaml:"commands"`
	Storage           StorageConfig  `yaml:"storage"`
	Tools             ToolsConfig    `yaml:"tools"`
}

// TelegramConfig holds the bot credentials and access list.
type TelegramConfig struct {
	Token        string  `yaml:"token"`
	AllowedUsers []int64 `yaml:"allowed_users"`
	PollTimeout  int     `yaml:"poll_timeout"` // seconds
}

// ClaudeConfig controls how the claude CLI is driven.
type ClaudeConfig struct {
	Binary             string   `yaml:"binary"`
	Model              string   `yaml:"model"`
	TimeoutSeconds     int      `yaml:"timeout_seconds"`
	ToolTimeoutSeconds int      `yaml:"tool_timeout_seconds"`
	MaxTurns           int      `yaml:"max_turns"`
	AllowedTools       []string `yaml:"allowed_tools"`
	PermissionMode     string   `yaml:"permission_mode"`
	APIKey             string   `yaml:"-"`
}

// SessionConfig controls session expiry and capacity.
type SessionConfig struct {
	TimeoutHours           int `yaml:"timeout_hours"`
	MaxPerUser             int `yaml:"max_per_user"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

// SecurityConfig toggles the PreToolUse hook and the audit trail.
type SecurityConfig struct {
	EnableHooks bool `yaml:"enable_hooks"`
	AuditLog    bool `yaml:"audit_log"`
}

// CommandsConfig controls slash-command template discovery.
type CommandsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // relative to the approved directory
	Watch   bool   `yaml:"watch"`
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "memory" | "sqlite"
	Path   string `yaml:"path"`   // relative to the approved directory
}

// ToolsConfig controls the Telegram MCP tools exposed to Claude.
type ToolsConfig struct {
	EnableTelegram bool `yaml:"enable_telegram"`
	TimeoutSeconds int  `yaml:"timeout_seconds"`
}

const configDir = ".claudegram"
const configFile = "config.yaml"

// DataDir returns the directory holding config, audit log and session db.
func DataDir(dir string) string {
	return filepath.Join(dir, configDir)
}

// ReadConfig reads .claudegram/config.yaml from the given directory.
// Returns an error if the file is not found or YAML is malformed.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// WriteConfig writes cfg to .claudegram/config.yaml in the given directory.
// Creates the .claudegram/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// DefaultTools is the tool list Claude may use when nothing else is configured.
var DefaultTools = []string{
	"Read", "Write", "Edit", "Bash", "Glob", "Grep", "LS", "Task", "MultiEdit",
	"NotebookRead", "NotebookEdit", "WebFetch", "TodoRead", "TodoWrite", "WebSearch",
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Telegram: TelegramConfig{
			PollTimeout: 60,
		},
		Claude: ClaudeConfig{
			Binary:             "claude",
			Model:              "sonnet",
			TimeoutSeconds:     300,
			ToolTimeoutSeconds: 60,
			MaxTurns:           10,
			AllowedTools:       append([]string(nil), DefaultTools...),
			PermissionMode:     "acceptEdits",
		},
		Sessions: SessionConfig{
			TimeoutHours:           24,
			MaxPerUser:             5,
			CleanupIntervalMinutes: 60,
		},
		Security: SecurityConfig{
			EnableHooks: true,
			AuditLog:    true,
		},
		Commands: CommandsConfig{
			Enabled: true,
			Dir:     filepath.Join(".claude", "commands"),
			Watch:   false,
		},
		Storage: StorageConfig{
			Driver: "memory",
			Path:   filepath.Join(configDir, "sessions.db"),
		},
		Tools: ToolsConfig{
			EnableTelegram: true,
			TimeoutSeconds: 30,
		},
	}
}

// Load resolves the effective configuration for dir: the YAML file if
// present (defaults otherwise), then dir/.env, then process environment.
func Load(dir string) (*Config, error) {
	cfg, err := ReadConfig(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = DefaultConfig()
	}

	if err := LoadDotenv(dir); err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.ApprovedDirectory == "" {
		cfg.ApprovedDirectory = dir
	}
	abs, err := filepath.Abs(cfg.ApprovedDirectory)
	if err != nil {
		return nil, fmt.Errorf("resolving approved directory: %w", err)
	}
	cfg.ApprovedDirectory = abs

	return cfg, nil
}

// LoadDotenv loads dir/.env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotenv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides cfg fields from well-known environment variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ALLOWED_USERS"); v != "" {
		users, err := parseUserIDs(v)
		if err != nil {
			return fmt.Errorf("parsing ALLOWED_USERS: %w", err)
		}
		cfg.Telegram.AllowedUsers = users
	}
	if v := os.Getenv("APPROVED_DIRECTORY"); v != "" {
		cfg.ApprovedDirectory = v
	}
	if v := os.Getenv("CLAUDE_MODEL"); v != "" {
		cfg.Claude.Model = v
	}
	if v := os.Getenv("CLAUDE_ALLOWED_TOOLS"); v != "" {
		cfg.Claude.AllowedTools = MergeTools(cfg.Claude.AllowedTools, splitList(v))
	}
	if v := os.Getenv("CLAUDE_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing CLAUDE_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Claude.TimeoutSeconds = n
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Claude.APIKey = v
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	info, err := os.Stat(c.ApprovedDirectory)
	if err != nil {
		return fmt.Errorf("approved directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("approved directory %s is not a directory", c.ApprovedDirectory)
	}
	if c.Claude.TimeoutSeconds <= 0 {
		return fmt.Errorf("claude.timeout_seconds must be positive, got %d", c.Claude.TimeoutSeconds)
	}
	if c.Claude.ToolTimeoutSeconds <= 0 {
		return fmt.Errorf("claude.tool_timeout_seconds must be positive, got %d", c.Claude.ToolTimeoutSeconds)
	}
	if c.Sessions.MaxPerUser < 1 {
		return fmt.Errorf("sessions.max_per_user must be at least 1, got %d", c.Sessions.MaxPerUser)
	}
	if c.Sessions.TimeoutHours <= 0 {
		return fmt.Errorf("sessions.timeout_hours must be positive, got %d", c.Sessions.TimeoutHours)
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("storage.driver must be memory or sqlite, got %q", c.Storage.Driver)
	}
	return nil
}

// CommandsDir returns the absolute template directory.
func (c *Config) CommandsDir() string {
	if filepath.IsAbs(c.Commands.Dir) {
		return c.Commands.Dir
	}
	return filepath.Join(c.ApprovedDirectory, c.Commands.Dir)
}

// StoragePath returns the absolute session database path.
func (c *Config) StoragePath() string {
	if filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(c.ApprovedDirectory, c.Storage.Path)
}

// MergeTools appends extra to base, skipping duplicates and keeping order.
func MergeTools(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, list := range [][]string{base, extra} {
		for _, t := range list {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseUserIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(s) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
