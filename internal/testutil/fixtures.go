// Package testutil provides test helper utilities for claudegram tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TempProject creates a temporary directory with the given files and returns its path.
// Files is a map of relative path -> content. Directories are created as needed.
// The directory is automatically cleaned up when the test finishes.
func TempProject(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	for relPath, content := range files {
		absPath := filepath.Join(dir, relPath)
		if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
			t.Fatalf("creating directory for %s: %v", relPath, err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0644); err != nil {
			t.Fatalf("writing %s: %v", relPath, err)
		}
	}

	return dir
}

// CommandsProject returns a project with two slash command templates and
// one file that is not a template.
func CommandsProject() map[string]string {
	return map[string]string{
		".claude/commands/speckit.specify.md": "Write a spec for: $ARGUMENTS\nRepeat: $ARGUMENTS",
		".claude/commands/ralph-loop.md":      "Loop on $ARGUMENTS",
		".claude/commands/notes.txt":          "ignored",
		"README.md":                           "# demo\n",
	}
}

// BotConfig returns a .claudegram/config.yaml body for the given token and users,
// storing sessions in sqlite.
func BotConfig(token string, users ...int64) string {
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = fmt.Sprint(u)
	}
	return fmt.Sprintf(`telegram:
  token: %q
  allowed_users: [%s]
storage:
  driver: sqlite
`, token, strings.Join(ids, ", "))
}

// WithConfig adds a config file built by BotConfig to files.
func WithConfig(files map[string]string, token string, users ...int64) map[string]string {
	out := make(map[string]string, len(files)+1)
	for k, v := range files {
		out[k] = v
	}
	out[".claudegram/config.yaml"] = BotConfig(token, users...)
	return out
}
