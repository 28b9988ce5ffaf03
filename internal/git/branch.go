// Package git reads repository state of the approved directory for status
// reports. It never changes the repository.
package git

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

var (
	ErrGitNotFound = errors.New("git not found in PATH")
	ErrNotARepo    = errors.New("not a git repository")
)

// Status is a short summary of a working tree.
type Status struct {
	Branch  string
	Changed int // modified, added, deleted or untracked paths
}

// String renders the status as "main, 3 changed".
func (s Status) String() string {
	if s.Changed == 0 {
		return s.Branch + ", clean"
	}
	return fmt.Sprintf("%s, %d changed", s.Branch, s.Changed)
}

// ensureGit checks that git is available in PATH.
func ensureGit() error {
	_, err := exec.LookPath("git")
	if err != nil {
		return ErrGitNotFound
	}
	return nil
}

// run executes git in dir and returns trimmed stdout.
func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(string(exitErr.Stderr), "not a git repository") {
			return "", ErrNotARepo
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// CurrentBranch returns the name of the current git branch in dir.
// Shells out to: git rev-parse --abbrev-ref HEAD
func CurrentBranch(dir string) (string, error) {
	if err := ensureGit(); err != nil {
		return "", err
	}
	return run(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// Inspect returns the branch and number of changed paths in dir.
// Shells out to: git status --porcelain
func Inspect(dir string) (Status, error) {
	branch, err := CurrentBranch(dir)
	if err != nil {
		return Status{}, err
	}
	out, err := run(dir, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	st := Status{Branch: branch}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			st.Changed++
		}
	}
	return st, nil
}
