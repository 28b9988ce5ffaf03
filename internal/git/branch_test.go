package git

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func newRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitCmd(t, dir, "init")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, dir, "add", "README.md")
	gitCmd(t, dir, "commit", "-m", "initial")
	gitCmd(t, dir, "checkout", "-b", "feature")
	return dir
}

func TestInspectCleanRepo(t *testing.T) {
	dir := newRepo(t)

	st, err := Inspect(dir)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if st.Branch != "feature" || st.Changed != 0 {
		t.Errorf("got %+v, want branch feature with no changes", st)
	}
	if st.String() != "feature, clean" {
		t.Errorf("String: got %q", st.String())
	}
}

func TestInspectCountsChanges(t *testing.T) {
	dir := newRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "new.go"), []byte("package x\n"), 0644); err != nil {
		t.Fatal(err)
	}

	st, err := Inspect(dir)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if st.Changed != 2 {
		t.Errorf("Changed: got %d, want 2", st.Changed)
	}
	if st.String() != "feature, 2 changed" {
		t.Errorf("String: got %q", st.String())
	}
}

func TestInspectNotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	t.Setenv("GIT_CEILING_DIRECTORIES", os.TempDir())
	_, err := Inspect(t.TempDir())
	if !errors.Is(err, ErrNotARepo) {
		t.Errorf("expected ErrNotARepo, got %v", err)
	}
}
