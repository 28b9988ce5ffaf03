// Package commands discovers slash-command templates and expands them into
// prompts.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/berth-dev/claudegram/internal/log"
)

// Placeholder is replaced verbatim with the caller's argument text.
const Placeholder = "$ARGUMENTS"

// DefaultDir is where templates are loaded from, relative to the project.
const DefaultDir = ".claude/commands"

// UnknownCommandError is returned by Expand for a name with no template.
type UnknownCommandError struct {
	Command   string
	Available []string
}

func (e *UnknownCommandError) Error() string {
	avail := "none"
	if len(e.Available) > 0 {
		avail = strings.Join(e.Available, ", ")
	}
	return fmt.Sprintf("Unknown command: %s. Available commands: %s", e.Command, avail)
}

// Store holds command templates keyed by name. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	dir       string
	templates map[string]string
	logger    *zap.Logger
}

// NewStore creates a Store for dir and runs an initial discovery.
func NewStore(dir string, logger *zap.Logger) *Store {
	s := &Store{
		dir:       dir,
		templates: make(map[string]string),
		logger:    log.OrNop(logger),
	}
	s.Discover(dir)
	return s
}

// Dir returns the directory templates are discovered from.
func (s *Store) Dir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir
}

// Discover scans dir for *.md files and adds each as a template named after
// the file stem. Files are visited in sorted order so a later duplicate wins
// deterministically. A missing directory yields no templates.
func (s *Store) Discover(dir string) map[string]string {
	found := s.scan(dir)

	s.mu.Lock()
	s.dir = dir
	for name, body := range found {
		s.templates[name] = body
	}
	s.mu.Unlock()

	return found
}

func (s *Store) scan(dir string) map[string]string {
	found := make(map[string]string)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		s.logger.Warn("commands directory not available", zap.String("dir", dir), zap.Error(err))
		return found
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		s.logger.Error("scanning commands directory", zap.String("dir", dir), zap.Error(err))
		return found
	}
	sort.Strings(paths)

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Error("reading command template", zap.String("path", path), zap.Error(err))
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), ".md")
		found[name] = string(data)
	}

	s.logger.Info("discovered commands", zap.String("dir", dir), zap.Int("count", len(found)))
	return found
}

// Expand substitutes every Placeholder in the named template with args.
func (s *Store) Expand(name, args string) (string, error) {
	s.mu.RLock()
	body, ok := s.templates[name]
	s.mu.RUnlock()

	if !ok {
		return "", &UnknownCommandError{Command: name, Available: s.List()}
	}
	return strings.ReplaceAll(body, Placeholder, args), nil
}

// List returns the sorted command names.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name has a template.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.templates[name]
	return ok
}

// Template returns the raw template text for name.
func (s *Store) Template(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.templates[name]
	return body, ok
}

// Reload clears all templates and re-discovers the directory. Readers see
// either the old set or the new one, never an empty map in between.
func (s *Store) Reload() {
	found := s.scan(s.Dir())

	s.mu.Lock()
	s.templates = found
	s.mu.Unlock()
}
