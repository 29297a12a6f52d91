// Package testutil provides testing utilities for continuum tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/continuum/internal/workflowdef"
)

// Epoch is the default start time of test clocks.
var Epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// Clock is a manually advanced clock. The zero value starts at Epoch.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock pinned at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the pinned time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now.IsZero() {
		c.now = Epoch
	}
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now.IsZero() {
		c.now = Epoch
	}
	c.now = c.now.Add(d)
	return c.now
}

// Set pins the clock at t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Sequence returns an id generator yielding prefix-1, prefix-2, ...
func Sequence(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}

// Definition builds a minimal workflow definition with the given phases and
// no critical artifacts.
func Definition(t *testing.T, id string, phases ...string) *workflowdef.Definition {
	t.Helper()

	def := &workflowdef.Definition{ID: id, Version: workflowdef.SchemaVersion}
	for _, p := range phases {
		def.Phases = append(def.Phases, workflowdef.PhaseTemplate{Name: p})
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("invalid test definition: %v", err)
	}
	return def
}

// PrimingDefinition is a frame/build workflow with two unconditional
// artifacts reloaded on session start and manual prime, and one conditional
// artifact that only applies once build has started.
const PrimingDefinition = `
id: priming
version: "1"
phases:
  - name: frame
  - name: build
critical_artifacts:
  always_load:
    - id: state
      type: state
      path: "{{.state_dir}}/runs/{{.run_id}}.json"
      required: true
      reload_triggers: [session_start, manual]
    - id: plan
      type: document
      path: "plans/{{.work_ref}}.md"
      reload_triggers: [session_start, manual]
  conditional_load:
    - id: build_notes
      type: document
      path: "notes/build.md"
      condition: "phases.build.status == 'in_progress'"
      reload_triggers: ["session_start", "manual", "phase_transition:*->build"]
`

// MustParse parses a YAML definition or fails the test.
func MustParse(t *testing.T, yamlText string) *workflowdef.Definition {
	t.Helper()

	def, err := workflowdef.Parse([]byte(yamlText))
	if err != nil {
		t.Fatalf("failed to parse definition: %v", err)
	}
	return def
}

// SetupTestRepo creates a temporary git repository with one commit.
// Returns the path to the repository. The repository is automatically
// cleaned up when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	if err := runGit(dir, "init"); err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}
	if err := runGit(dir, "config", "user.email", "test@continuum.dev"); err != nil {
		t.Fatalf("failed to configure git email: %v", err)
	}
	if err := runGit(dir, "config", "user.name", "Continuum Test"); err != nil {
		t.Fatalf("failed to configure git name: %v", err)
	}

	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# Test Repository\n"), 0644); err != nil {
		t.Fatalf("failed to create README: %v", err)
	}
	if err := runGit(dir, "add", "."); err != nil {
		t.Fatalf("failed to stage files: %v", err)
	}
	if err := runGit(dir, "commit", "-m", "Initial commit"); err != nil {
		t.Fatalf("failed to create initial commit: %v", err)
	}

	return dir
}

// HeadRevision returns the full commit hash of HEAD.
func HeadRevision(t *testing.T, repoDir string) string {
	t.Helper()

	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = repoDir
	output, err := cmd.Output()
	if err != nil {
		t.Fatalf("failed to resolve HEAD: %v", err)
	}
	return strings.TrimSpace(string(output))
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// runGit runs a git command in the specified directory.
func runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Continuum Test",
		"GIT_AUTHOR_EMAIL=test@continuum.dev",
		"GIT_COMMITTER_NAME=Continuum Test",
		"GIT_COMMITTER_EMAIL=test@continuum.dev",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &gitError{args: args, output: output, err: err}
	}
	return nil
}

type gitError struct {
	args   []string
	output []byte
	err    error
}

func (e *gitError) Error() string {
	return "git " + strings.Join(e.args, " ") + ": " + e.err.Error() + "\n" + string(e.output)
}

func (e *gitError) Unwrap() error {
	return e.err
}
