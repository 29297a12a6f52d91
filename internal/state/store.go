// Package state is the engine's only filesystem touchpoint. It persists one
// JSON document per workflow run and the single-line active-run pointer of a
// workspace, all under <workspace>/.continuum.
//
// Every write is a whole-document replace performed through a temp file in
// the same directory followed by fsync and rename, so an interrupted write
// leaves the previously durable document intact. The pointer is deliberately
// not locked: the last writer wins and conflicts are surfaced by callers.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/run"
)

const (
	// DefaultDirName is the workspace-local state directory.
	DefaultDirName = ".continuum"
	// RunsDir holds live run documents.
	RunsDir = "runs"
	// ArchiveDir holds archived run documents.
	ArchiveDir = "archive"
	// PointerFileName is the active-run pointer file.
	PointerFileName = "active_run"
)

// Dir returns the state directory for a workspace.
func Dir(workspace, dirName string) string {
	if dirName == "" {
		dirName = DefaultDirName
	}
	if filepath.IsAbs(dirName) {
		return dirName
	}
	return filepath.Join(workspace, dirName)
}

// Summary is the listing view of a run document.
type Summary struct {
	RunID        string     `json:"run_id"`
	WorkflowID   string     `json:"workflow_id"`
	WorkRef      string     `json:"work_ref"`
	Status       run.Status `json:"status"`
	CurrentPhase string     `json:"current_phase"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Active       bool       `json:"active"`
	Archived     bool       `json:"archived"`
}

// Store persists run documents and the active-run pointer for one workspace.
type Store struct {
	workspace string
	root      string
	mu        sync.RWMutex
}

// Open returns a store for the workspace. Nothing is created on disk until
// the first write, so opening a store in a workspace with no workflow is free.
func Open(workspace, dirName string) *Store {
	return &Store{
		workspace: workspace,
		root:      Dir(workspace, dirName),
	}
}

// Workspace returns the workspace this store is scoped to.
func (s *Store) Workspace() string { return s.workspace }

// Root returns the state directory.
func (s *Store) Root() string { return s.root }

// RunPath returns the document path for a live run.
func (s *Store) RunPath(runID string) string {
	return filepath.Join(s.root, RunsDir, runID+".json")
}

// ArchivePath returns the document path for an archived run.
func (s *Store) ArchivePath(runID string) string {
	return filepath.Join(s.root, ArchiveDir, runID+".json")
}

// PointerPath returns the active-run pointer path.
func (s *Store) PointerPath() string {
	return filepath.Join(s.root, PointerFileName)
}

// Load reads a live run document.
func (s *Store) Load(ctx context.Context, runID string) (*run.Run, error) {
	if !run.ValidID(runID) {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "run id %q", runID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readRun(s.RunPath(runID), runID)
}

// LoadArchived reads an archived run document.
func (s *Store) LoadArchived(ctx context.Context, runID string) (*run.Run, error) {
	if !run.ValidID(runID) {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "run id %q", runID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readRun(s.ArchivePath(runID), runID)
}

func (s *Store) readRun(path, runID string) (*run.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("run", runID)
		}
		return nil, errors.NewIOError("read run", path, err)
	}

	var r run.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.NewIOError("parse run", path, fmt.Errorf("%w: %v", errors.ErrInvalidInput, err))
	}
	if r.RunID != runID {
		return nil, errors.NewIOError("parse run", path,
			fmt.Errorf("%w: run id mismatch (file: %s, expected: %s)", errors.ErrInvalidInput, r.RunID, runID))
	}
	if err := r.ValidateEnums(); err != nil {
		return nil, errors.NewIOError("parse run", path, fmt.Errorf("%w: %v", errors.ErrInvalidInput, err))
	}
	return &r, nil
}

// Exists reports whether a live document exists for the run.
func (s *Store) Exists(runID string) bool {
	if !run.ValidID(runID) {
		return false
	}
	_, err := os.Stat(s.RunPath(runID))
	return err == nil
}

// Save replaces the run's document atomically. Metadata values are
// normalized to their JSON form first.
func (s *Store) Save(ctx context.Context, r *run.Run) error {
	if r == nil || !run.ValidID(r.RunID) {
		return errors.Wrap(errors.ErrInvalidInput, "save run: missing or invalid run id")
	}
	if err := r.NormalizeValues(); err != nil {
		return errors.NewIOError("encode run", s.RunPath(r.RunID), err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.NewIOError("encode run", s.RunPath(r.RunID), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.RunPath(r.RunID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewIOError("create runs directory", filepath.Dir(path), err)
	}
	if err := atomicWriteFile(path, append(data, '\n'), 0644); err != nil {
		return errors.NewIOError("write run", path, err)
	}
	return nil
}

// ReadActivePointer returns the workspace's active run id.
func (s *Store) ReadActivePointer(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.PointerPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("active run pointer", "")
		}
		return "", errors.NewIOError("read pointer", path, err)
	}

	runID := strings.TrimSpace(string(data))
	if runID == "" {
		return "", errors.NewNotFoundError("active run pointer", "")
	}
	if !run.ValidID(runID) {
		return "", errors.NewIOError("read pointer", path, fmt.Errorf("%w: malformed run id %q", errors.ErrInvalidInput, runID))
	}
	return runID, nil
}

// WriteActivePointer overwrites the pointer with runID.
func (s *Store) WriteActivePointer(ctx context.Context, runID string) error {
	if !run.ValidID(runID) {
		return errors.Wrapf(errors.ErrInvalidInput, "write pointer: run id %q", runID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return errors.NewIOError("create state directory", s.root, err)
	}
	if err := atomicWriteFile(s.PointerPath(), []byte(runID+"\n"), 0644); err != nil {
		return errors.NewIOError("write pointer", s.PointerPath(), err)
	}
	return nil
}

// ClearActivePointer removes the pointer. Clearing an absent pointer is not
// an error.
func (s *Store) ClearActivePointer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.PointerPath()); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("clear pointer", s.PointerPath(), err)
	}
	return nil
}

// Archive moves a run document from runs/ to archive/, stamping archived_at.
// A run referenced by the active pointer is never archived.
func (s *Store) Archive(ctx context.Context, runID string, now time.Time) (*run.Run, error) {
	if active, err := s.ReadActivePointer(ctx); err == nil && active == runID {
		return nil, errors.NewTransitionError("run", runID, "active", "archived").
			WithDetail("run is referenced by the active pointer; clear the pointer before archiving")
	}

	r, err := s.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	archivedAt := now
	r.ArchivedAt = &archivedAt

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, errors.NewIOError("encode run", s.ArchivePath(runID), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.ArchivePath(runID)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, errors.NewIOError("create archive directory", filepath.Dir(dst), err)
	}
	if err := atomicWriteFile(dst, append(data, '\n'), 0644); err != nil {
		return nil, errors.NewIOError("write archive", dst, err)
	}
	if err := os.Remove(s.RunPath(runID)); err != nil && !os.IsNotExist(err) {
		return nil, errors.NewIOError("remove archived run", s.RunPath(runID), err)
	}
	return r, nil
}

// List returns summaries of live runs, and archived runs when requested,
// newest first. Unreadable documents are skipped.
func (s *Store) List(ctx context.Context, includeArchived bool) ([]Summary, error) {
	active, _ := s.ReadActivePointer(ctx)

	s.mu.RLock()
	defer s.mu.RUnlock()

	dirs := []string{filepath.Join(s.root, RunsDir)}
	if includeArchived {
		dirs = append(dirs, filepath.Join(s.root, ArchiveDir))
	}

	var out []Summary
	for i, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.NewIOError("list runs", dir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
				continue
			}
			runID := strings.TrimSuffix(name, ".json")
			r, err := s.readRun(filepath.Join(dir, name), runID)
			if err != nil {
				continue
			}
			out = append(out, Summary{
				RunID:        r.RunID,
				WorkflowID:   r.WorkflowID,
				WorkRef:      r.WorkRef,
				Status:       r.Status,
				CurrentPhase: r.CurrentPhase,
				CreatedAt:    r.CreatedAt,
				UpdatedAt:    r.UpdatedAt,
				Active:       r.RunID == active,
				Archived:     i == 1,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// atomicWriteFile writes data to a file atomically by writing to a temporary
// file in the same directory, syncing it, then renaming it over the target.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
