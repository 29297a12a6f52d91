package workflowdef

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/state"
)

// DefaultID is the built-in workflow used when none is named.
const DefaultID = "default"

// WorkflowsDir is the directory under a state directory or config directory
// that holds definition files.
const WorkflowsDir = "workflows"

//go:embed builtin/*.yaml
var builtin embed.FS

// Provider resolves workflow definitions for a workspace. The engine only
// reads definitions; it never writes them.
type Provider interface {
	Definition(workspace, workflowID string) (*Definition, error)
}

// Loader is the file-backed Provider. It searches, in order, the workspace
// state directory, each configured search path, then the embedded built-ins.
type Loader struct {
	stateDirName string
	searchPaths  []string
}

// NewLoader returns a loader. stateDirName is the workspace state directory
// name (see state.Dir); searchPaths are extra directories holding <id>.yaml
// files, typically the user config directory.
func NewLoader(stateDirName string, searchPaths ...string) *Loader {
	return &Loader{stateDirName: stateDirName, searchPaths: searchPaths}
}

// Definition implements Provider.
func (l *Loader) Definition(workspace, workflowID string) (*Definition, error) {
	if workflowID == "" {
		workflowID = DefaultID
	}
	if !run.ValidID(workflowID) {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "workflow id %q", workflowID)
	}

	for _, dir := range l.dirs(workspace) {
		for _, ext := range []string{".yaml", ".yml"} {
			p := filepath.Join(dir, workflowID+ext)
			if _, err := os.Stat(p); err != nil {
				continue
			}
			def, err := LoadFile(p)
			if err != nil {
				return nil, err
			}
			if def.ID != workflowID {
				return nil, fmt.Errorf("%s: declares workflow %q, expected %q", p, def.ID, workflowID)
			}
			return def, nil
		}
	}

	if def, err := Builtin(workflowID); err == nil {
		return def, nil
	}
	return nil, errors.NewNotFoundError("workflow", workflowID)
}

// Source reports where a workflow would be loaded from: a file path, or
// "builtin:<id>".
func (l *Loader) Source(workspace, workflowID string) string {
	if workflowID == "" {
		workflowID = DefaultID
	}
	for _, dir := range l.dirs(workspace) {
		for _, ext := range []string{".yaml", ".yml"} {
			p := filepath.Join(dir, workflowID+ext)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return "builtin:" + workflowID
}

// Available lists the workflow ids visible from a workspace, sorted.
func (l *Loader) Available(workspace string) []string {
	set := make(map[string]bool)
	for _, id := range BuiltinIDs() {
		set[id] = true
	}
	for _, dir := range l.dirs(workspace) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				continue
			}
			if ext := filepath.Ext(name); ext == ".yaml" || ext == ".yml" {
				set[strings.TrimSuffix(name, ext)] = true
			}
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Loader) dirs(workspace string) []string {
	dirs := make([]string, 0, len(l.searchPaths)+1)
	if workspace != "" {
		dirs = append(dirs, filepath.Join(state.Dir(workspace, l.stateDirName), WorkflowsDir))
	}
	return append(dirs, l.searchPaths...)
}

// Builtin returns an embedded workflow definition.
func Builtin(id string) (*Definition, error) {
	data, err := builtin.ReadFile(path.Join("builtin", id+".yaml"))
	if err != nil {
		return nil, errors.NewNotFoundError("builtin workflow", id)
	}
	return Parse(data)
}

// BuiltinIDs lists the embedded workflow ids.
func BuiltinIDs() []string {
	entries, err := fs.ReadDir(builtin, "builtin")
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	return ids
}

// StaticProvider serves a fixed set of definitions. Useful for embedding the
// engine with definitions built in code.
type StaticProvider map[string]*Definition

// Definition implements Provider.
func (p StaticProvider) Definition(_ string, workflowID string) (*Definition, error) {
	if def, ok := p[workflowID]; ok {
		return def, nil
	}
	return nil, errors.NewNotFoundError("workflow", workflowID)
}
