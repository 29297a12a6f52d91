// Package reload plans which critical artifacts must be delivered to an
// execution context after a boundary (a new session, a manual prime, a phase
// transition). It only plans: reading the artifacts is the caller's job.
package reload

import (
	"bytes"
	"fmt"
	"maps"
	"strings"
	"text/template"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/logging"
	"github.com/Iron-Ham/continuum/internal/run"
	"github.com/Iron-Ham/continuum/internal/workflowdef"
)

// Trigger names matched against an artifact's reload_triggers.
const (
	TriggerSessionStart = "session_start"
	TriggerManual       = "manual"
)

// DefaultStalenessWindow is how long a loaded artifact counts as fresh.
const DefaultStalenessWindow = 5 * time.Minute

// PhaseTransitionTrigger names the trigger fired when a run moves from one
// phase to the next, e.g. "phase_transition:architect->build".
func PhaseTransitionTrigger(from, to string) string {
	return "phase_transition:" + from + "->" + to
}

// Source tells which list an instruction came from.
type Source string

const (
	SourceAlways      Source = "always_load"
	SourceConditional Source = "conditional_load"
)

// SkipReason explains why a matching artifact was left out of a plan.
type SkipReason string

const (
	SkipConditionFalse SkipReason = "condition_false"
	SkipRecentlyLoaded SkipReason = "recently_loaded"
	SkipNotSelected    SkipReason = "not_selected"
	SkipUnresolvedPath SkipReason = "unresolved_path"
)

// Instruction tells the artifact loader to deliver one artifact.
type Instruction struct {
	ArtifactID string `json:"artifact_id"`
	Type       string `json:"type,omitempty"`
	Path       string `json:"path"`
	Required   bool   `json:"required"`
	Source     Source `json:"source"`
	Order      int    `json:"order"`
}

// Skip records an artifact whose trigger matched but that was not planned.
type Skip struct {
	ArtifactID string     `json:"artifact_id"`
	Reason     SkipReason `json:"reason"`
	Detail     string     `json:"detail,omitempty"`
}

// Warning reports a required artifact whose path could not be resolved.
type Warning struct {
	ArtifactID string `json:"artifact_id"`
	Message    string `json:"message"`
}

// Plan is the outcome of planning one trigger.
type Plan struct {
	Trigger      string        `json:"trigger"`
	Instructions []Instruction `json:"instructions"`
	Skipped      []Skip        `json:"skipped"`
	Warnings     []Warning     `json:"warnings"`
}

// ArtifactIDs returns the ids of the planned instructions in order.
func (p Plan) ArtifactIDs() []string {
	ids := make([]string, 0, len(p.Instructions))
	for _, in := range p.Instructions {
		ids = append(ids, in.ArtifactID)
	}
	return ids
}

// MissingRequired joins a MissingRequiredArtifact error per warning, or
// returns nil.
func (p Plan) MissingRequired() error {
	var errs []error
	for _, w := range p.Warnings {
		errs = append(errs, errors.NewMissingArtifactError(w.ArtifactID, w.Message))
	}
	return errors.Join(errs...)
}

// Options tune a single Plan call.
type Options struct {
	// Force plans artifacts even if they were loaded recently.
	Force bool
	// Subset restricts planning to artifact ids matching any of these glob
	// patterns. Empty means all.
	Subset []string
	// StalenessWindow overrides DefaultStalenessWindow when positive.
	StalenessWindow time.Duration
	// Now is the planning time. Zero means time.Now.
	Now time.Time
	// Vars are extra values visible to path templates, such as state_dir
	// and workspace. They shadow run document fields of the same name.
	Vars map[string]any
}

// Planner builds reload plans.
type Planner struct {
	logger *logging.Logger
}

// NewPlanner creates a Planner. logger may be nil.
func NewPlanner(logger *logging.Logger) *Planner {
	return &Planner{logger: logger}
}

// Plan selects the critical artifacts of def that apply to trigger for r.
// Unconditional artifacts come first, then conditional ones whose condition
// holds, each list in definition order. A required artifact whose path
// cannot be resolved yields a warning; the rest of the plan is still
// returned.
func (p *Planner) Plan(r *run.Run, def *workflowdef.Definition, trigger string, opts Options) (Plan, error) {
	plan := Plan{
		Trigger:      trigger,
		Instructions: []Instruction{},
		Skipped:      []Skip{},
		Warnings:     []Warning{},
	}
	if def == nil {
		return plan, nil
	}

	subset, err := compileAll(opts.Subset)
	if err != nil {
		return plan, err
	}
	doc, err := r.Document()
	if err != nil {
		return plan, errors.NewRunError("encode run document", err).WithRunID(r.RunID)
	}
	data := make(map[string]any, len(doc)+len(opts.Vars))
	maps.Copy(data, doc)
	maps.Copy(data, opts.Vars)

	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	window := opts.StalenessWindow
	if window <= 0 {
		window = DefaultStalenessWindow
	}

	consider := func(spec workflowdef.ArtifactSpec, source Source) {
		if !matchesAny(spec.ReloadTriggers, trigger) {
			return
		}
		if len(subset) > 0 && !matchAny(subset, spec.ID) {
			plan.Skipped = append(plan.Skipped, Skip{ArtifactID: spec.ID, Reason: SkipNotSelected})
			return
		}
		if source == SourceConditional && !EvalCondition(spec.Condition, doc) {
			plan.Skipped = append(plan.Skipped, Skip{ArtifactID: spec.ID, Reason: SkipConditionFalse, Detail: spec.Condition})
			return
		}
		if !opts.Force && recentlyLoaded(r, spec.ID, now, window) {
			plan.Skipped = append(plan.Skipped, Skip{ArtifactID: spec.ID, Reason: SkipRecentlyLoaded})
			return
		}

		path, err := resolvePath(spec, doc, data)
		if err != nil {
			if spec.Required {
				plan.Warnings = append(plan.Warnings, Warning{ArtifactID: spec.ID, Message: err.Error()})
			}
			plan.Skipped = append(plan.Skipped, Skip{ArtifactID: spec.ID, Reason: SkipUnresolvedPath, Detail: err.Error()})
			return
		}
		plan.Instructions = append(plan.Instructions, Instruction{
			ArtifactID: spec.ID,
			Type:       spec.Type,
			Path:       path,
			Required:   spec.Required,
			Source:     source,
			Order:      len(plan.Instructions) + 1,
		})
	}

	for _, spec := range def.CriticalArtifacts.AlwaysLoad {
		consider(spec, SourceAlways)
	}
	for _, spec := range def.CriticalArtifacts.ConditionalLoad {
		consider(spec, SourceConditional)
	}

	log := p.logger.WithRun(r.RunID)
	for _, w := range plan.Warnings {
		log.Warn("required artifact unresolved", "artifact_id", w.ArtifactID, "trigger", trigger, "error", w.Message)
	}
	log.Debug("reload planned",
		"trigger", trigger,
		"force", opts.Force,
		"instructions", len(plan.Instructions),
		"skipped", len(plan.Skipped))
	return plan, nil
}

// Record stamps the planned artifacts as loaded at now. A plan without
// instructions leaves the run untouched.
func Record(r *run.Run, plan Plan, now time.Time) {
	if len(plan.Instructions) == 0 {
		return
	}
	meta := &r.ContextMetadata
	if meta.LoadedArtifacts == nil {
		meta.LoadedArtifacts = map[string]time.Time{}
	}
	for _, in := range plan.Instructions {
		meta.LoadedArtifacts[in.ArtifactID] = now
	}
	stamp := now
	meta.LastArtifactReload = &stamp
	r.Touch(now)
}

// recentlyLoaded reports whether id itself was delivered inside the
// staleness window. Loads by any session count; a recent reload of other
// artifacts does not make id fresh.
func recentlyLoaded(r *run.Run, id string, now time.Time, window time.Duration) bool {
	meta := r.ContextMetadata
	if meta.LastArtifactReload == nil || now.Sub(*meta.LastArtifactReload) >= window {
		return false
	}
	loadedAt, ok := meta.LoadedArtifacts[id]
	return ok && now.Sub(loadedAt) < window
}

// resolvePath renders the spec's path template, or reads its state path.
func resolvePath(spec workflowdef.ArtifactSpec, doc, data map[string]any) (string, error) {
	if spec.Path != "" {
		tmpl, err := template.New(spec.ID).Option("missingkey=error").Parse(spec.Path)
		if err != nil {
			return "", fmt.Errorf("path template %q: %w", spec.Path, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("path template %q: %w", spec.Path, err)
		}
		out := strings.TrimSpace(buf.String())
		if out == "" || strings.Contains(out, "<no value>") {
			return "", fmt.Errorf("path template %q resolved to %q", spec.Path, out)
		}
		return out, nil
	}

	v, ok := Lookup(doc, spec.StatePath)
	if !ok || v == nil {
		return "", fmt.Errorf("state path %q is not set", spec.StatePath)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("state path %q does not hold a path", spec.StatePath)
	}
	return s, nil
}

func compileAll(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "artifact pattern %q: %v", pattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// matchesAny reports whether trigger matches one of patterns. Patterns were
// validated when the definition loaded; any that fail to compile are
// ignored.
func matchesAny(patterns []string, trigger string) bool {
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		if g.Match(trigger) {
			return true
		}
	}
	return false
}
