// Package session tracks the execution contexts that hold a run active.
//
// A run has at most one open session. Closed sessions are appended to the
// run's history and never modified again; their time ranges never overlap.
// A session left open by a context that vanished without signalling is
// closed as abandoned the next time a different context starts.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/continuum/internal/errors"
	"github.com/Iron-Ham/continuum/internal/event"
	"github.com/Iron-Ham/continuum/internal/logging"
	"github.com/Iron-Ham/continuum/internal/run"
)

// StartResult describes what Start did.
type StartResult struct {
	// Session is the open session after the call.
	Session *run.Session
	// Opened is false when the call continued an already open session.
	Opened bool
	// Abandoned is the session force-closed because a different context
	// started, if any.
	Abandoned *run.Session
}

// Tracker opens and closes sessions on a run. Like the phase tracker it
// only mutates the run in memory.
type Tracker struct {
	clock  run.Clock
	newID  func() string
	bus    *event.Bus
	logger *logging.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIDFunc overrides session id generation.
func WithIDFunc(fn func() string) Option {
	return func(t *Tracker) { t.newID = fn }
}

// WithBus publishes session events to bus.
func WithBus(bus *event.Bus) Option {
	return func(t *Tracker) { t.bus = bus }
}

// WithLogger sets the tracker's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a Tracker. A nil clock means the system clock.
func NewTracker(clock run.Clock, opts ...Option) *Tracker {
	if clock == nil {
		clock = run.SystemClock{}
	}
	t := &Tracker{clock: clock, newID: uuid.NewString}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start handles a session start signal. When a session is already open for
// the same context identity the call is a continuation and nothing changes.
// Otherwise any open session is closed as abandoned and a new one opens.
func (t *Tracker) Start(r *run.Run, trigger run.SessionTrigger, env run.Environment) (StartResult, error) {
	if trigger == "" {
		trigger = run.TriggerStartup
	}
	if !trigger.Valid() {
		return StartResult{}, errors.Wrapf(errors.ErrInvalidInput, "session trigger %q", trigger)
	}

	log := t.logger.WithRun(r.RunID)
	cur := r.Sessions.Current
	if cur.IsOpen() && cur.Environment.ContextID == env.ContextID {
		log.WithSession(cur.ID).Debug("session continued", "trigger", trigger)
		return StartResult{Session: cur}, nil
	}

	var result StartResult
	if cur != nil {
		if cur.IsOpen() {
			log.WithSession(cur.ID).Warn("closing abandoned session",
				"previous_context", cur.Environment.ContextID, "new_context", env.ContextID)
		}
		result.Abandoned = t.close(r, run.EndAbandoned)
	}

	now := t.clock.Now()
	startedAt := now
	if last := lastEnded(r); last != nil && last.After(startedAt) {
		startedAt = *last
	}
	s := &run.Session{
		ID:                           t.newID(),
		Trigger:                      trigger,
		StartedAt:                    startedAt,
		Environment:                  env,
		PhasesCompletedDuringSession: []string{},
		ArtifactsLoaded:              []string{},
	}
	r.Sessions.Current = s
	r.Sessions.CurrentSessionID = s.ID
	r.Touch(now)

	t.bus.Publish(event.NewSessionOpenedEvent(now, r.RunID, s.ID, string(trigger), env.ContextID))
	log.WithSession(s.ID).Info("session opened", "trigger", trigger, "context_id", env.ContextID)

	result.Session = s
	result.Opened = true
	return result, nil
}

// End closes the open session with reason. Without an open session it is a
// no-op and returns nil.
func (t *Tracker) End(r *run.Run, reason run.EndReason) (*run.Session, error) {
	if reason == "" {
		reason = run.EndNormal
	}
	if !reason.Valid() {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "session end reason %q", reason)
	}
	if !r.Sessions.Current.IsOpen() {
		t.logger.WithRun(r.RunID).Debug("no open session to end", "reason", reason)
		return nil, nil
	}
	return t.close(r, reason), nil
}

// RecordArtifacts notes artifacts delivered to the open session. Ids already
// recorded are not repeated.
func (t *Tracker) RecordArtifacts(r *run.Run, ids []string) {
	s := r.Sessions.Current
	if !s.IsOpen() {
		return
	}
	for _, id := range ids {
		if !contains(s.ArtifactsLoaded, id) {
			s.ArtifactsLoaded = append(s.ArtifactsLoaded, id)
		}
	}
}

// close moves the current session into history. A current session that is
// already closed (a document edited by hand, for instance) is archived as
// is.
func (t *Tracker) close(r *run.Run, reason run.EndReason) *run.Session {
	s := r.Sessions.Current
	now := t.clock.Now()

	if s.IsOpen() {
		endedAt := now
		if endedAt.Before(s.StartedAt) {
			endedAt = s.StartedAt
		}
		s.EndedAt = &endedAt
		s.EndReason = reason
		s.PhasesCompletedDuringSession = completedSince(r, s)
	}

	closed := *s
	r.Sessions.History = append(r.Sessions.History, closed)
	r.Sessions.Current = nil
	r.Sessions.CurrentSessionID = ""
	r.Touch(now)

	t.bus.Publish(event.NewSessionClosedEvent(now, r.RunID, closed.ID, string(closed.EndReason)))
	t.logger.WithRun(r.RunID).WithSession(closed.ID).Info("session closed",
		"reason", closed.EndReason,
		"duration", closed.EndedAt.Sub(closed.StartedAt).String(),
		"phases_completed", len(closed.PhasesCompletedDuringSession))
	return &closed
}

// completedSince lists phases that completed while s was open, in phase
// order.
func completedSince(r *run.Run, s *run.Session) []string {
	names := []string{}
	for _, p := range r.Phases {
		if p.Status != run.PhaseCompleted || p.CompletedAt == nil {
			continue
		}
		if !p.CompletedAt.Before(s.StartedAt) {
			names = append(names, p.Name)
		}
	}
	return names
}

func lastEnded(r *run.Run) *time.Time {
	h := r.Sessions.History
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1].EndedAt
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
