package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// State is a position in the research session lifecycle.
type State string

const (
	StatePlanPending  State = "plan_pending"
	StatePlanReview   State = "plan_review"
	StateResearching  State = "researching"
	StateSynthesizing State = "synthesizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

// transitions lists every allowed edge of the state machine. Cancellation is
// handled separately because it applies to every non-terminal state.
var transitions = map[State][]State{
	StatePlanPending:  {StatePlanReview},
	StatePlanReview:   {StateResearching, StatePlanPending},
	StateResearching:  {StateSynthesizing, StateFailed},
	StateSynthesizing: {StateCompleted, StateFailed},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePlanPending, StatePlanReview, StateResearching, StateSynthesizing,
		StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateCancelled {
		return true
	}
	return slices.Contains(transitions[s], next)
}

// Step is one unit of work in a research plan.
type Step struct {
	Description string       `json:"description"`
	FocusArea   FocusArea    `json:"focus_area,omitempty"`
	SourceTypes []SourceType `json:"source_types,omitempty"`
	DependsOn   []int        `json:"depends_on,omitempty"`
}

// Plan is an immutable, versioned research plan.
type Plan struct {
	Version   int       `json:"version"`
	Steps     []Step    `json:"steps"`
	Rationale string    `json:"rationale"`
	Feedback  string    `json:"feedback,omitempty"` // modification feedback that produced this version
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Finding is the recorded output of executing one plan step.
type Finding struct {
	StepIndex   int        `json:"step_index"`
	SourceRefs  []string   `json:"source_refs"`
	CitedRefs   []string   `json:"cited_refs,omitempty"`
	Content     string     `json:"content"`
	Gaps        []string   `json:"gaps,omitempty"`
	Confidence  Confidence `json:"confidence,omitempty"`
	KeyEntities []string   `json:"key_entities,omitempty"`
	Model       string     `json:"model,omitempty"`
	Degraded    bool       `json:"degraded,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Confidence is the model's own rating of how well the evidence supports a finding.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence normalizes a model-supplied rating. Anything unrecognized is medium.
func ParseConfidence(s string) Confidence {
	switch c := Confidence(strings.ToLower(strings.TrimSpace(s))); c {
	case ConfidenceHigh, ConfidenceLow:
		return c
	default:
		return ConfidenceMedium
	}
}

// Theme is one section of a synthesized report.
type Theme struct {
	Title              string `json:"title"`
	Narrative          string `json:"narrative"`
	SupportingFindings []int  `json:"supporting_findings"`
}

// Validation records citation coverage checks run against a report.
type Validation struct {
	CitedFindings   []int   `json:"cited_findings"`
	UncitedFindings []int   `json:"uncited_findings,omitempty"`
	Coverage        float64 `json:"coverage"`
	Passed          bool    `json:"passed"`
}

// Report is the final synthesized output of a session.
type Report struct {
	Themes      []Theme     `json:"themes"`
	GeneratedAt time.Time   `json:"generated_at"`
	ModelsUsed  []string    `json:"models_used"`
	Validation  *Validation `json:"validation,omitempty"`
}

// DecisionKind identifies a human or policy decision taken on a session.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionModify  DecisionKind = "modify"
	DecisionCancel  DecisionKind = "cancel"
	DecisionExpire  DecisionKind = "expire"
)

// Decision is an entry in a session's audit trail.
type Decision struct {
	Kind        DecisionKind `json:"kind"`
	PlanVersion int          `json:"plan_version,omitempty"`
	Feedback    string       `json:"feedback,omitempty"`
	At          time.Time    `json:"at"`
}

// FailureKind classifies why a session stopped.
type FailureKind string

const (
	FailurePlanGeneration    FailureKind = "plan_generation"
	FailureResearchExhausted FailureKind = "research_exhausted"
	FailureSynthesis         FailureKind = "synthesis"
)

// Failure carries enough detail to retry a failed session manually.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	StepIndex *int        `json:"step_index,omitempty"`
	Message   string      `json:"message"`
	At        time.Time   `json:"at"`
}

// Session is the unit of work: one investigative question against one scope.
type Session struct {
	ID              string      `json:"id"`
	Scope           Scope       `json:"scope"`
	Topic           string      `json:"topic"`
	FocusAreas      []FocusArea `json:"focus_areas"`
	State           State       `json:"state"`
	PlanVersions    []Plan      `json:"plan_versions"`
	ActivePlan      int         `json:"active_plan"`
	PendingFeedback string      `json:"pending_feedback,omitempty"`
	Findings        []Finding   `json:"findings"`
	Report          *Report     `json:"report,omitempty"`
	Decisions       []Decision  `json:"decisions,omitempty"`
	Failure         *Failure    `json:"failure,omitempty"`
	ModelsUsed      []string    `json:"models_used"`
	Revision        int64       `json:"revision"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// CurrentPlan returns the active plan version, or nil before the first plan exists.
func (s *Session) CurrentPlan() *Plan {
	if len(s.PlanVersions) == 0 || s.ActivePlan < 0 || s.ActivePlan >= len(s.PlanVersions) {
		return nil
	}
	return &s.PlanVersions[s.ActivePlan]
}

// CurrentPlanVersion returns the version number of the active plan, or 0.
func (s *Session) CurrentPlanVersion() int {
	if p := s.CurrentPlan(); p != nil {
		return p.Version
	}
	return 0
}

// AddModel records a provider identifier in the session's provenance set.
func (s *Session) AddModel(model string) {
	if model == "" || slices.Contains(s.ModelsUsed, model) {
		return
	}
	s.ModelsUsed = append(s.ModelsUsed, model)
	slices.Sort(s.ModelsUsed)
}

// Transition moves the session to next, failing if the edge is not allowed.
func (s *Session) Transition(next State) error {
	if !s.State.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s", s.State, next)
	}
	s.State = next
	return nil
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (s *Session) Clone() *Session {
	c := *s
	c.FocusAreas = slices.Clone(s.FocusAreas)
	c.PlanVersions = make([]Plan, len(s.PlanVersions))
	for i, p := range s.PlanVersions {
		c.PlanVersions[i] = p.clone()
	}
	c.Findings = make([]Finding, len(s.Findings))
	for i, f := range s.Findings {
		f.SourceRefs = slices.Clone(f.SourceRefs)
		f.CitedRefs = slices.Clone(f.CitedRefs)
		f.Gaps = slices.Clone(f.Gaps)
		f.KeyEntities = slices.Clone(f.KeyEntities)
		c.Findings[i] = f
	}
	if s.Report != nil {
		r := *s.Report
		r.Themes = make([]Theme, len(s.Report.Themes))
		for i, t := range s.Report.Themes {
			t.SupportingFindings = slices.Clone(t.SupportingFindings)
			r.Themes[i] = t
		}
		r.ModelsUsed = slices.Clone(s.Report.ModelsUsed)
		if s.Report.Validation != nil {
			v := *s.Report.Validation
			v.CitedFindings = slices.Clone(v.CitedFindings)
			v.UncitedFindings = slices.Clone(v.UncitedFindings)
			r.Validation = &v
		}
		c.Report = &r
	}
	c.Decisions = slices.Clone(s.Decisions)
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	c.ModelsUsed = slices.Clone(s.ModelsUsed)
	return &c
}

func (p Plan) clone() Plan {
	steps := make([]Step, len(p.Steps))
	for i, st := range p.Steps {
		st.SourceTypes = slices.Clone(st.SourceTypes)
		st.DependsOn = slices.Clone(st.DependsOn)
		steps[i] = st
	}
	p.Steps = steps
	return p
}

// SessionSummary is a row in a scope's session history.
type SessionSummary struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	State       State     `json:"state"`
	PlanVersion int       `json:"plan_version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary builds the history row for s.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:          s.ID,
		Topic:       s.Topic,
		State:       s.State,
		PlanVersion: s.CurrentPlanVersion(),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// SessionStatus is the read-only view returned by status queries.
type SessionStatus struct {
	ID              string      `json:"id"`
	Scope           Scope       `json:"scope"`
	Topic           string      `json:"topic"`
	FocusAreas      []FocusArea `json:"focus_areas"`
	State           State       `json:"state"`
	PlanVersion     int         `json:"plan_version"`
	Plan            *Plan       `json:"plan,omitempty"`
	FindingsCount   int         `json:"findings_count"`
	SourcesAnalyzed int         `json:"sources_analyzed"`
	Report          *Report     `json:"report,omitempty"`
	Failure         *Failure    `json:"failure,omitempty"`
	ModelsUsed      []string    `json:"models_used"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Status builds the status view for s.
func (s *Session) Status() *SessionStatus {
	c := s.Clone()
	return &SessionStatus{
		ID:              c.ID,
		Scope:           c.Scope,
		Topic:           c.Topic,
		FocusAreas:      c.FocusAreas,
		State:           c.State,
		PlanVersion:     c.CurrentPlanVersion(),
		Plan:            c.CurrentPlan(),
		FindingsCount:   len(c.Findings),
		SourcesAnalyzed: c.SourcesAnalyzed(),
		Report:          c.Report,
		Failure:         c.Failure,
		ModelsUsed:      c.ModelsUsed,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

// SourcesAnalyzed returns the number of distinct sources the findings drew on.
func (s *Session) SourcesAnalyzed() int {
	seen := make(map[string]struct{})
	for _, f := range s.Findings {
		for _, ref := range f.SourceRefs {
			seen[ref] = struct{}{}
		}
	}
	return len(seen)
}

// Snapshot is one durable revision of a session, kept for audit.
type Snapshot struct {
	SessionID string    `json:"session_id"`
	Revision  int64     `json:"revision"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
	Session   *Session  `json:"session"`
}
