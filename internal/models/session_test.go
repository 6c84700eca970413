package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePlanPending, StatePlanReview, true},
		{StatePlanReview, StateResearching, true},
		{StatePlanReview, StatePlanPending, true},
		{StateResearching, StateSynthesizing, true},
		{StateResearching, StateFailed, true},
		{StateSynthesizing, StateCompleted, true},
		{StateSynthesizing, StateFailed, true},
		{StatePlanPending, StateCancelled, true},
		{StateResearching, StateCancelled, true},

		{StatePlanPending, StateResearching, false},
		{StateResearching, StatePlanReview, false},
		{StateSynthesizing, StateResearching, false},
		{StateCompleted, StateCancelled, false},
		{StateFailed, StateCancelled, false},
		{StateCancelled, StatePlanPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSession_Transition(t *testing.T) {
	s := &Session{State: StatePlanReview}
	require.NoError(t, s.Transition(StateResearching))
	assert.Equal(t, StateResearching, s.State)

	err := s.Transition(StatePlanReview)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal transition")
	assert.Equal(t, StateResearching, s.State)
}

func TestSession_CurrentPlan(t *testing.T) {
	s := &Session{}
	assert.Nil(t, s.CurrentPlan())
	assert.Equal(t, 0, s.CurrentPlanVersion())

	s.PlanVersions = []Plan{{Version: 1}, {Version: 2}}
	s.ActivePlan = 1
	require.NotNil(t, s.CurrentPlan())
	assert.Equal(t, 2, s.CurrentPlanVersion())
}

func TestSession_AddModel(t *testing.T) {
	s := &Session{}
	s.AddModel("gemini/flash")
	s.AddModel("anthropic/haiku")
	s.AddModel("gemini/flash")
	s.AddModel("")
	assert.Equal(t, []string{"anthropic/haiku", "gemini/flash"}, s.ModelsUsed)
}

func TestSession_CloneIsDeep(t *testing.T) {
	s := &Session{
		ID:           "s1",
		PlanVersions: []Plan{{Version: 1, Steps: []Step{{Description: "a", DependsOn: []int{}}}}},
		Findings:     []Finding{{StepIndex: 0, SourceRefs: []string{"e1"}}},
		Report:       &Report{Themes: []Theme{{Title: "t", SupportingFindings: []int{0}}}},
		ModelsUsed:   []string{"m"},
		UpdatedAt:    time.Now(),
	}
	c := s.Clone()
	c.PlanVersions[0].Steps[0].Description = "changed"
	c.Findings[0].SourceRefs[0] = "changed"
	c.Report.Themes[0].SupportingFindings[0] = 9
	c.ModelsUsed[0] = "changed"

	assert.Equal(t, "a", s.PlanVersions[0].Steps[0].Description)
	assert.Equal(t, "e1", s.Findings[0].SourceRefs[0])
	assert.Equal(t, 0, s.Report.Themes[0].SupportingFindings[0])
	assert.Equal(t, "m", s.ModelsUsed[0])
}

func TestSession_Status(t *testing.T) {
	s := &Session{
		ID:           "s1",
		State:        StatePlanReview,
		PlanVersions: []Plan{{Version: 1}},
		Findings: []Finding{
			{SourceRefs: []string{"EM-1", "PR-1"}},
			{SourceRefs: []string{"EM-1", "DOC-2"}},
		},
	}
	st := s.Status()
	assert.Equal(t, "s1", st.ID)
	assert.Equal(t, 1, st.PlanVersion)
	assert.Equal(t, 2, st.FindingsCount)
	assert.Equal(t, 3, st.SourcesAnalyzed)
	assert.Nil(t, st.Report)
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		in   string
		want Confidence
	}{
		{"high", ConfidenceHigh},
		{" LOW ", ConfidenceLow},
		{"medium", ConfidenceMedium},
		{"", ConfidenceMedium},
		{"certain", ConfidenceMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseConfidence(tt.in), tt.in)
	}
}

func TestParseScope(t *testing.T) {
	sc, err := ParseScope("case:42")
	require.NoError(t, err)
	assert.Equal(t, Scope{Kind: ScopeCase, ID: "42"}, sc)
	assert.Equal(t, "case:42", sc.String())

	sc, err = ParseScope("Project: riverside ")
	require.NoError(t, err)
	assert.Equal(t, Scope{Kind: ScopeProject, ID: "riverside"}, sc)

	for _, bad := range []string{"42", "tenant:1", "case:", ""} {
		_, err := ParseScope(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseFocusAreas(t *testing.T) {
	got, err := ParseFocusAreas([]string{"Chronology", " causation", "chronology", ""})
	require.NoError(t, err)
	assert.Equal(t, []FocusArea{FocusChronology, FocusCausation}, got)

	got, err = ParseFocusAreas(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseFocusAreas([]string{"causation", "astrology"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "astrology")
}
