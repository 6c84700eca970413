package research_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vericase/deepresearch/internal/corpus"
	"github.com/vericase/deepresearch/internal/events"
	"github.com/vericase/deepresearch/internal/llm"
	"github.com/vericase/deepresearch/internal/llm/llmtest"
	"github.com/vericase/deepresearch/internal/models"
	"github.com/vericase/deepresearch/internal/research"
	"github.com/vericase/deepresearch/internal/store"
)

const fixtureYAML = `
scopes:
  - kind: case
    id: "42"
    name: Riverside Phase 2
    items:
      - ref: PR-0001
        source_type: programme
        focus_areas: [chronology]
        date: 2024-01-15
        content: Baseline programme rev C shows Phase 2 completion on 30 June.
      - ref: EM-0001
        source_type: email
        focus_areas: [causation, chronology]
        date: 2024-02-20
        content: Please proceed with the revised foundation design issued today.
      - ref: EM-0002
        source_type: email
        focus_areas: [chronology, causation]
        date: 2024-03-04
        content: Steel delivery has slipped six weeks following the foundation redesign.
      - ref: QS-0001
        source_type: document
        focus_areas: [quantum]
        date: 2024-04-01
        content: Prolongation costs estimated at 410k.
  - kind: case
    id: "43"
    items:
      - ref: EM-0100
        source_type: email
        focus_areas: [liability]
        content: Unrelated matter.
`

// planTwoSteps includes a quantum step that a chronology/causation request must drop.
const planTwoSteps = `{
  "rationale": "Establish the timeline before attributing cause.",
  "feedback_response": "",
  "steps": [
    {"description": "Build the chronology of Phase 2 delay events", "focus_area": "chronology", "source_types": ["email", "programme"], "depends_on": []},
    {"description": "Value the prolongation costs", "focus_area": "quantum", "source_types": ["document"], "depends_on": []},
    {"description": "Identify what caused the slippage", "focus_area": "causation", "source_types": [], "depends_on": [0]}
  ]
}`

const planRevised = "```json\n" + `{
  "rationale": "Split causation into design and supply.",
  "feedback_response": "Added a separate step for steel supply as requested.",
  "steps": [
    {"description": "Build the chronology of Phase 2 delay events", "focus_area": "chronology", "source_types": ["email", "programme"], "depends_on": []},
    {"description": "Assess the foundation redesign as a cause", "focus_area": "causation", "source_types": ["email"], "depends_on": [0]},
    {"description": "Assess steel supply as a cause", "focus_area": "causation", "source_types": ["email"], "depends_on": [0]}
  ]
}` + "\n```"

const synthesisReply = `{
  "themes": [
    {"title": "Causation of the Phase 2 slippage", "narrative": "The foundation redesign pushed steel delivery back six weeks.", "supporting_findings": [0, 1, 9]},
    {"title": "Unsupported speculation", "narrative": "Weather may have played a part.", "supporting_findings": []}
  ]
}`

const topic = "What caused the 6-week slippage in Phase 2?"

var (
	case42 = models.Scope{Kind: models.ScopeCase, ID: "42"}
	case43 = models.Scope{Kind: models.ScopeCase, ID: "43"}
)

type recorder struct {
	mu  sync.Mutex
	got []events.Transition
}

func (r *recorder) Publish(t events.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	return nil
}

func (r *recorder) states(id string) []models.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.State
	for _, t := range r.got {
		if t.SessionID == id {
			out = append(out, t.To)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	mgr    *research.Manager
	store  store.Store
	corpus *corpus.Memory
	llm    *llmtest.Provider
	events *recorder
	clock  *clock
}

func fastConfig() research.Config {
	return research.Config{
		MaxConcurrency: 2,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		SourcesPerStep: 10,
	}
}

func scriptedProvider() *llmtest.Provider {
	return llmtest.New("test-model").
		Reply(llm.PurposePlan, planTwoSteps).
		On(llm.PurposeResearch, func(_ context.Context, req llm.Request) (string, error) {
			return "Relevant facts for: " + stepOf(req.Prompt), nil
		}).
		Reply(llm.PurposeSynthesis, synthesisReply)
}

// stepOf pulls the step description out of a research prompt.
func stepOf(prompt string) string {
	_, rest, _ := strings.Cut(prompt, "Research step: ")
	line, _, _ := strings.Cut(rest, "\n")
	return line
}

func newTestEnv(t *testing.T, provider *llmtest.Provider) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	corp := corpus.NewMemory()
	f, err := corpus.LoadFixture(strings.NewReader(fixtureYAML))
	require.NoError(t, err)
	_, err = f.Apply(ctx, corp)
	require.NoError(t, err)

	env := &testEnv{
		store:  st,
		corpus: corp,
		llm:    provider,
		events: &recorder{},
		clock:  &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	env.mgr = research.NewManager(st, corp, provider, fastConfig(),
		research.WithEvents(env.events),
		research.WithClock(env.clock.Now),
	)
	t.Cleanup(func() {
		env.mgr.Close()
		st.Close()
	})
	return env
}

func (e *testEnv) start(t *testing.T, areas ...string) *models.Session {
	t.Helper()
	s, err := e.mgr.StartSession(context.Background(), research.StartRequest{
		Scope:      case42,
		Topic:      topic,
		FocusAreas: areas,
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestStartSession_PlanRespectsFocusAreas(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	s := env.start(t, "chronology", "Causation")

	assert.Equal(t, models.StatePlanReview, s.State)
	assert.Equal(t, int64(2), s.Revision)
	assert.Equal(t, []models.FocusArea{models.FocusChronology, models.FocusCausation}, s.FocusAreas)

	plan := s.CurrentPlan()
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.Version)
	require.Len(t, plan.Steps, 2)
	for _, st := range plan.Steps {
		assert.Contains(t, s.FocusAreas, st.FocusArea)
	}
	assert.Equal(t, []int{0}, plan.Steps[1].DependsOn)
	assert.Equal(t, "fake/test-model", plan.Model)
	assert.Equal(t, []string{"fake/test-model"}, s.ModelsUsed)
	assert.Equal(t, []models.State{models.StatePlanPending, models.StatePlanReview}, env.events.states(s.ID))

	// The planner sees counts, never evidence content.
	calls := env.llm.Calls(llm.PurposePlan)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "Total items: 4")
	assert.NotContains(t, calls[0].Prompt, "revised foundation design")
}

func TestStartSession_UnrestrictedKeepsAllAreas(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	s := env.start(t)

	plan := s.CurrentPlan()
	require.NotNil(t, plan)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, models.FocusQuantum, plan.Steps[1].FocusArea)
	assert.Equal(t, []int{0}, plan.Steps[2].DependsOn)
}

func TestStartSession_ValidationLeavesNoSession(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	ctx := context.Background()

	tests := []struct {
		name  string
		req   research.StartRequest
		field string
	}{
		{"empty topic", research.StartRequest{Scope: case42, Topic: "   "}, "topic"},
		{"bad scope kind", research.StartRequest{Scope: models.Scope{Kind: "matter", ID: "1"}, Topic: topic}, "scope"},
		{"missing scope id", research.StartRequest{Scope: models.Scope{Kind: models.ScopeCase}, Topic: topic}, "scope"},
		{"unknown focus area", research.StartRequest{Scope: case42, Topic: topic, FocusAreas: []string{"weather"}}, "focus_areas"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.mgr.StartSession(ctx, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, research.ErrValidation)
			var ve *research.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	list, err := env.mgr.ListSessionHistory(ctx, case42)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, env.llm.Calls(""))
}

func TestStartSession_UnknownScope(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	_, err := env.mgr.StartSession(context.Background(), research.StartRequest{
		Scope: models.Scope{Kind: models.ScopeProject, ID: "nowhere"},
		Topic: topic,
	})
	assert.ErrorIs(t, err, research.ErrNotFound)
}

func TestStartSession_PlanGenerationFailureIsResumable(t *testing.T) {
	provider := scriptedProvider().Reply(llm.PurposePlan, "I cannot help with that.")
	env := newTestEnv(t, provider)
	ctx := context.Background()

	_, err := env.mgr.StartSession(ctx, research.StartRequest{Scope: case42, Topic: topic})
	require.Error(t, err)
	assert.ErrorIs(t, err, research.ErrPlanGeneration)
	var pge *research.PlanGenerationError
	require.ErrorAs(t, err, &pge)
	require.NotEmpty(t, pge.SessionID)

	s := env.session(t, pge.SessionID)
	assert.Equal(t, models.StatePlanPending, s.State)
	assert.Empty(t, s.PlanVersions)
	require.NotNil(t, s.Failure)
	assert.Equal(t, models.FailurePlanGeneration, s.Failure.Kind)
	assert.NotEmpty(t, s.Failure.Message)
	assert.Nil(t, s.Failure.StepIndex)

	status, err := env.mgr.GetSessionStatus(ctx, pge.SessionID)
	require.NoError(t, err)
	require.NotNil(t, status.Failure)
	assert.Equal(t, models.FailurePlanGeneration, status.Failure.Kind)

	provider.Reply(llm.PurposePlan, planTwoSteps)
	resumed, err := env.mgr.ResumeSession(ctx, pge.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePlanReview, resumed.State)
	assert.Equal(t, 1, resumed.CurrentPlanVersion())
	assert.Nil(t, resumed.Failure)
}

func TestStartSession_CallerCancelDoesNotAbortPlanning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := scriptedProvider().On(llm.PurposePlan, func(context.Context, llm.Request) (string, error) {
		cancel()
		return planTwoSteps, nil
	})
	env := newTestEnv(t, provider)

	s, err := env.mgr.StartSession(ctx, research.StartRequest{Scope: case42, Topic: topic})
	require.NoError(t, err)
	assert.Equal(t, models.StatePlanReview, s.State)
	assert.Equal(t, 1, s.CurrentPlanVersion())
}

func TestStartSession_CyclicPlanRejected(t *testing.T) {
	provider := scriptedProvider().Reply(llm.PurposePlan, `{"rationale":"x","steps":[
		{"description":"a","focus_area":"chronology","depends_on":[1]},
		{"description":"b","focus_area":"chronology","depends_on":[0]}]}`)
	env := newTestEnv(t, provider)

	_, err := env.mgr.StartSession(context.Background(), research.StartRequest{Scope: case42, Topic: topic})
	assert.ErrorIs(t, err, research.ErrPlanGeneration)
}

func TestApproveSession_StaleVersionChangesNothing(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	ctx := context.Background()
	s := env.start(t, "chronology", "causation")

	for _, v := range []int{0, 2, 7} {
		_, err := env.mgr.ApproveSession(ctx, s.ID, v)
		require.Error(t, err)
		assert.ErrorIs(t, err, research.ErrStaleApproval)
		var se *research.StaleApprovalError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, v, se.Requested)
		assert.Equal(t, 1, se.Active)
	}

	after := env.session(t, s.ID)
	assert.Equal(t, s.Revision, after.Revision)
	assert.Equal(t, models.StatePlanReview, after.State)
	assert.Empty(t, after.Decisions)
}

func TestRequestModification_AppendsVersion(t *testing.T) {
	provider := scriptedProvider().On(llm.PurposePlan, func(_ context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "Reviewer feedback") {
			return planRevised, nil
		}
		return planTwoSteps, nil
	})
	env := newTestEnv(t, provider)
	ctx := context.Background()
	s := env.start(t, "chronology", "causation")
	v1 := *s.CurrentPlan()

	s2, err := env.mgr.RequestModification(ctx, s.ID, 1, "Separate the steel supply question.")
	require.NoError(t, err)
	assert.Equal(t, models.StatePlanReview, s2.State)
	assert.Equal(t, 2, s2.CurrentPlanVersion())
	require.Len(t, s2.PlanVersions, 2)
	assert.Equal(t, v1.Version, s2.PlanVersions[0].Version)
	assert.Equal(t, v1.Steps, s2.PlanVersions[0].Steps)
	assert.Equal(t, v1.Rationale, s2.PlanVersions[0].Rationale)

	v2 := s2.CurrentPlan()
	assert.Len(t, v2.Steps, 3)
	assert.Equal(t, "Separate the steel supply question.", v2.Feedback)
	assert.Contains(t, v2.Rationale, "Response to feedback: Added a separate step for steel supply")
	assert.Empty(t, s2.PendingFeedback)

	require.Len(t, s2.Decisions, 1)
	assert.Equal(t, models.DecisionModify, s2.Decisions[0].Kind)
	assert.Equal(t, 1, s2.Decisions[0].PlanVersion)

	// The prompt carried the prior plan and the feedback.
	calls := provider.Calls(llm.PurposePlan)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "Previous plan (version 1)")
	assert.Contains(t, calls[1].Prompt, "Separate the steel supply question.")

	_, err = env.mgr.ApproveSession(ctx, s.ID, 1)
	assert.ErrorIs(t, err, research.ErrStaleApproval)

	s3, err := env.mgr.RequestModification(ctx, s.ID, 2, "Tighten the chronology step.")
	require.NoError(t, err)
	assert.Equal(t, 3, s3.CurrentPlanVersion())
	assert.Len(t, s3.PlanVersions, 3)

	assert.Equal(t, []models.State{
		models.StatePlanPending, models.StatePlanReview,
		models.StatePlanPending, models.StatePlanReview,
		models.StatePlanPending, models.StatePlanReview,
	}, env.events.states(s.ID))
}

func TestRequestModification_EmptyFeedback(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	s := env.start(t)

	_, err := env.mgr.RequestModification(context.Background(), s.ID, 1, "  ")
	assert.ErrorIs(t, err, research.ErrValidation)
	assert.Equal(t, s.Revision, env.session(t, s.ID).Revision)
}

func TestRequestModification_FailureStaysPlanPending(t *testing.T) {
	provider := scriptedProvider()
	env := newTestEnv(t, provider)
	ctx := context.Background()
	s := env.start(t, "chronology", "causation")

	// A revision that ignores the feedback is rejected.
	provider.Reply(llm.PurposePlan, planTwoSteps)
	_, err := env.mgr.RequestModification(ctx, s.ID, 1, "Add a steel supply step.")
	require.Error(t, err)
	assert.ErrorIs(t, err, research.ErrPlanGeneration)

	pending := env.session(t, s.ID)
	assert.Equal(t, models.StatePlanPending, pending.State)
	assert.Equal(t, "Add a steel supply step.", pending.PendingFeedback)
	assert.Equal(t, 1, pending.CurrentPlanVersion())
	require.NotNil(t, pending.Failure)
	assert.Equal(t, models.FailurePlanGeneration, pending.Failure.Kind)

	_, err = env.mgr.ApproveSession(ctx, s.ID, 1)
	assert.ErrorIs(t, err, research.ErrConcurrentTransition)

	provider.Reply(llm.PurposePlan, planRevised)
	resumed, err := env.mgr.ResumeSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePlanReview, resumed.State)
	assert.Equal(t, 2, resumed.CurrentPlanVersion())
	assert.Equal(t, "Add a steel supply step.", resumed.CurrentPlan().Feedback)
	assert.Nil(t, resumed.Failure)
}

func TestScenario_Case42EndToEnd(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	ctx := context.Background()
	s := env.start(t, "chronology", "causation")

	approved, err := env.mgr.ApproveSession(ctx, s.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateResearching, approved.State)
	env.mgr.Wait()

	final := env.session(t, s.ID)
	require.Equal(t, models.StateCompleted, final.State)
	require.Len(t, final.Findings, 2)
	for i, f := range final.Findings {
		assert.Equal(t, i, f.StepIndex)
		assert.False(t, f.Degraded)
		assert.NotEmpty(t, f.SourceRefs)
	}
	assert.Contains(t, final.Findings[0].Content, "chronology")
	assert.Contains(t, final.Findings[1].Content, "caused")
	assert.Equal(t, []string{"EM-0001", "EM-0002", "PR-0001"}, sortedCopy(final.Findings[0].SourceRefs))

	status, err := env.mgr.GetSessionStatus(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, final.SourcesAnalyzed(), status.SourcesAnalyzed)
	assert.GreaterOrEqual(t, status.SourcesAnalyzed, 3)

	report, err := env.mgr.GetSessionReport(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, report.Themes, 1)
	assert.Contains(t, strings.ToLower(report.Themes[0].Title), "causation")
	assert.Equal(t, []int{0, 1}, report.Themes[0].SupportingFindings)
	for _, th := range report.Themes {
		require.NotEmpty(t, th.SupportingFindings)
		for _, idx := range th.SupportingFindings {
			assert.Less(t, idx, len(final.Findings))
		}
	}
	for _, m := range final.ModelsUsed {
		assert.Contains(t, report.ModelsUsed, m)
	}
	assert.Contains(t, report.ModelsUsed, final.CurrentPlan().Model)
	require.NotNil(t, report.Validation)
	assert.True(t, report.Validation.Passed)
	assert.InDelta(t, 1.0, report.Validation.Coverage, 0.001)

	assert.Equal(t, []models.State{
		models.StatePlanPending, models.StatePlanReview, models.StateResearching,
		models.StateSynthesizing, models.StateCompleted,
	}, env.events.states(s.ID))

	// The causation step was given the chronology finding it depends on.
	var causation llm.Request
	for _, c := range env.llm.Calls(llm.PurposeResearch) {
		if strings.Contains(c.Prompt, "Identify what caused") {
			causation = c
		}
	}
	assert.Contains(t, causation.Prompt, "Findings from earlier steps")
}

func TestScenario_ConcurrentApprove(t *testing.T) {
	release := make(chan struct{})
	provider := scriptedProvider().On(llm.PurposeResearch, func(ctx context.Context, req llm.Request) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "facts", nil
	})
	env := newTestEnv(t, provider)
	s := env.start(t, "chronology", "causation")

	var wg sync.WaitGroup
	gate := make(chan struct{})
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			_, errs[i] = env.mgr.ApproveSession(context.Background(), s.ID, 1)
		}()
	}
	close(gate)
	wg.Wait()
	close(release)
	env.mgr.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, research.ErrConcurrentTransition):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflicts)

	final := env.session(t, s.ID)
	assert.Equal(t, models.StateCompleted, final.State)
	approvals := 0
	for _, d := range final.Decisions {
		if d.Kind == models.DecisionApprove {
			approvals++
		}
	}
	assert.Equal(t, 1, approvals)
}

func TestScenario_AllResearchDegraded(t *testing.T) {
	unreachable := &llm.TransientError{Provider: "fake", Err: errors.New("connection refused")}
	provider := scriptedProvider().Fail(llm.PurposeResearch, unreachable)
	env := newTestEnv(t, provider)
	ctx := context.Background()
	s := env.start(t, "chronology", "causation")

	_, err := env.mgr.ApproveSession(ctx, s.ID, 1)
	require.NoError(t, err)
	env.mgr.Wait()

	final := env.session(t, s.ID)
	assert.Equal(t, models.StateFailed, final.State)
	require.NotNil(t, final.Failure)
	assert.Equal(t, models.FailureResearchExhausted, final.Failure.Kind)
	assert.Contains(t, final.Failure.Message, research.ErrResearchExhausted.Error())
	assert.Contains(t, final.Failure.Message, "connection refused")
	require.NotNil(t, final.Failure.StepIndex)
	assert.Equal(t, 1, *final.Failure.StepIndex)
	assert.Nil(t, final.Report)

	require.Len(t, final.Findings, 2)
	for i, f := range final.Findings {
		assert.Equal(t, i, f.StepIndex)
		assert.True(t, f.Degraded)
		assert.Equal(t, 3, f.Attempts)
		assert.Contains(t, f.Error, "connection refused")
	}
	assert.Len(t, provider.Calls(llm.PurposeResearch), 6)
	assert.Empty(t, provider.Calls(llm.PurposeSynthesis))

	_, err = env.mgr.GetSessionReport(ctx, s.ID)
	assert.ErrorIs(t, err, research.ErrNotReady)
}

func TestResearch_PartialDegradationStillCompletes(t *testing.T) {
	provider := scriptedProvider().On(llm.PurposeResearch, func(_ context.Context, req llm.Request) (string, error) {
		if strings.Contains(req.Prompt, "Identify what caused") {
			return "", errors.New("content policy refusal")
		}
		return "Timeline established.", nil
	})
	env := newTestEnv(t, provider)
	ctx := context.Background()
	s := env.start(t, "chronology", "causation")

	_, err := env.mgr.ApproveSession(ctx, s.ID, 1)
	require.NoError(t, err)
	env.mgr.Wait()

	final := env.session(t, s.ID)
	require.Equal(t, models.StateCompleted, final.State)
	require.Len(t, final.Findings, 2)
	assert.False(t, final.Findings[0].Degraded)
	assert.True(t, final.Findings[1].Degraded)
	// Permanent errors are not retried.
	assert.Equal(t, 1, final.Findings[1].Attempts)

	// The theme cited findings 0 and 1; only the usable one survives.
	require.Len(t, final.Report.Themes, 1)
	assert.Equal(t, []int{0}, final.Report.Themes[0].SupportingFindings)
}

func TestSynthesisFailure_KeepsFindings(t *testing.T) {
	provider := scriptedProvider().Reply(llm.PurposeSynthesis, `{"themes":[{"title":"Nothing","narrative":"n","supporting_findings":[42]}]}`)
	env := newTestEnv(t, provider)
	ctx := context.Background()
	s := env.start(t, "chronology", "causation")

	_, err := env.mgr.ApproveSession(ctx, s.ID, 1)
	require.NoError(t, err)
	env.mgr.Wait()

	final := env.session(t, s.ID)
	assert.Equal(t, models.StateFailed, final.State)
	require.NotNil(t, final.Failure)
	assert.Equal(t, models.FailureSynthesis, final.Failure.Kind)
	assert.Len(t, final.Findings, 2)
	assert.Nil(t, final.Report)
}

func TestGetSessionStatus_DoesNotMutate(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	ctx := context.Background()
	s := env.start(t, "chronology")

	first, err := env.mgr.GetSessionStatus(ctx, s.ID)
	require.NoError(t, err)
	for range 5 {
		env.clock.Advance(time.Minute)
		again, err := env.mgr.GetSessionStatus(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, models.StatePlanReview, first.State)
	assert.Equal(t, 1, first.PlanVersion)
	assert.Equal(t, 0, first.FindingsCount)

	audit, err := env.mgr.GetSessionAudit(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 2)

	_, err = env.mgr.GetSessionStatus(ctx, "missing")
	assert.ErrorIs(t, err, research.ErrNotFound)
}

func TestCancelSession(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	ctx := context.Background()
	s := env.start(t)

	cancelled, err := env.mgr.CancelSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCancelled, cancelled.State)
	require.Len(t, cancelled.Decisions, 1)
	assert.Equal(t, models.DecisionCancel, cancelled.Decisions[0].Kind)

	_, err = env.mgr.CancelSession(ctx, s.ID)
	assert.ErrorIs(t, err, research.ErrAlreadyTerminal)

	_, err = env.mgr.ApproveSession(ctx, s.ID, 1)
	assert.ErrorIs(t, err, research.ErrConcurrentTransition)

	_, err = env.mgr.CancelSession(ctx, "missing")
	assert.ErrorIs(t, err, research.ErrNotFound)
}

func TestCancelSession_DuringResearch(t *testing.T) {
	started := make(chan struct{}, 4)
	provider := scriptedProvider().On(llm.PurposeResearch, func(ctx context.Context, req llm.Request) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	env := newTestEnv(t, provider)
	ctx := context.Background()
	s := env.start(t, "chronology", "causation")

	_, err := env.mgr.ApproveSession(ctx, s.ID, 1)
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("research never started")
	}

	_, err = env.mgr.CancelSession(ctx, s.ID)
	require.NoError(t, err)
	env.mgr.Wait()

	final := env.session(t, s.ID)
	assert.Equal(t, models.StateCancelled, final.State)
	assert.Empty(t, final.Findings)
	assert.Nil(t, final.Report)
	assert.Empty(t, provider.Calls(llm.PurposeSynthesis))
}

func TestListSessionHistory_NewestFirst(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	ctx := context.Background()
	first := env.start(t)
	env.clock.Advance(time.Second)
	second := env.start(t, "causation")

	list, err := env.mgr.ListSessionHistory(ctx, case42)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Equal(t, models.StatePlanReview, list[0].State)

	other, err := env.mgr.ListSessionHistory(ctx, case43)
	require.NoError(t, err)
	assert.Empty(t, other)

	_, err = env.mgr.ListSessionHistory(ctx, models.Scope{Kind: "matter", ID: "1"})
	assert.ErrorIs(t, err, research.ErrValidation)
}

func TestGetSessionAudit_RecordsEveryRevision(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	ctx := context.Background()
	s := env.start(t, "chronology", "causation")
	_, err := env.mgr.ApproveSession(ctx, s.ID, 1)
	require.NoError(t, err)
	env.mgr.Wait()

	audit, err := env.mgr.GetSessionAudit(ctx, s.ID)
	require.NoError(t, err)
	var states []models.State
	for i, snap := range audit {
		assert.Equal(t, int64(i+1), snap.Revision)
		if i > 0 {
			assert.False(t, snap.UpdatedAt.Before(audit[i-1].UpdatedAt))
		}
		if len(states) == 0 || states[len(states)-1] != snap.State {
			states = append(states, snap.State)
		}
	}
	assert.Equal(t, []models.State{
		models.StatePlanPending, models.StatePlanReview, models.StateResearching,
		models.StateSynthesizing, models.StateCompleted,
	}, states)

	_, err = env.mgr.GetSessionAudit(ctx, "missing")
	assert.ErrorIs(t, err, research.ErrNotFound)
}

func TestResume_ContinuesRemainingSteps(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	ctx := context.Background()
	planned := env.start(t, "chronology", "causation")

	// Simulate a crash after the first finding was committed.
	crashed := planned.Clone()
	crashed.ID = ""
	crashed.Revision = 1
	crashed.State = models.StateResearching
	crashed.Findings = []models.Finding{{StepIndex: 0, SourceRefs: []string{"PR-0001"}, Content: "Timeline.", Model: "fake/earlier"}}
	require.NoError(t, env.store.Put(ctx, crashed))

	before := len(env.llm.Calls(llm.PurposeResearch))
	n, err := env.mgr.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	env.mgr.Wait()

	final := env.session(t, crashed.ID)
	require.Equal(t, models.StateCompleted, final.State)
	require.Len(t, final.Findings, 2)
	assert.Equal(t, "Timeline.", final.Findings[0].Content)
	assert.Len(t, env.llm.Calls(llm.PurposeResearch), before+1)
	assert.Contains(t, final.Report.ModelsUsed, "fake/earlier")

	// plan_review sessions are left alone.
	assert.Equal(t, models.StatePlanReview, env.session(t, planned.ID).State)
}

func TestExpireStaleReviews(t *testing.T) {
	env := newTestEnv(t, scriptedProvider())
	ctx := context.Background()
	stale := env.start(t)
	env.clock.Advance(90 * time.Minute)
	fresh := env.start(t)

	n, err := env.mgr.ExpireStaleReviews(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = env.mgr.ExpireStaleReviews(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired := env.session(t, stale.ID)
	assert.Equal(t, models.StateCancelled, expired.State)
	require.Len(t, expired.Decisions, 1)
	assert.Equal(t, models.DecisionExpire, expired.Decisions[0].Kind)
	assert.Equal(t, models.StatePlanReview, env.session(t, fresh.ID).State)
}

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}
