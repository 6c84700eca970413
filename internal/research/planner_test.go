package research

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/llm"
	"github.com/vericase/deepresearch/internal/llm/llmtest"
	"github.com/vericase/deepresearch/internal/models"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func TestNormalizeSteps_TopologicalOrder(t *testing.T) {
	raw := []stepReply{
		{Description: "analyse causes", FocusArea: "causation", DependsOn: []int{2}},
		{Description: "collect witness accounts", FocusArea: "witnesses"},
		{Description: "build timeline", FocusArea: "Chronology", SourceTypes: []string{"email", "EMAIL", "fax"}},
	}
	steps, err := normalizeSteps(raw, nil)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, "collect witness accounts", steps[0].Description)
	assert.Equal(t, "build timeline", steps[1].Description)
	assert.Equal(t, "analyse causes", steps[2].Description)
	assert.Equal(t, []int{1}, steps[2].DependsOn)
	assert.Equal(t, models.FocusChronology, steps[1].FocusArea)
	assert.Equal(t, []models.SourceType{models.SourceEmail}, steps[1].SourceTypes)
}

func TestNormalizeSteps_FiltersFocusAreas(t *testing.T) {
	raw := []stepReply{
		{Description: "timeline", FocusArea: "chronology"},
		{Description: "costs", FocusArea: "quantum", DependsOn: []int{0}},
		{Description: "general sweep", FocusArea: ""},
		{Description: "causes", FocusArea: "causation", DependsOn: []int{1, 0}},
	}
	steps, err := normalizeSteps(raw, []models.FocusArea{models.FocusChronology, models.FocusCausation})
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "timeline", steps[0].Description)
	assert.Equal(t, "causes", steps[1].Description)
	// The dependency on the dropped quantum step is removed.
	assert.Equal(t, []int{0}, steps[1].DependsOn)
}

func TestNormalizeSteps_UnknownAreaUnrestricted(t *testing.T) {
	steps, err := normalizeSteps([]stepReply{{Description: "look around", FocusArea: "weather"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.FocusArea(""), steps[0].FocusArea)
}

func TestNormalizeSteps_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     []stepReply
		allowed []models.FocusArea
		want    string
	}{
		{"empty", nil, nil, "no steps"},
		{"self dependency", []stepReply{{Description: "a", DependsOn: []int{0}}}, nil, "invalid step"},
		{"out of range", []stepReply{{Description: "a", DependsOn: []int{3}}}, nil, "invalid step"},
		{"cycle", []stepReply{
			{Description: "a", DependsOn: []int{2}},
			{Description: "b", DependsOn: []int{0}},
			{Description: "c", DependsOn: []int{1}},
		}, nil, "cycle"},
		{"nothing in scope", []stepReply{{Description: "a", FocusArea: "quantum"}}, []models.FocusArea{models.FocusLiability}, "focus areas"},
		{"blank descriptions", []stepReply{{Description: "  "}}, nil, "focus areas"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalizeSteps(tt.raw, tt.allowed)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlanner_Generate(t *testing.T) {
	fake := llmtest.New("planner").Reply(llm.PurposePlan, `{"rationale":"timeline first","steps":[{"description":"timeline","focus_area":"chronology"}]}`)
	p := NewPlanner(fake, fastRetry(), 1024, zap.NewNop())
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	plan, err := p.Generate(context.Background(), PlanInput{Topic: "why late?"})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, "timeline first", plan.Rationale)
	assert.Equal(t, "fake/planner", plan.Model)
	assert.Equal(t, fixed, plan.CreatedAt)
	assert.Empty(t, plan.Feedback)

	calls := fake.Calls(llm.PurposePlan)
	require.Len(t, calls, 1)
	assert.Equal(t, 1024, calls[0].MaxTokens)
}

func TestPlanner_GenerateRevision(t *testing.T) {
	fake := llmtest.New("planner").Reply(llm.PurposePlan, `{"rationale":"","feedback_response":"added witnesses","steps":[{"description":"witnesses","focus_area":"witnesses"}]}`)
	p := NewPlanner(fake, fastRetry(), 0, nil)
	prior := &models.Plan{Version: 4, Steps: []models.Step{{Description: "timeline"}}}

	plan, err := p.Generate(context.Background(), PlanInput{Topic: "why late?", Prior: prior, Feedback: "include witnesses"})
	require.NoError(t, err)
	assert.Equal(t, 5, plan.Version)
	assert.Equal(t, "include witnesses", plan.Feedback)
	assert.Equal(t, "Response to feedback: added witnesses", plan.Rationale)

	_, err = p.Generate(context.Background(), PlanInput{Topic: "why late?", Prior: prior})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPlanner_RetriesTransientErrors(t *testing.T) {
	calls := 0
	fake := llmtest.New("planner").On(llm.PurposePlan, func(context.Context, llm.Request) (string, error) {
		calls++
		if calls < 3 {
			return "", &llm.TransientError{Provider: "fake", Err: errors.New("503")}
		}
		return `{"rationale":"ok","steps":[{"description":"timeline"}]}`, nil
	})
	p := NewPlanner(fake, fastRetry(), 0, nil)

	plan, err := p.Generate(context.Background(), PlanInput{Topic: "why late?"})
	require.NoError(t, err)
	assert.Len(t, plan.Steps, 1)
	assert.Equal(t, 3, calls)
}

func TestPlanner_UnreachableProvider(t *testing.T) {
	fake := llmtest.New("planner").Fail(llm.PurposePlan, &llm.TransientError{Provider: "fake", Err: errors.New("dial tcp: refused")})
	p := NewPlanner(fake, fastRetry(), 0, nil)

	_, err := p.Generate(context.Background(), PlanInput{Topic: "why late?"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPlanGeneration)
	assert.Contains(t, err.Error(), "after 3 attempt(s)")
	assert.Len(t, fake.Calls(llm.PurposePlan), 3)
}
