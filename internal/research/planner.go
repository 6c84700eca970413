package research

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/corpus"
	"github.com/vericase/deepresearch/internal/llm"
	"github.com/vericase/deepresearch/internal/models"
)

// PlanInput is everything the planner may look at. Summary carries counts and
// date ranges only.
type PlanInput struct {
	Topic      string
	FocusAreas []models.FocusArea
	Summary    *corpus.Summary
	Prior      *models.Plan
	Feedback   string
}

// Planner turns a question into a versioned, dependency-ordered plan.
type Planner struct {
	provider  llm.Provider
	retry     RetryPolicy
	maxTokens int
	now       func() time.Time
	log       *zap.Logger
}

// NewPlanner creates a planner backed by provider.
func NewPlanner(provider llm.Provider, retry RetryPolicy, maxTokens int, log *zap.Logger) *Planner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Planner{
		provider:  provider,
		retry:     retry,
		maxTokens: maxTokens,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

type planReply struct {
	Rationale        string      `json:"rationale"`
	FeedbackResponse string      `json:"feedback_response"`
	Steps            []stepReply `json:"steps"`
}

type stepReply struct {
	Description string   `json:"description"`
	FocusArea   string   `json:"focus_area"`
	SourceTypes []string `json:"source_types"`
	DependsOn   []int    `json:"depends_on"`
}

// Generate asks the model for a plan and normalizes it. Errors wrap ErrPlanGeneration.
func (p *Planner) Generate(ctx context.Context, in PlanInput) (*models.Plan, error) {
	if strings.TrimSpace(in.Topic) == "" {
		return nil, validationErr("topic", "must not be empty")
	}
	revising := in.Prior != nil
	if revising && strings.TrimSpace(in.Feedback) == "" {
		return nil, validationErr("feedback", "must not be empty")
	}

	system, user := buildPlanPrompt(in)
	resp, attempts, err := p.retry.complete(ctx, p.provider, llm.Request{
		Purpose:   llm.PurposePlan,
		System:    system,
		Prompt:    user,
		MaxTokens: p.maxTokens,
	}, func(err error, wait time.Duration) {
		p.log.Warn("plan generation attempt failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: after %d attempt(s): %w", ErrPlanGeneration, attempts, err)
	}

	var reply planReply
	if err := llm.DecodeJSON(resp.Text, &reply); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanGeneration, err)
	}

	steps, err := normalizeSteps(reply.Steps, in.FocusAreas)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanGeneration, err)
	}

	plan := &models.Plan{
		Version:   1,
		Steps:     steps,
		Rationale: strings.TrimSpace(reply.Rationale),
		Model:     resp.Model,
		CreatedAt: p.now(),
	}
	if revising {
		answer := strings.TrimSpace(reply.FeedbackResponse)
		if answer == "" {
			return nil, fmt.Errorf("%w: revised plan does not address the feedback", ErrPlanGeneration)
		}
		plan.Version = in.Prior.Version + 1
		plan.Feedback = in.Feedback
		if plan.Rationale == "" {
			plan.Rationale = "Response to feedback: " + answer
		} else {
			plan.Rationale += "\n\nResponse to feedback: " + answer
		}
	}
	return plan, nil
}

// normalizeSteps filters steps to the allowed focus areas, drops unknown
// source types, and orders steps so every dependency precedes its dependents.
func normalizeSteps(raw []stepReply, allowed []models.FocusArea) ([]models.Step, error) {
	if len(raw) == 0 {
		return nil, errors.New("plan has no steps")
	}

	// Validate dependency references against the model's own numbering first.
	for i, r := range raw {
		for _, d := range r.DependsOn {
			if d < 0 || d >= len(raw) || d == i {
				return nil, fmt.Errorf("step %d depends on invalid step %d", i, d)
			}
		}
	}

	keep := make([]bool, len(raw))
	steps := make([]models.Step, len(raw))
	for i, r := range raw {
		desc := strings.TrimSpace(r.Description)
		if desc == "" {
			continue
		}
		fa := models.FocusArea(strings.ToLower(strings.TrimSpace(r.FocusArea)))
		if len(allowed) > 0 {
			if !slices.Contains(allowed, fa) {
				continue
			}
		} else if !fa.Valid() {
			fa = ""
		}
		var types []models.SourceType
		for _, t := range r.SourceTypes {
			st := models.SourceType(strings.ToLower(strings.TrimSpace(t)))
			if st.Valid() && !slices.Contains(types, st) {
				types = append(types, st)
			}
		}
		keep[i] = true
		steps[i] = models.Step{Description: desc, FocusArea: fa, SourceTypes: types}
	}

	// Kahn's algorithm over kept steps, always taking the lowest ready index so
	// the model's order is preserved where dependencies allow.
	indeg := make([]int, len(raw))
	dependents := make([][]int, len(raw))
	deps := make([][]int, len(raw))
	for i, r := range raw {
		if !keep[i] {
			continue
		}
		for _, d := range r.DependsOn {
			if !keep[d] || slices.Contains(deps[i], d) {
				continue
			}
			deps[i] = append(deps[i], d)
			dependents[d] = append(dependents[d], i)
			indeg[i]++
		}
	}

	var ready, order []int
	for i := range raw {
		if keep[i] && indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		slices.Sort(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}

	kept := 0
	for _, k := range keep {
		if k {
			kept++
		}
	}
	if kept == 0 {
		return nil, errors.New("no steps match the requested focus areas")
	}
	if len(order) != kept {
		return nil, errors.New("plan dependencies contain a cycle")
	}

	position := make(map[int]int, len(order))
	for pos, orig := range order {
		position[orig] = pos
	}
	out := make([]models.Step, len(order))
	for pos, orig := range order {
		st := steps[orig]
		for _, d := range deps[orig] {
			st.DependsOn = append(st.DependsOn, position[d])
		}
		slices.Sort(st.DependsOn)
		out[pos] = st
	}
	return out, nil
}
