package research

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/vericase/deepresearch/internal/corpus"
	"github.com/vericase/deepresearch/internal/llm"
	"github.com/vericase/deepresearch/internal/models"
)

// ExecInput describes one research run. Completed holds findings already
// recorded for the leading steps of Plan; those steps are not re-run.
type ExecInput struct {
	SessionID string
	Scope     models.Scope
	Topic     string
	Plan      *models.Plan
	Completed []models.Finding

	// Commit is called with each new batch of findings that extends the
	// recorded prefix. Batches arrive in step order and never overlap.
	Commit func(ctx context.Context, batch []models.Finding) error
}

// Executor runs plan steps against the corpus and the model.
type Executor struct {
	corpus         corpus.Adapter
	provider       llm.Provider
	retry          RetryPolicy
	concurrency    int
	sourcesPerStep int
	maxTokens      int
	log            *zap.Logger
}

// NewExecutor creates an executor. concurrency bounds in-flight steps.
func NewExecutor(corp corpus.Adapter, provider llm.Provider, retry RetryPolicy, concurrency, sourcesPerStep, maxTokens int, log *zap.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		corpus:         corp,
		provider:       provider,
		retry:          retry,
		concurrency:    concurrency,
		sourcesPerStep: sourcesPerStep,
		maxTokens:      maxTokens,
		log:            log,
	}
}

// Execute runs every step not already in Completed and returns the full,
// step-ordered finding list. Step failures become degraded findings; only
// context cancellation and Commit errors abort the run.
func (e *Executor) Execute(ctx context.Context, in ExecInput) ([]models.Finding, error) {
	if in.Plan == nil {
		return nil, fmt.Errorf("execute: no plan")
	}
	steps := in.Plan.Steps
	n := len(steps)
	if len(in.Completed) > n {
		return nil, fmt.Errorf("execute: %d findings recorded for a %d-step plan", len(in.Completed), n)
	}

	slots := make([]*models.Finding, n)
	done := make([]chan struct{}, n)
	for i := range done {
		done[i] = make(chan struct{})
	}
	for i := range in.Completed {
		f := in.Completed[i]
		slots[i] = &f
		close(done[i])
	}

	var mu sync.Mutex
	committed := len(in.Completed)
	sem := semaphore.NewWeighted(int64(e.concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i := len(in.Completed); i < n; i++ {
		g.Go(func() error {
			for _, d := range steps[i].DependsOn {
				select {
				case <-done[d]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			mu.Lock()
			prior := make([]models.Finding, 0, len(steps[i].DependsOn))
			for _, d := range steps[i].DependsOn {
				prior = append(prior, *slots[d])
			}
			mu.Unlock()

			f, err := e.runStep(gctx, in, i, prior)
			sem.Release(1)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			slots[i] = &f
			close(done[i])

			var batch []models.Finding
			for committed+len(batch) < n && slots[committed+len(batch)] != nil {
				batch = append(batch, *slots[committed+len(batch)])
			}
			if len(batch) == 0 || in.Commit == nil {
				committed += len(batch)
				return nil
			}
			if err := in.Commit(gctx, batch); err != nil {
				return err
			}
			committed += len(batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]models.Finding, n)
	for i, f := range slots {
		out[i] = *f
	}
	return out, nil
}

func (e *Executor) runStep(ctx context.Context, in ExecInput, idx int, prior []models.Finding) (models.Finding, error) {
	step := in.Plan.Steps[idx]
	log := e.log.With(zap.String("session", in.SessionID), zap.Int("step", idx))

	sources, err := e.corpus.Query(ctx, corpus.QueryRequest{
		Scope:       in.Scope,
		FocusArea:   step.FocusArea,
		SourceTypes: step.SourceTypes,
		Limit:       e.sourcesPerStep,
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.Finding{}, ctx.Err()
		}
		log.Warn("corpus query failed", zap.Error(err))
		return models.Finding{
			StepIndex:  idx,
			SourceRefs: []string{},
			Content:    "Evidence could not be retrieved for this step.",
			Degraded:   true,
			Error:      err.Error(),
		}, nil
	}

	refs := make([]string, len(sources))
	for i, s := range sources {
		refs[i] = s.Ref
	}
	if len(sources) == 0 {
		log.Debug("no sources matched step")
		return models.Finding{
			StepIndex:  idx,
			SourceRefs: refs,
			Content:    "No evidence in the corpus matched this step.",
		}, nil
	}

	system, user := buildResearchPrompt(in.Topic, step, sources, prior)
	resp, attempts, err := e.retry.complete(ctx, e.provider, llm.Request{
		Purpose:   llm.PurposeResearch,
		System:    system,
		Prompt:    user,
		MaxTokens: e.maxTokens,
	}, func(err error, wait time.Duration) {
		log.Warn("research attempt failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		if ctx.Err() != nil {
			return models.Finding{}, ctx.Err()
		}
		log.Warn("research step degraded", zap.Int("attempts", attempts), zap.Error(err))
		return models.Finding{
			StepIndex:  idx,
			SourceRefs: refs,
			Content:    fmt.Sprintf("Research for this step could not be completed after %d attempt(s).", attempts),
			Degraded:   true,
			Attempts:   attempts,
			Error:      err.Error(),
		}, nil
	}

	reply := parseResearchReply(resp.Text, refs)
	log.Debug("research step complete",
		zap.Int("sources", len(sources)),
		zap.Int("cited", len(reply.CitedRefs)),
		zap.String("model", resp.Model))
	return models.Finding{
		StepIndex:   idx,
		SourceRefs:  refs,
		CitedRefs:   reply.CitedRefs,
		Content:     reply.Content,
		Gaps:        reply.Gaps,
		Confidence:  models.ParseConfidence(reply.Confidence),
		KeyEntities: reply.KeyEntities,
		Model:       resp.Model,
		Attempts:    attempts,
	}, nil
}

type researchReply struct {
	Content     string   `json:"content"`
	CitedRefs   []string `json:"cited_refs"`
	Gaps        []string `json:"gaps"`
	Confidence  string   `json:"confidence"`
	KeyEntities []string `json:"key_entities"`
}

var inlineRef = regexp.MustCompile(`\[([^\[\]\s]+)\]`)

// parseResearchReply decodes the structured reply, treating anything that is
// not the expected JSON as plain findings text. Cited refs are limited to the
// sources the step was given; when none are listed they are read from the
// inline [REF] markers in the content.
func parseResearchReply(text string, refs []string) researchReply {
	var r researchReply
	if err := llm.DecodeJSON(text, &r); err != nil || strings.TrimSpace(r.Content) == "" {
		r = researchReply{Content: strings.TrimSpace(text)}
	}

	known := make(map[string]bool, len(refs))
	for _, ref := range refs {
		known[ref] = true
	}
	claimed := r.CitedRefs
	if len(claimed) == 0 {
		for _, m := range inlineRef.FindAllStringSubmatch(r.Content, -1) {
			claimed = append(claimed, m[1])
		}
	}
	r.CitedRefs = nil
	for _, ref := range claimed {
		ref = strings.TrimSpace(ref)
		if known[ref] && !slices.Contains(r.CitedRefs, ref) {
			r.CitedRefs = append(r.CitedRefs, ref)
		}
	}
	return r
}
