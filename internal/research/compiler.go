package research

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vericase/deepresearch/internal/llm"
	"github.com/vericase/deepresearch/internal/models"
)

// MinCitationCoverage is the share of usable findings a report must cite to
// pass validation.
const MinCitationCoverage = 0.5

// CompileInput is the material for a final report.
type CompileInput struct {
	Topic      string
	Plan       *models.Plan
	Findings   []models.Finding
	ModelsUsed []string
}

// Compiler synthesizes findings into a themed report.
type Compiler struct {
	provider  llm.Provider
	retry     RetryPolicy
	maxTokens int
	now       func() time.Time
	log       *zap.Logger
}

// NewCompiler creates a report compiler backed by provider.
func NewCompiler(provider llm.Provider, retry RetryPolicy, maxTokens int, log *zap.Logger) *Compiler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{
		provider:  provider,
		retry:     retry,
		maxTokens: maxTokens,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log,
	}
}

type synthesisReply struct {
	Themes []struct {
		Title              string `json:"title"`
		Narrative          string `json:"narrative"`
		SupportingFindings []int  `json:"supporting_findings"`
	} `json:"themes"`
}

// Synthesize builds the report. Errors wrap ErrSynthesis.
func (c *Compiler) Synthesize(ctx context.Context, in CompileInput) (*models.Report, error) {
	usable := usableFindings(in.Findings)
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: no usable findings", ErrSynthesis)
	}

	system, user := buildSynthesisPrompt(in.Topic, in.Plan, in.Findings)
	resp, attempts, err := c.retry.complete(ctx, c.provider, llm.Request{
		Purpose:   llm.PurposeSynthesis,
		System:    system,
		Prompt:    user,
		MaxTokens: c.maxTokens,
	}, func(err error, wait time.Duration) {
		c.log.Warn("synthesis attempt failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: after %d attempt(s): %w", ErrSynthesis, attempts, err)
	}

	var reply synthesisReply
	if err := llm.DecodeJSON(resp.Text, &reply); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	var themes []models.Theme
	for _, t := range reply.Themes {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			continue
		}
		var cites []int
		for _, idx := range t.SupportingFindings {
			if slices.Contains(usable, idx) && !slices.Contains(cites, idx) {
				cites = append(cites, idx)
			}
		}
		if len(cites) == 0 {
			c.log.Debug("dropping uncited theme", zap.String("title", title))
			continue
		}
		slices.Sort(cites)
		themes = append(themes, models.Theme{
			Title:              title,
			Narrative:          strings.TrimSpace(t.Narrative),
			SupportingFindings: cites,
		})
	}
	if len(themes) == 0 {
		return nil, fmt.Errorf("%w: no theme cites a usable finding", ErrSynthesis)
	}

	used := slices.Clone(in.ModelsUsed)
	add := func(m string) {
		if m != "" && !slices.Contains(used, m) {
			used = append(used, m)
		}
	}
	if in.Plan != nil {
		add(in.Plan.Model)
	}
	for _, f := range in.Findings {
		add(f.Model)
	}
	add(resp.Model)
	slices.Sort(used)

	return &models.Report{
		Themes:      themes,
		GeneratedAt: c.now(),
		ModelsUsed:  used,
		Validation:  validateCitations(themes, usable),
	}, nil
}

func usableFindings(findings []models.Finding) []int {
	var idx []int
	for i, f := range findings {
		if !f.Degraded {
			idx = append(idx, i)
		}
	}
	return idx
}

// validateCitations measures how many usable findings the themes cite.
func validateCitations(themes []models.Theme, usable []int) *models.Validation {
	var cited []int
	for _, t := range themes {
		for _, idx := range t.SupportingFindings {
			if !slices.Contains(cited, idx) {
				cited = append(cited, idx)
			}
		}
	}
	slices.Sort(cited)
	var uncited []int
	for _, idx := range usable {
		if !slices.Contains(cited, idx) {
			uncited = append(uncited, idx)
		}
	}
	v := &models.Validation{CitedFindings: cited, UncitedFindings: uncited}
	if len(usable) > 0 {
		v.Coverage = float64(len(cited)) / float64(len(usable))
	}
	v.Passed = v.Coverage >= MinCitationCoverage
	return v
}
