package research

import (
	"fmt"
	"strings"

	"github.com/vericase/deepresearch/internal/corpus"
	"github.com/vericase/deepresearch/internal/models"
)

// buildPlanPrompt constructs the system and user prompts for plan generation.
func buildPlanPrompt(in PlanInput) (system string, user string) {
	var allowed string
	if len(in.FocusAreas) > 0 {
		names := make([]string, len(in.FocusAreas))
		for i, f := range in.FocusAreas {
			names[i] = `"` + string(f) + `"`
		}
		allowed = "one of " + strings.Join(names, ", ")
	} else {
		names := make([]string, len(models.FocusAreas))
		for i, f := range models.FocusAreas {
			names[i] = `"` + string(f) + `"`
		}
		allowed = `one of ` + strings.Join(names, ", ") + `, or "" for unrestricted`
	}
	types := make([]string, len(models.SourceTypes))
	for i, t := range models.SourceTypes {
		types[i] = `"` + string(t) + `"`
	}

	system = `You plan evidence research for construction and legal disputes. Given an investigative question and a summary of the available evidence, return ONLY a JSON object with these fields:
- "rationale": why the plan is structured this way
- "feedback_response": how this plan addresses the reviewer's feedback (empty string when there is no feedback)
- "steps": ordered array of objects, each with:
  - "description": what this step investigates
  - "focus_area": ` + allowed + `
  - "source_types": array drawn from ` + strings.Join(types, ", ") + ` (empty array means any)
  - "depends_on": array of zero-based indices of earlier steps whose findings this step needs

Rules:
- Produce at least one step and no more than eight
- Order steps so scoping and fact-finding come before analysis that depends on them
- Only reference evidence categories present in the summary
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Question: ")
	sb.WriteString(in.Topic)
	sb.WriteString("\n")
	if len(in.FocusAreas) > 0 {
		names := make([]string, len(in.FocusAreas))
		for i, f := range in.FocusAreas {
			names[i] = string(f)
		}
		sb.WriteString("Requested focus areas: ")
		sb.WriteString(strings.Join(names, ", "))
		sb.WriteString("\n")
	}
	if in.Summary != nil {
		sb.WriteString("\nEvidence summary:\n")
		sb.WriteString(in.Summary.Describe())
	}
	if in.Prior != nil {
		fmt.Fprintf(&sb, "\nPrevious plan (version %d):\n", in.Prior.Version)
		for i, st := range in.Prior.Steps {
			fmt.Fprintf(&sb, "%d. [%s] %s\n", i, focusLabel(st.FocusArea), st.Description)
		}
		sb.WriteString("\nReviewer feedback on the previous plan:\n")
		sb.WriteString(in.Feedback)
		sb.WriteString("\n\nRevise the plan to address this feedback and explain how in \"feedback_response\".\n")
	}
	user = sb.String()
	return
}

func focusLabel(f models.FocusArea) string {
	if f == "" {
		return "any"
	}
	return string(f)
}

// buildResearchPrompt constructs the prompts for one plan step.
func buildResearchPrompt(topic string, step models.Step, sources []corpus.Source, prior []models.Finding) (system string, user string) {
	system = `You analyse evidence for a construction or legal dispute. Using ONLY the sources provided, extract the facts relevant to the research step. Cite sources inline by their reference in square brackets, e.g. [EM-0001]. If the sources do not address the step, say so plainly. Do not speculate beyond the evidence.

Return ONLY a JSON object:
{"content": "findings with inline citations", "cited_refs": ["EM-0001"], "gaps": ["what the evidence does not show"], "confidence": "high|medium|low", "key_entities": ["people, companies, dates"]}`

	var sb strings.Builder
	sb.WriteString("Investigation: ")
	sb.WriteString(topic)
	sb.WriteString("\nResearch step: ")
	sb.WriteString(step.Description)
	fmt.Fprintf(&sb, "\nFocus area: %s\n", focusLabel(step.FocusArea))

	if len(prior) > 0 {
		sb.WriteString("\nFindings from earlier steps this step builds on:\n")
		for _, f := range prior {
			if f.Degraded {
				continue
			}
			fmt.Fprintf(&sb, "- Step %d: %s\n", f.StepIndex, f.Content)
		}
	}

	sb.WriteString("\nSources:\n")
	for _, src := range sources {
		fmt.Fprintf(&sb, "\n[%s] %s", src.Ref, src.SourceType)
		if src.Date != nil {
			fmt.Fprintf(&sb, " %s", src.Date.Format("2006-01-02"))
		}
		if src.Author != "" {
			fmt.Fprintf(&sb, " by %s", src.Author)
		}
		if src.Title != "" {
			fmt.Fprintf(&sb, " - %s", src.Title)
		}
		sb.WriteString("\n")
		sb.WriteString(src.Content)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// buildSynthesisPrompt constructs the prompts for report synthesis.
func buildSynthesisPrompt(topic string, plan *models.Plan, findings []models.Finding) (system string, user string) {
	system = `You write the final analysis for a construction or legal dispute investigation. Group the numbered findings into themes and return ONLY a JSON object:
{"themes": [{"title": "...", "narrative": "...", "supporting_findings": [0, 2]}]}

Rules:
- Every theme must cite at least one finding by its number in "supporting_findings"
- Only cite findings listed as available; never cite excluded findings
- Do not introduce facts that are not in the findings
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString("Investigation: ")
	sb.WriteString(topic)
	sb.WriteString("\n")
	if plan != nil && plan.Rationale != "" {
		sb.WriteString("Plan rationale: ")
		sb.WriteString(plan.Rationale)
		sb.WriteString("\n")
	}
	sb.WriteString("\nFindings:\n")
	for i, f := range findings {
		step := ""
		if plan != nil && f.StepIndex < len(plan.Steps) {
			step = plan.Steps[f.StepIndex].Description
		}
		if f.Degraded {
			fmt.Fprintf(&sb, "\n#%d (excluded: research failed) %s\n", i, step)
			continue
		}
		fmt.Fprintf(&sb, "\n#%d %s\n%s\n", i, step, f.Content)
	}
	user = sb.String()
	return
}
