// Package corpus is the read-only view of a case or project's evidentiary
// material: emails, documents, chronology entries, programmes, witness
// statements and drawings.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/vericase/deepresearch/internal/models"
)

// ErrScopeNotFound is returned when the case or project has no corpus.
var ErrScopeNotFound = errors.New("scope not found")

var errNotWritable = errors.New("corpus adapter is read-only")

// Summary describes a corpus by counts and date range, never by content.
type Summary struct {
	Scope        models.Scope              `json:"scope"`
	Name         string                    `json:"name,omitempty"`
	TotalItems   int                       `json:"total_items"`
	BySourceType map[models.SourceType]int `json:"by_source_type"`
	ByFocusArea  map[models.FocusArea]int  `json:"by_focus_area"`
	Earliest     *time.Time                `json:"earliest,omitempty"`
	Latest       *time.Time                `json:"latest,omitempty"`
}

// Describe renders the summary for inclusion in a planning prompt.
func (s *Summary) Describe() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Scope: %s", s.Scope)
	if s.Name != "" {
		fmt.Fprintf(&sb, " (%s)", s.Name)
	}
	fmt.Fprintf(&sb, "\nTotal items: %d\n", s.TotalItems)
	if s.Earliest != nil && s.Latest != nil {
		fmt.Fprintf(&sb, "Date range: %s to %s\n", s.Earliest.Format("2006-01-02"), s.Latest.Format("2006-01-02"))
	}
	if len(s.BySourceType) > 0 {
		sb.WriteString("By source type:")
		for _, k := range sortedKeys(s.BySourceType) {
			fmt.Fprintf(&sb, " %s=%d", k, s.BySourceType[k])
		}
		sb.WriteString("\n")
	}
	if len(s.ByFocusArea) > 0 {
		sb.WriteString("By focus area:")
		for _, k := range sortedKeys(s.ByFocusArea) {
			fmt.Fprintf(&sb, " %s=%d", k, s.ByFocusArea[k])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Source is one evidence item returned by a query.
type Source struct {
	Ref        string             `json:"ref" yaml:"ref"`
	SourceType models.SourceType  `json:"source_type" yaml:"source_type"`
	FocusAreas []models.FocusArea `json:"focus_areas,omitempty" yaml:"focus_areas"`
	Title      string             `json:"title,omitempty" yaml:"title"`
	Author     string             `json:"author,omitempty" yaml:"author"`
	Date       *time.Time         `json:"date,omitempty" yaml:"-"`
	Content    string             `json:"content" yaml:"content"`
}

// QueryRequest selects sources for one research step. Empty FocusArea and
// SourceTypes match everything.
type QueryRequest struct {
	Scope       models.Scope
	FocusArea   models.FocusArea
	SourceTypes []models.SourceType
	Limit       int
}

// Matches reports whether src satisfies the request filters.
func (q QueryRequest) Matches(src Source) bool {
	if q.FocusArea != "" && !slices.Contains(src.FocusAreas, q.FocusArea) {
		return false
	}
	if len(q.SourceTypes) > 0 && !slices.Contains(q.SourceTypes, src.SourceType) {
		return false
	}
	return true
}

// Adapter is the read-only capability the research pipeline consumes.
type Adapter interface {
	Summarize(ctx context.Context, scope models.Scope) (*Summary, error)
	Query(ctx context.Context, req QueryRequest) ([]Source, error)
}

// Writer loads evidence into a corpus. Used by fixture import only.
type Writer interface {
	Upsert(ctx context.Context, scope models.Scope, name string, items []Source) error
}

func summarize(scope models.Scope, name string, items []Source) *Summary {
	s := &Summary{
		Scope:        scope,
		Name:         name,
		TotalItems:   len(items),
		BySourceType: make(map[models.SourceType]int),
		ByFocusArea:  make(map[models.FocusArea]int),
	}
	for _, it := range items {
		s.BySourceType[it.SourceType]++
		for _, f := range it.FocusAreas {
			s.ByFocusArea[f]++
		}
		if it.Date == nil {
			continue
		}
		d := *it.Date
		if s.Earliest == nil || d.Before(*s.Earliest) {
			s.Earliest = &d
		}
		if s.Latest == nil || d.After(*s.Latest) {
			s.Latest = &d
		}
	}
	return s
}

// sortSources orders by date (undated last) then ref, so queries are deterministic.
func sortSources(items []Source) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Date, items[j].Date
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return items[i].Ref < items[j].Ref
	})
}
