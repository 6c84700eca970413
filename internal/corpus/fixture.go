package corpus

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vericase/deepresearch/internal/models"
)

// Fixture is the YAML import format for local corpora.
//
//	scopes:
//	  - kind: case
//	    id: "42"
//	    name: Riverside Phase 2
//	    items:
//	      - ref: EM-0001
//	        source_type: email
//	        focus_areas: [chronology, communications]
//	        date: 2024-03-01
//	        title: Programme slippage
//	        content: ...
type Fixture struct {
	Scopes []FixtureScope `yaml:"scopes"`
}

// FixtureScope is one case or project in a fixture file.
type FixtureScope struct {
	Kind  models.ScopeKind `yaml:"kind"`
	ID    string           `yaml:"id"`
	Name  string           `yaml:"name"`
	Items []FixtureItem    `yaml:"items"`
}

// FixtureItem is an evidence item with its date kept as text.
type FixtureItem struct {
	Source `yaml:",inline"`
	Date   string `yaml:"date"`
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02", "02/01/2006"}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", s)
}

// LoadFixture decodes and validates a fixture.
func LoadFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	for i, sc := range f.Scopes {
		scope := models.Scope{Kind: sc.Kind, ID: sc.ID}
		if err := scope.Validate(); err != nil {
			return nil, fmt.Errorf("scope %d: %w", i, err)
		}
		for j, it := range sc.Items {
			if it.Ref == "" {
				return nil, fmt.Errorf("%s item %d: ref is required", scope, j)
			}
			if !it.SourceType.Valid() {
				return nil, fmt.Errorf("%s item %s: unknown source type %q", scope, it.Ref, it.SourceType)
			}
			for _, fa := range it.FocusAreas {
				if !fa.Valid() {
					return nil, fmt.Errorf("%s item %s: unknown focus area %q", scope, it.Ref, fa)
				}
			}
			if _, err := parseDate(it.Date); err != nil {
				return nil, fmt.Errorf("%s item %s: %w", scope, it.Ref, err)
			}
		}
	}
	return &f, nil
}

// LoadFixtureFile reads a fixture from disk.
func LoadFixtureFile(path string) (*Fixture, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer fh.Close()
	return LoadFixture(fh)
}

// Apply writes every scope in the fixture to w. It returns the number of items written.
func (f *Fixture) Apply(ctx context.Context, w Writer) (int, error) {
	total := 0
	for _, sc := range f.Scopes {
		scope := models.Scope{Kind: sc.Kind, ID: sc.ID}
		items := make([]Source, 0, len(sc.Items))
		for _, it := range sc.Items {
			src := it.Source
			d, err := parseDate(it.Date)
			if err != nil {
				return total, err
			}
			src.Date = d
			items = append(items, src)
		}
		if err := w.Upsert(ctx, scope, sc.Name, items); err != nil {
			return total, fmt.Errorf("import %s: %w", scope, err)
		}
		total += len(items)
	}
	return total, nil
}
