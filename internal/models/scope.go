package models

import (
	"fmt"
	"slices"
	"strings"
)

// ScopeKind distinguishes case scopes from project scopes.
type ScopeKind string

const (
	ScopeCase    ScopeKind = "case"
	ScopeProject ScopeKind = "project"
)

// Scope binds a session to exactly one case or one project.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// String renders the scope as "kind:id".
func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// Validate checks that the scope names exactly one case or project.
func (s Scope) Validate() error {
	if s.Kind != ScopeCase && s.Kind != ScopeProject {
		return fmt.Errorf("scope kind must be %q or %q, got %q", ScopeCase, ScopeProject, s.Kind)
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("scope id is required")
	}
	return nil
}

// ParseScope parses "case:42" or "project:abc".
func ParseScope(s string) (Scope, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope %q: expected kind:id", s)
	}
	sc := Scope{Kind: ScopeKind(strings.ToLower(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	if err := sc.Validate(); err != nil {
		return Scope{}, err
	}
	return sc, nil
}

// FocusArea is an enumerated research tag.
type FocusArea string

const (
	FocusChronology     FocusArea = "chronology"
	FocusCausation      FocusArea = "causation"
	FocusLiability      FocusArea = "liability"
	FocusQuantum        FocusArea = "quantum"
	FocusCommunications FocusArea = "communications"
	FocusVariations     FocusArea = "variations"
	FocusProgramme      FocusArea = "programme"
	FocusWitnesses      FocusArea = "witnesses"
)

// FocusAreas lists every recognized focus area in canonical order.
var FocusAreas = []FocusArea{
	FocusChronology, FocusCausation, FocusLiability, FocusQuantum,
	FocusCommunications, FocusVariations, FocusProgramme, FocusWitnesses,
}

// Valid reports whether f is a recognized tag.
func (f FocusArea) Valid() bool {
	return slices.Contains(FocusAreas, f)
}

// ParseFocusAreas normalizes and deduplicates tags, returning an error naming
// the first unrecognized one.
func ParseFocusAreas(raw []string) ([]FocusArea, error) {
	out := make([]FocusArea, 0, len(raw))
	for _, r := range raw {
		f := FocusArea(strings.ToLower(strings.TrimSpace(r)))
		if f == "" {
			continue
		}
		if !f.Valid() {
			return nil, fmt.Errorf("unrecognized focus area %q", r)
		}
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out, nil
}

// SourceType is a category of evidentiary material in the corpus.
type SourceType string

const (
	SourceEmail            SourceType = "email"
	SourceDocument         SourceType = "document"
	SourceChronology       SourceType = "chronology"
	SourceProgramme        SourceType = "programme"
	SourceWitnessStatement SourceType = "witness_statement"
	SourceDrawing          SourceType = "drawing"
)

// SourceTypes lists every recognized source type.
var SourceTypes = []SourceType{
	SourceEmail, SourceDocument, SourceChronology,
	SourceProgramme, SourceWitnessStatement, SourceDrawing,
}

// Valid reports whether t is a recognized source type.
func (t SourceType) Valid() bool {
	return slices.Contains(SourceTypes, t)
}
