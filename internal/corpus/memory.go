package corpus

import (
	"context"
	"fmt"
	"sync"

	"github.com/vericase/deepresearch/internal/models"
)

// Memory is an in-process corpus, populated from fixtures.
type Memory struct {
	mu     sync.RWMutex
	scopes map[models.Scope]*memScope
}

type memScope struct {
	name  string
	items []Source
}

// NewMemory returns an empty in-memory corpus.
func NewMemory() *Memory {
	return &Memory{scopes: make(map[models.Scope]*memScope)}
}

// Upsert replaces items by ref within scope, creating the scope if needed.
func (m *Memory) Upsert(_ context.Context, scope models.Scope, name string, items []Source) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scopes[scope]
	if !ok {
		sc = &memScope{}
		m.scopes[scope] = sc
	}
	if name != "" {
		sc.name = name
	}
	for _, it := range items {
		replaced := false
		for i := range sc.items {
			if sc.items[i].Ref == it.Ref {
				sc.items[i] = it
				replaced = true
				break
			}
		}
		if !replaced {
			sc.items = append(sc.items, it)
		}
	}
	sortSources(sc.items)
	return nil
}

func (m *Memory) Summarize(_ context.Context, scope models.Scope) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, scope)
	}
	return summarize(scope, sc.name, sc.items), nil
}

func (m *Memory) Query(_ context.Context, req QueryRequest) ([]Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scopes[req.Scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, req.Scope)
	}
	var out []Source
	for _, it := range sc.items {
		if !req.Matches(it) {
			continue
		}
		out = append(out, it)
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}
