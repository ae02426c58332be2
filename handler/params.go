package handler

import (
	"context"
	"sync"
)

// ModelParam is a per-model request-parameter default/ceiling pair, keyed
// by parameter name ("max_tokens" today).
type ModelParam struct {
	Value int
	Max   int
}

// defaultMaxTokens is the fallback used when no per-model override exists,
// matching the original's ModelParam(key='max_tokens', value='4096', max='8192').
var defaultMaxTokens = ModelParam{Value: 4096, Max: 8192}

// ParamSource looks up a model's max_tokens override from its backing
// store (an external collaborator — channel/model CRUD owns the table).
type ParamSource interface {
	MaxTokens(ctx context.Context, model string) (ModelParam, bool, error)
}

// ParamTable caches ParamSource lookups in process; a nil source (or a
// lookup miss) always resolves to defaultMaxTokens.
type ParamTable struct {
	source ParamSource

	mu    sync.RWMutex
	cache map[string]ModelParam
}

// NewParamTable builds a table over an optional source; pass nil to
// always fall back to the default 4096/8192 pair.
func NewParamTable(source ParamSource) *ParamTable {
	return &ParamTable{source: source, cache: make(map[string]ModelParam)}
}

// MaxTokens returns the effective default/ceiling pair for model.
func (t *ParamTable) MaxTokens(ctx context.Context, model string) ModelParam {
	t.mu.RLock()
	if p, ok := t.cache[model]; ok {
		t.mu.RUnlock()
		return p
	}
	t.mu.RUnlock()

	if t.source == nil {
		return defaultMaxTokens
	}

	p, found, err := t.source.MaxTokens(ctx, model)
	if err != nil || !found {
		return defaultMaxTokens
	}

	t.mu.Lock()
	t.cache[model] = p
	t.mu.Unlock()
	return p
}

// Evict drops model's cached parameter entry, for the C1 event-bus
// invalidation path when a model's parameters are edited.
func (t *ParamTable) Evict(model string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cache, model)
}
