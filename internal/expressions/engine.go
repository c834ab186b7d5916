// Package expressions compiles and evaluates the three policy languages the
// service accepts from operators: CEL for role binding conditions, expr for
// retention policies, and jq for audit queries.
package expressions

import (
	"context"
	"sync"
)

// Engine evaluates an expression against a data map.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// programCache holds compiled programs keyed by source text.
// Safe for concurrent use.
type programCache[P any] struct {
	mu    sync.RWMutex
	cache map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{cache: make(map[string]P)}
}

// getOrCompile returns a cached program or compiles and caches a new one.
func (c *programCache[P]) getOrCompile(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	if prg, ok := c.cache[expression]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := c.cache[expression]; ok {
		return prg, nil
	}
	prg, err := compile(expression)
	if err != nil {
		return prg, err
	}
	c.cache[expression] = prg
	return prg, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
