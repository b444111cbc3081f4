package expressions

import "sync"

// compileCache memoizes compiled programs keyed by expression text. All
// engines compile once and evaluate many times, so lookups take the read
// lock and only a miss pays for compilation.
type compileCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newCompileCache[P any]() *compileCache[P] {
	return &compileCache[P]{programs: make(map[string]P)}
}

// fetch returns the cached program for expression, compiling it on a miss.
// Concurrent misses may both compile; only one result is kept.
func (c *compileCache[P]) fetch(expression string, compile func() (P, error)) (P, error) {
	c.mu.RLock()
	prg, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	compiled, err := compile()
	if err != nil {
		var zero P
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[expression]; ok {
		return prg, nil
	}
	c.programs[expression] = compiled
	return compiled, nil
}
