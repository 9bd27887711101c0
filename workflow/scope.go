package workflow

import (
	"maps"
	"sync"
)

// Scope holds run variables. Reads fall through to the parent scope; writes
// stay local until the scope is merged. Parallel branches each get a child
// scope that is merged into the parent at the join in branch-index order.
type Scope struct {
	parent *Scope
	mu     sync.RWMutex
	vars   map[string]any
}

// NewScope creates a root scope seeded with vars.
func NewScope(vars map[string]any) *Scope {
	s := &Scope{vars: make(map[string]any, len(vars))}
	maps.Copy(s.vars, vars)
	return s
}

// Get returns the nearest value for key.
func (s *Scope) Get(key string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.vars[key]
		cur.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes key in this scope. Last write wins.
func (s *Scope) Set(key string, value any) {
	s.mu.Lock()
	s.vars[key] = value
	s.mu.Unlock()
}

// Snapshot flattens the scope chain into one map, inner values winning.
func (s *Scope) Snapshot() map[string]any {
	var chain []*Scope
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	out := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		chain[i].mu.RLock()
		maps.Copy(out, chain[i].vars)
		chain[i].mu.RUnlock()
	}
	return out
}

// Local returns a copy of the variables written in this scope only.
func (s *Scope) Local() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.vars)
}

func (s *Scope) fork() *Scope {
	return &Scope{parent: s, vars: make(map[string]any)}
}

// mergeBranches applies branch-local writes to s in slice order, so a later
// branch index wins on conflicting keys.
func (s *Scope) mergeBranches(branches []*Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range branches {
		b.mu.RLock()
		maps.Copy(s.vars, b.vars)
		b.mu.RUnlock()
	}
}
