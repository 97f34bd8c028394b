// Package hook implements the page-hook collaborator named in spec.md §6:
// a registry mapping a guest virtual address to the hierarchy a violation
// touching it should switch into, chosen by a per-page rule from the
// access bits present and attempted.
package hook

import (
	"sync"

	"hypercore/internal/violation"
)

// Rule picks a target hierarchy for a hooked page given the access bits
// present before the fault and attempted by the faulting instruction.
// Most hooks only care about one bit (e.g. "switch to the shadow copy on
// any write attempt"); Rule lets a caller express that with a closure
// instead of a new type.
type Rule func(current int, ar, ac uint8) int

// SelectHierarchy implements violation.Hook.
func (r Rule) SelectHierarchy(current int, ar, ac uint8) int { return r(current, ar, ac) }

// Table is a concurrency-safe gva -> Rule table. The zero value is a
// usable empty registry.
type Table struct {
	mu    sync.RWMutex
	rules map[uint64]Rule
}

// NewTable returns an empty registry.
func NewTable() *Table {
	return &Table{rules: make(map[uint64]Rule)}
}

// Set installs or replaces the rule for gva. gva must already be page
// aligned; callers are responsible for rounding.
func (r *Table) Set(gva uint64, rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rules == nil {
		r.rules = make(map[uint64]Rule)
	}
	r.rules[gva] = rule
}

// Remove deletes any rule registered for gva.
func (r *Table) Remove(gva uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, gva)
}

// Find implements violation.HookCollaborator.
func (r *Table) Find(gva uint64) (violation.Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[gva]
	if !ok {
		return nil, false
	}
	return rule, true
}

// Len reports the number of currently-registered hooks.
func (r *Table) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}
