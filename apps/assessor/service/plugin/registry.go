// Package plugin keeps the metadata of registered analysis steps and computes
// the order they run in.
package plugin

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Priority bounds. Lower priority runs earlier among independent steps.
const (
	MinPriority = 1
	MaxPriority = 100
)

var (
	ErrNameRequired    = errors.New("step name is required")
	ErrInvalidPriority = errors.New("step priority must be between 1 and 100")
)

// Capability tags what a step analyses.
type Capability string

const (
	CapabilitySummary      Capability = "summary"
	CapabilitySecurity     Capability = "security"
	CapabilityTesting      Capability = "testing"
	CapabilityArchitecture Capability = "architecture"
	CapabilityCompliance   Capability = "compliance"
)

// Metadata describes a registered step.
type Metadata struct {
	Name         string     `json:"name"          yaml:"name"`
	Dependencies []string   `json:"dependencies"  yaml:"dependencies"`
	Priority     int        `json:"priority"      yaml:"priority"`
	Parallel     bool       `json:"parallel"      yaml:"parallel"`
	Required     bool       `json:"required"      yaml:"required"`
	Capability   Capability `json:"capability"    yaml:"capability"`
}

// DependsOn reports whether the step lists name as a dependency.
func (m Metadata) DependsOn(name string) bool {
	for _, dep := range m.Dependencies {
		if dep == name {
			return true
		}
	}
	return false
}

// CyclicDependencyError is returned when the dependency graph has a cycle.
// Nodes lists every step that could not be ordered, sorted by name.
type CyclicDependencyError struct {
	Nodes []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency between steps: %s", strings.Join(e.Nodes, ", "))
}

// UnresolvedDependencyError is returned when a step depends on a step that was never registered.
type UnresolvedDependencyError struct {
	Step       string
	Dependency string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on unregistered step %q", e.Step, e.Dependency)
}

// Registry holds step metadata for the lifetime of the process.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Metadata
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Metadata)}
}

// Register stores the metadata, replacing any entry with the same name.
// Dependencies are not resolved until ExecutionOrder is called.
func (r *Registry) Register(meta Metadata) error {
	if strings.TrimSpace(meta.Name) == "" {
		return ErrNameRequired
	}
	if meta.Priority < MinPriority || meta.Priority > MaxPriority {
		return fmt.Errorf("step %q: %w", meta.Name, ErrInvalidPriority)
	}

	meta.Dependencies = normalizeDependencies(meta.Dependencies)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[meta.Name] = meta
	return nil
}

// Unregister removes a step. It reports whether the step was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[name]
	delete(r.entries, name)
	return ok
}

// Get returns the metadata registered under name.
func (r *Registry) Get(name string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.entries[name]
	return meta, ok
}

// List returns every registered step sorted by name.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Metadata, 0, len(r.entries))
	for _, meta := range r.entries {
		list = append(list, meta)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// ExecutionOrder returns the steps in a dependency-respecting order.
// Among steps whose dependencies are satisfied, the one with the lowest
// (priority, name) runs first, so the order is identical for identical registrations.
func (r *Registry) ExecutionOrder() ([]Metadata, error) {
	entries := r.List()

	byName := make(map[string]Metadata, len(entries))
	for _, meta := range entries {
		byName[meta.Name] = meta
	}

	inDegree := make(map[string]int, len(entries))
	dependents := make(map[string][]string, len(entries))
	for _, meta := range entries {
		for _, dep := range meta.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, &UnresolvedDependencyError{Step: meta.Name, Dependency: dep}
			}
			inDegree[meta.Name]++
			dependents[dep] = append(dependents[dep], meta.Name)
		}
	}

	ready := &readyQueue{}
	for _, meta := range entries {
		if inDegree[meta.Name] == 0 {
			heap.Push(ready, meta)
		}
	}

	order := make([]Metadata, 0, len(entries))
	for ready.Len() > 0 {
		next := heap.Pop(ready).(Metadata)
		order = append(order, next)

		for _, dependent := range dependents[next.Name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, byName[dependent])
			}
		}
	}

	if len(order) < len(entries) {
		var stuck []string
		for _, meta := range entries {
			if inDegree[meta.Name] > 0 {
				stuck = append(stuck, meta.Name)
			}
		}
		return nil, &CyclicDependencyError{Nodes: stuck}
	}

	return order, nil
}

func normalizeDependencies(deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if dep == "" || seen[dep] {
			continue
		}
		seen[dep] = true
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// readyQueue is a min-heap of steps keyed on (priority, name).
type readyQueue []Metadata

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].Name < q[j].Name
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(Metadata)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
