// Package fault injects failures into fake adapters at named points.
package fault

import (
	"fmt"
	"strings"
	"sync"

	"keelhaul/internal/check"
)

// Hook inspects the arguments of a call and may fail it.
type Hook func(args ...any) error

type point struct {
	queued []error
	sticky error
	hook   Hook
	evals  int
}

// Injector holds the faults armed for each point. The zero value is not
// usable; call NewInjector.
type Injector struct {
	mu     sync.Mutex
	points map[string]*point
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*point)}
}

// FailOnce queues err for the next evaluation of name.
func (i *Injector) FailOnce(name string, err error) {
	i.FailTimes(name, 1, err)
}

// FailTimes queues err for the next n evaluations of name.
func (i *Injector) FailTimes(name string, n int, err error) {
	check.Assert(err != nil, "fault.Injector.FailTimes: err must not be nil")
	check.Assert(n > 0, "fault.Injector.FailTimes: n must be positive")
	if err == nil || n <= 0 {
		return
	}
	i.with(name, func(p *point) {
		for range n {
			p.queued = append(p.queued, err)
		}
	})
}

// FailAlways fails every evaluation of name with err until cleared.
func (i *Injector) FailAlways(name string, err error) {
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	if err == nil {
		return
	}
	i.with(name, func(p *point) { p.sticky = err })
}

// SetHook installs an argument-aware hook for name.
func (i *Injector) SetHook(name string, hook Hook) {
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	if hook == nil {
		return
	}
	i.with(name, func(p *point) { p.hook = hook })
}

// Clear disarms name.
func (i *Injector) Clear(name string) {
	i.mu.Lock()
	delete(i.points, name)
	i.mu.Unlock()
}

// Reset disarms every point.
func (i *Injector) Reset() {
	i.mu.Lock()
	i.points = make(map[string]*point)
	i.mu.Unlock()
}

// Evaluations reports how often name has been evaluated while armed.
func (i *Injector) Evaluations(name string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p := i.points[name]; p != nil {
		return p.evals
	}
	return 0
}

// Eval returns the fault for this call of name, if any. The hook runs
// first, then queued errors, then the sticky error.
func (i *Injector) Eval(name string, args ...any) error {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	p := i.points[name]
	if p == nil {
		i.mu.Unlock()
		return nil
	}
	p.evals++
	hook := p.hook
	var queued error
	if len(p.queued) > 0 {
		queued, p.queued = p.queued[0], p.queued[1:]
	}
	sticky := p.sticky
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("fault %s: %w", name, err)
		}
	}
	if queued != nil {
		return fmt.Errorf("fault %s: %w", name, queued)
	}
	if sticky != nil {
		return fmt.Errorf("fault %s: %w", name, sticky)
	}
	return nil
}

func (i *Injector) with(name string, fn func(*point)) {
	check.Assert(i != nil, "fault.Injector: receiver must not be nil")
	check.Assert(strings.TrimSpace(name) != "", "fault.Injector: point name must not be empty")
	if i == nil || strings.TrimSpace(name) == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	p, ok := i.points[name]
	if !ok {
		p = &point{}
		i.points[name] = p
	}
	fn(p)
}
