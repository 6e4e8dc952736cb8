// Package qstate provides a transition-checked state machine for the
// broker connection lifecycle.
package qstate

import (
	"context"
	"fmt"
	"sync"
)

type State interface {
	comparable
	fmt.Stringer
}

// Transition defines a valid state transition.
// When Any is set, From is ignored and the transition is valid from every
// state other than To.
type Transition[S State] struct {
	From S
	To   S
	Any  bool
	Name string // Human-readable name for logging
}

type transitionKey[S State] struct {
	From, To S
}

// TransitionError is returned for a transition that is not allowed.
type TransitionError[S State] struct {
	From, To S
}

func (e *TransitionError[S]) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// Machine enforces valid state transitions.
type Machine[S State] struct {
	mu      sync.RWMutex
	current S
	changed chan struct{}

	allowed  map[transitionKey[S]]string
	anyTo    map[S]string
	onChange func(from, to S, name string)
}

// New creates a state machine starting at the given state.
// on, if not nil, is called with the machine locked after every transition.
func New[S State](initial S, transitions []Transition[S], on func(from, to S, name string)) *Machine[S] {
	sm := &Machine[S]{
		current:  initial,
		changed:  make(chan struct{}),
		allowed:  make(map[transitionKey[S]]string),
		anyTo:    make(map[S]string),
		onChange: on,
	}
	for _, t := range transitions {
		if t.Any {
			sm.anyTo[t.To] = t.Name
			continue
		}
		sm.allowed[transitionKey[S]{From: t.From, To: t.To}] = t.Name
	}
	return sm
}

func (sm *Machine[S]) look(from, to S) (string, bool) {
	if name, ok := sm.allowed[transitionKey[S]{From: from, To: to}]; ok {
		return name, true
	}
	if from == to {
		return "", false
	}
	name, ok := sm.anyTo[to]
	return name, ok
}

// TransitionTo attempts to transition to a new state.
// Returns a *TransitionError if the transition is invalid.
func (sm *Machine[S]) TransitionTo(to S) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	c := sm.current

	name, ok := sm.look(c, to)
	if !ok {
		return &TransitionError[S]{From: c, To: to}
	}
	sm.current = to
	close(sm.changed)
	sm.changed = make(chan struct{})
	if sm.onChange != nil {
		sm.onChange(c, to, name)
	}
	return nil
}

// Current returns the current state.
func (sm *Machine[S]) Current() S {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// WaitFor blocks until the machine is in one of states or ctx is done.
// It returns the state reached.
func (sm *Machine[S]) WaitFor(ctx context.Context, states ...S) (S, error) {
	for {
		sm.mu.RLock()
		c, ch := sm.current, sm.changed
		sm.mu.RUnlock()
		for _, s := range states {
			if c == s {
				return c, nil
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return c, ctx.Err()
		}
	}
}
