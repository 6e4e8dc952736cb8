package qbroker

import (
	"sync"
	"time"

	"github.com/kardianos/qtel/qdef"
)

type observerEvent struct {
	state   qdef.ConnState
	isState bool
	outcome qdef.Outcome
	size    int
}

// observerQueue hands events to a qdef.Observer from one goroutine, in the
// order they happened. Events are queued while the client holds its locks,
// so an observer may call back into the client.
type observerQueue struct {
	obs    qdef.Observer
	signal chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	events []observerEvent
	closed bool
}

// newObserverQueue returns nil when obs is nil. The queue stops after it
// delivers StateClosed.
func newObserverQueue(obs qdef.Observer) *observerQueue {
	if obs == nil {
		return nil
	}
	q := &observerQueue{
		obs:    obs,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *observerQueue) state(s qdef.ConnState) {
	q.push(observerEvent{state: s, isState: true})
}

func (q *observerQueue) outcome(o qdef.Outcome, size int) {
	q.push(observerEvent{outcome: o, size: size})
}

func (q *observerQueue) push(e observerEvent) {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, e)
	if e.isState && e.state == qdef.StateClosed {
		q.closed = true
	}
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *observerQueue) run() {
	defer close(q.done)
	for range q.signal {
		for {
			q.mu.Lock()
			batch := q.events
			q.events = nil
			q.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				if !e.isState {
					q.obs.OnOutcome(e.outcome, e.size)
					continue
				}
				q.obs.OnStateChange(e.state)
				if e.state == qdef.StateClosed {
					return
				}
			}
		}
	}
}

// wait blocks until the queue has delivered StateClosed or stop is closed.
func (q *observerQueue) wait(stop <-chan time.Time) {
	if q == nil {
		return
	}
	select {
	case <-q.done:
	case <-stop:
	}
}
