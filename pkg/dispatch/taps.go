package dispatch

import (
	"sync"

	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/metrics"
)

// tapBuffer is each tap's channel capacity. Taps observe, they do not
// consume: a tap that falls behind loses events rather than slowing intake.
const tapBuffer = 64

// Tap is a named observer of the accepted event stream. Every event that
// clears validation and the allow-list is offered to every tap.
type Tap struct {
	Name string
	ch   chan events.Event
}

// Events returns the tap's receive side. The channel closes when the
// dispatcher shuts down.
func (t *Tap) Events() <-chan events.Event { return t.ch }

// tapset fans accepted events out to the registered taps.
type tapset struct {
	mu     sync.Mutex
	taps   []*Tap
	closed bool
}

func (ts *tapset) add(name string) *Tap {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &Tap{Name: name, ch: make(chan events.Event, tapBuffer)}
	if ts.closed {
		close(t.ch)
		return t
	}
	ts.taps = append(ts.taps, t)
	return t
}

func (ts *tapset) fanOut(evt events.Event) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return
	}
	for _, t := range ts.taps {
		select {
		case t.ch <- evt:
		default:
			metrics.TapDropsTotal.WithLabelValues(t.Name).Inc()
		}
	}
}

func (ts *tapset) close() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return
	}
	ts.closed = true
	for _, t := range ts.taps {
		close(t.ch)
	}
	ts.taps = nil
}

// Tap registers a named observer on the accepted event stream. A tap opened
// after Close receives an already-closed channel.
func (d *Dispatcher) Tap(name string) *Tap {
	return d.taps.add(name)
}
