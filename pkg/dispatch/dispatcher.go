// Package dispatch routes gateway events to registered handlers.
//
// Every channel gets its own worker goroutine and FIFO queue, so events for
// one channel are processed strictly in arrival order while distinct channels
// proceed in parallel. All handlers registered for an event's kind run
// concurrently against it; the worker joins them before taking the next
// event, which is what lets a queued mention wait for the in-flight
// completion ahead of it.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/metrics"
)

const defaultQueueSize = 64

// DispatchError is a typed error for the dispatch package.
type DispatchError string

func (e DispatchError) Error() string { return string(e) }

const (
	ErrClosed       DispatchError = "dispatcher is closed"
	ErrEmptyName    DispatchError = "handler name cannot be empty"
	ErrNilHandler   DispatchError = "handler func cannot be nil"
	ErrDuplicateReg DispatchError = "handler name already registered for kind"
)

// HandlerFunc processes one event. Errors are contained: they are logged,
// counted and published, never propagated to the gateway.
type HandlerFunc func(ctx context.Context, evt events.Event) error

// SelfFunc resolves the bot's own user ID on an origin, used by the
// IgnoreSelf option. It returns "" when the origin has no connected identity.
type SelfFunc func(origin events.Origin) string

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

type handler struct {
	name       string
	fn         HandlerFunc
	ignoreSelf bool
}

// Option configures a single handler registration.
type Option func(*handler)

// IgnoreSelf skips the handler for events authored by the bot itself. The
// check is central so individual handlers cannot forget it and feed the bot
// its own output.
func IgnoreSelf() Option {
	return func(h *handler) { h.ignoreSelf = true }
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher owns handler registration, inbound filtering and the
// per-channel worker pool.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc

	self      SelfFunc
	filter    *Filter
	bus       domain.EventBus
	queueSize int

	// mu guards the worker table and closed flag. Dispatch holds it in read
	// mode across the queue send, so Close cannot close a queue out from
	// under a blocked sender. Workers themselves never take it.
	mu      sync.RWMutex
	workers map[string]chan events.Event
	closed  bool
	wg      sync.WaitGroup

	// hmu guards the handler table. Kept separate from mu: workers read
	// handlers while processing, and must not contend with Close.
	hmu      sync.RWMutex
	handlers map[events.Kind][]*handler

	// taps carries its own lock; see taps.go.
	taps tapset

	dispatched atomic.Uint64
	unknown    atomic.Uint64
	malformed  atomic.Uint64
	filtered   atomic.Uint64
	failures   atomic.Uint64
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSelf installs the identity resolver consulted by IgnoreSelf handlers.
func WithSelf(fn SelfFunc) DispatcherOption {
	return func(d *Dispatcher) { d.self = fn }
}

// WithFilter installs the inbound allow-list.
func WithFilter(f *Filter) DispatcherOption {
	return func(d *Dispatcher) {
		if f != nil {
			d.filter = f
		}
	}
}

// WithBus installs the bus that receives dispatch-level domain events.
func WithBus(bus domain.EventBus) DispatcherOption {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithQueueSize overrides the per-channel queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// New builds a Dispatcher. Handlers receive a context that stays live until
// Close finishes draining, so in-flight work is not cut off mid-queue.
func New(opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		ctx:       ctx,
		cancel:    cancel,
		filter:    NewFilter(),
		queueSize: defaultQueueSize,
		handlers:  make(map[events.Kind][]*handler),
		workers:   make(map[string]chan events.Event),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds fn to every event of the given kind. Handlers run in
// registration order per event.
func (d *Dispatcher) Register(kind events.Kind, name string, fn HandlerFunc, opts ...Option) error {
	if name == "" {
		return ErrEmptyName
	}
	if fn == nil {
		return ErrNilHandler
	}

	h := &handler{name: name, fn: fn}
	for _, opt := range opts {
		opt(h)
	}

	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	d.hmu.Lock()
	defer d.hmu.Unlock()
	for _, existing := range d.handlers[kind] {
		if existing.name == name {
			return ErrDuplicateReg
		}
	}
	d.handlers[kind] = append(d.handlers[kind], h)
	return nil
}

func (d *Dispatcher) handlersFor(kind events.Kind) []*handler {
	d.hmu.RLock()
	defer d.hmu.RUnlock()
	hs := make([]*handler, len(d.handlers[kind]))
	copy(hs, d.handlers[kind])
	return hs
}

// Dispatch validates, filters and enqueues one event. It blocks only when the
// event's channel queue is full, which backpressures that channel's gateway
// without touching any other channel.
func (d *Dispatcher) Dispatch(evt events.Event) error {
	if err := evt.Validate(); err != nil {
		d.malformed.Add(1)
		metrics.EventsMalformedTotal.WithLabelValues(string(evt.Origin)).Inc()
		logger.WarnCF("dispatch", "malformed event rejected", map[string]interface{}{
			"origin": string(evt.Origin),
			"kind":   string(evt.Kind),
			"error":  err.Error(),
		})
		return err
	}

	metrics.EventsTotal.WithLabelValues(string(evt.Kind), string(evt.Origin)).Inc()

	if evt.Kind == events.KindUnknown {
		d.unknown.Add(1)
		metrics.EventsUnknownTotal.WithLabelValues(string(evt.Origin)).Inc()
		logger.DebugCF("dispatch", "unknown event kind", map[string]interface{}{
			"origin":    string(evt.Origin),
			"wire_type": evt.WireType,
		})
		d.publish(domain.NewEvent(domain.EventUnknownEvent, domain.EntityID(evt.Key()), domain.Metadata{
			"origin":    string(evt.Origin),
			"wire_type": evt.WireType,
		}))
	}

	if !d.filter.Allows(evt) {
		d.filtered.Add(1)
		metrics.EventsFilteredTotal.WithLabelValues(string(evt.Origin)).Inc()
		logger.DebugCF("dispatch", "event dropped by allow-list", map[string]interface{}{
			"origin":  string(evt.Origin),
			"channel": evt.ChannelID,
			"guild":   evt.GuildID,
		})
		return nil
	}

	// Taps observe everything accepted, including kinds with no handler.
	d.taps.fanOut(evt)

	if len(d.handlersFor(evt.Kind)) == 0 {
		// Counted above; nothing to run.
		return nil
	}

	key := evt.Key()
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrClosed
	}
	queue, ok := d.workers[key]
	if !ok {
		d.mu.RUnlock()
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return ErrClosed
		}
		queue, ok = d.workers[key]
		if !ok {
			queue = make(chan events.Event, d.queueSize)
			d.workers[key] = queue
			d.wg.Add(1)
			metrics.ChannelWorkers.Inc()
			go d.run(key, queue)
		}
		d.mu.Unlock()

		d.mu.RLock()
		if d.closed {
			d.mu.RUnlock()
			return ErrClosed
		}
	}

	metrics.QueuedEvents.Inc()
	queue <- evt
	d.mu.RUnlock()
	return nil
}

func (d *Dispatcher) run(key string, queue chan events.Event) {
	defer d.wg.Done()
	defer metrics.ChannelWorkers.Dec()
	logger.DebugCF("dispatch", "channel worker started", map[string]interface{}{"channel": key})

	for evt := range queue {
		d.process(evt)
		metrics.QueuedEvents.Dec()
	}
}

// process runs every handler registered for the event's kind and waits for
// all of them before returning, so the queue order is the processing order.
func (d *Dispatcher) process(evt events.Event) {
	hs := d.handlersFor(evt.Kind)

	var wg sync.WaitGroup
	for _, h := range hs {
		if h.ignoreSelf && d.isSelf(evt) {
			continue
		}
		wg.Add(1)
		go func(h *handler) {
			defer wg.Done()
			d.invoke(h, evt)
		}(h)
	}
	wg.Wait()
	d.dispatched.Add(1)
}

func (d *Dispatcher) invoke(h *handler, evt events.Event) {
	start := time.Now()
	failed := false
	defer func() {
		if r := recover(); r != nil {
			failed = true
			d.fail(h, evt, fmt.Errorf("panic: %v", r), debug.Stack())
		}
		metrics.RecordHandler(h.name, time.Since(start).Seconds(), failed)
	}()

	if err := h.fn(d.ctx, evt); err != nil {
		failed = true
		d.fail(h, evt, err, nil)
	}
}

func (d *Dispatcher) fail(h *handler, evt events.Event, err error, stack []byte) {
	d.failures.Add(1)
	fields := map[string]interface{}{
		"handler": h.name,
		"kind":    string(evt.Kind),
		"channel": evt.Key(),
		"error":   err.Error(),
	}
	if stack != nil {
		fields["stack"] = string(stack)
	}
	logger.ErrorCF("dispatch", "handler failed", fields)

	d.publish(domain.NewEvent(domain.EventHandlerFailed, domain.EntityID(evt.Key()), domain.Metadata{
		"handler": h.name,
		"kind":    string(evt.Kind),
		"channel": evt.Key(),
		"error":   err.Error(),
	}))
}

func (d *Dispatcher) isSelf(evt events.Event) bool {
	if d.self == nil || evt.AuthorID == "" {
		return false
	}
	self := d.self(evt.Origin)
	return self != "" && evt.AuthorID == self
}

func (d *Dispatcher) publish(evt domain.Event) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(evt)
}

// Close stops intake, drains every channel queue and waits for in-flight
// handlers. The passed context caps how long the drain may take.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, queue := range d.workers {
		close(queue)
	}
	d.mu.Unlock()

	d.taps.close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is a point-in-time dispatcher snapshot for diagnostics.
type Stats struct {
	Dispatched uint64   `json:"dispatched"`
	Unknown    uint64   `json:"unknown"`
	Malformed  uint64   `json:"malformed"`
	Filtered   uint64   `json:"filtered"`
	Failures   uint64   `json:"failures"`
	Channels   []string `json:"channels"`
	Queued     int      `json:"queued"`
	Handlers   []string `json:"handlers"`
}

// Stats reports counters, live channel workers and registered handlers.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	channels := make([]string, 0, len(d.workers))
	queued := 0
	for key, queue := range d.workers {
		channels = append(channels, key)
		queued += len(queue)
	}
	d.mu.RUnlock()

	d.hmu.RLock()
	names := make([]string, 0)
	for kind, hs := range d.handlers {
		for _, h := range hs {
			names = append(names, string(kind)+"/"+h.name)
		}
	}
	d.hmu.RUnlock()

	sort.Strings(channels)
	sort.Strings(names)
	return Stats{
		Dispatched: d.dispatched.Load(),
		Unknown:    d.unknown.Load(),
		Malformed:  d.malformed.Load(),
		Filtered:   d.filtered.Load(),
		Failures:   d.failures.Load(),
		Channels:   channels,
		Queued:     queued,
		Handlers:   names,
	}
}
