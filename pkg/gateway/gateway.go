// Package gateway abstracts the chat platforms. A Transport decodes wire
// payloads into gateway events on the way in and delivers messages on the way
// out; everything above this package is platform-agnostic.
package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/tallybot/tallybot/pkg/events"
)

// EmitFunc receives each decoded inbound event. Implementations hand events
// to the dispatcher; they must not retain the callback past Run returning.
type EmitFunc func(evt events.Event)

// OutboundMessage is one message to deliver. Content longer than the
// platform's limit is chunked by the transport.
type OutboundMessage struct {
	ChannelID string
	Content   string

	// ReplyTo references the message being answered, "" for a plain send.
	ReplyTo string
}

// Transport is one connected chat platform.
type Transport interface {
	// Origin tags every event this transport emits.
	Origin() events.Origin

	// Identity returns the bot's own user ID on the platform, or "" before
	// the connection is established.
	Identity() string

	// Run connects and pumps inbound events into emit until ctx is canceled
	// or the stream fails fatally. A nil return means a clean shutdown.
	Run(ctx context.Context, emit EmitFunc) error

	// Send delivers a message and returns the platform ID of the last chunk
	// sent, so callers can track reactions against it.
	Send(ctx context.Context, msg OutboundMessage) (string, error)

	// Typing signals a typing indicator where the platform has one.
	Typing(ctx context.Context, channelID string) error
}

// GatewayError is a typed error for the gateway package.
type GatewayError string

func (e GatewayError) Error() string { return string(e) }

const (
	ErrDuplicateOrigin GatewayError = "transport origin already registered"
	ErrUnknownOrigin   GatewayError = "no transport registered for origin"
)

// StreamFatalError marks a gateway stream that cannot continue. The process
// treats it as terminal: state is checkpointed and the supervisor restarts us
// with a clean connection.
type StreamFatalError struct {
	Origin events.Origin
	Err    error
}

func (e *StreamFatalError) Error() string {
	return "gateway stream failed on " + string(e.Origin) + ": " + e.Err.Error()
}

func (e *StreamFatalError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds the connected transports keyed by origin. It backs both
// outbound delivery and the dispatcher's self-identity lookup.
type Registry struct {
	mu         sync.RWMutex
	transports map[events.Origin]Transport
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[events.Origin]Transport)}
}

// Add registers a transport. Each origin can hold only one.
func (r *Registry) Add(t Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[t.Origin()]; ok {
		return ErrDuplicateOrigin
	}
	r.transports[t.Origin()] = t
	return nil
}

// Get looks up the transport for an origin.
func (r *Registry) Get(origin events.Origin) (Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[origin]
	return t, ok
}

// SelfID resolves the bot's identity on an origin, "" when the origin is not
// registered or not yet connected. Matches the dispatcher's SelfFunc shape.
func (r *Registry) SelfID(origin events.Origin) string {
	t, ok := r.Get(origin)
	if !ok {
		return ""
	}
	return t.Identity()
}

// Send routes an outbound message to the origin's transport.
func (r *Registry) Send(ctx context.Context, origin events.Origin, msg OutboundMessage) (string, error) {
	t, ok := r.Get(origin)
	if !ok {
		return "", ErrUnknownOrigin
	}
	return t.Send(ctx, msg)
}

// Typing routes a typing indicator to the origin's transport.
func (r *Registry) Typing(ctx context.Context, origin events.Origin, channelID string) error {
	t, ok := r.Get(origin)
	if !ok {
		return ErrUnknownOrigin
	}
	return t.Typing(ctx, channelID)
}

// Origins lists the registered origins, sorted.
func (r *Registry) Origins() []events.Origin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]events.Origin, 0, len(r.transports))
	for origin := range r.transports {
		out = append(out, origin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
