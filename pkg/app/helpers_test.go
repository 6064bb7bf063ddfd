package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/gateway"
	"github.com/tallybot/tallybot/pkg/infrastructure/eventbus"
	"github.com/tallybot/tallybot/pkg/provider"
	"github.com/tallybot/tallybot/pkg/session"
)

var errDelivery = errors.New("delivery failed")

type fakeTransport struct {
	origin   events.Origin
	identity string

	mu      sync.Mutex
	sent    []gateway.OutboundMessage
	typed   []string
	sendErr error
	seq     int
}

func (f *fakeTransport) Origin() events.Origin { return f.origin }
func (f *fakeTransport) Identity() string      { return f.identity }

func (f *fakeTransport) Run(ctx context.Context, emit gateway.EmitFunc) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg gateway.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, msg)
	f.seq++
	return fmt.Sprintf("sent-%d", f.seq), nil
}

func (f *fakeTransport) Typing(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, channelID)
	return nil
}

func (f *fakeTransport) sentMessages() []gateway.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.OutboundMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

var _ gateway.Transport = (*fakeTransport)(nil)

type fakeCompleter struct {
	reply string
	err   error

	mu       sync.Mutex
	requests []provider.Request
}

func (f *fakeCompleter) Name() string { return "fake" }

func (f *fakeCompleter) Complete(ctx context.Context, req provider.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

var _ provider.Completer = (*fakeCompleter)(nil)

// harness bundles the store, registry, transport and a recording bus.
type harness struct {
	store     *session.Store
	registry  *gateway.Registry
	transport *fakeTransport
	bus       *eventbus.Bus

	mu        sync.Mutex
	published []domain.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     session.NewStore(20),
		registry:  gateway.NewRegistry(),
		transport: &fakeTransport{origin: events.OriginDiscord, identity: "bot-d"},
		bus:       eventbus.New(),
	}
	if err := h.registry.Add(h.transport); err != nil {
		t.Fatalf("register transport: %v", err)
	}
	h.bus.SubscribeAll(func(evt domain.Event) {
		h.mu.Lock()
		h.published = append(h.published, evt)
		h.mu.Unlock()
	})
	t.Cleanup(func() { h.bus.Close() })
	return h
}

func (h *harness) publishedTypes() []domain.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.EventType, 0, len(h.published))
	for _, evt := range h.published {
		out = append(out, evt.EventType())
	}
	return out
}

func (h *harness) hasEvent(want domain.EventType) bool {
	for _, got := range h.publishedTypes() {
		if got == want {
			return true
		}
	}
	return false
}

func messageEvt(author, name, messageID, content string, mentions ...string) events.Event {
	return events.Event{
		Kind:       events.KindMessageCreated,
		Origin:     events.OriginDiscord,
		ChannelID:  "100",
		AuthorID:   author,
		AuthorName: name,
		At:         time.Now(),
		Message: &events.MessagePayload{
			MessageID: messageID,
			Content:   content,
			Mentions:  mentions,
		},
	}
}

func reactionEvt(author, messageID, emoji string) events.Event {
	return events.Event{
		Kind:      events.KindReactionAdded,
		Origin:    events.OriginDiscord,
		ChannelID: "100",
		AuthorID:  author,
		At:        time.Now(),
		Reaction: &events.ReactionPayload{
			MessageID: messageID,
			Emoji:     emoji,
		},
	}
}

func tickEvt() events.Event {
	return events.Event{
		Kind:      events.KindScheduledTick,
		Origin:    events.OriginDiscord,
		ChannelID: "100",
		At:        time.Now(),
		Tick:      &events.TickPayload{Rule: "* * * * *"},
	}
}
