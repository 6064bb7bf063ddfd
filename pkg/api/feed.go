// Feed — wires the domain event bus into the WebSocket hub. Every domain
// event (session updates, counting transitions, completion results, dispatch
// failures) fans out to all connected feed clients.
package api

import (
	"context"

	"github.com/tallybot/tallybot/pkg/dispatch"
	"github.com/tallybot/tallybot/pkg/domain"
)

// Feed forwards domain events to the hub. The bus is synchronous, so the
// handler only does a non-blocking queue send; the hub's loop does the rest.
type Feed struct {
	bus domain.EventBus
	hub *Hub
}

// NewFeed creates a feed over bus.
func NewFeed(bus domain.EventBus, hub *Hub) *Feed {
	return &Feed{bus: bus, hub: hub}
}

// Attach subscribes the feed to every domain event.
func (f *Feed) Attach() {
	if f.bus == nil {
		return
	}
	f.bus.SubscribeAll(f.forward)
}

func (f *Feed) forward(evt domain.Event) {
	data := map[string]interface{}{
		"aggregate_id": string(evt.AggregateID()),
		"occurred_at":  evt.OccurredAt(),
	}
	if payload := evt.Payload(); payload != nil {
		data["payload"] = payload
	}
	f.hub.Broadcast(string(evt.EventType()), data)
}

// pumpIngress forwards accepted gateway events from the dispatcher tap to the
// hub, so feed clients see the raw inbound stream alongside the domain
// events. Message content stays out of the feed.
func (s *Server) pumpIngress(ctx context.Context, tap *dispatch.Tap) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-tap.Events():
			if !ok {
				return
			}
			data := map[string]interface{}{
				"origin":  string(evt.Origin),
				"channel": evt.Key(),
			}
			if evt.AuthorID != "" {
				data["author"] = evt.AuthorID
			}
			s.hub.Broadcast("ingress."+string(evt.Kind), data)
		}
	}
}
