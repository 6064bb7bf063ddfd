package eventbus

import (
	"testing"

	"github.com/tallybot/tallybot/pkg/domain"
)

func TestPublishRoutesToTypedAndCatchAll(t *testing.T) {
	bus := New()

	var typed, all []domain.EventType
	bus.Subscribe(domain.EventCountingReset, func(e domain.Event) {
		typed = append(typed, e.EventType())
	})
	bus.SubscribeAll(func(e domain.Event) {
		all = append(all, e.EventType())
	})

	bus.Publish(domain.NewEvent(domain.EventCountingReset, "discord:1", nil))
	bus.Publish(domain.NewEvent(domain.EventSessionUpdated, "discord:1", nil))

	if len(typed) != 1 || typed[0] != domain.EventCountingReset {
		t.Errorf("typed handler got %v, want one counting.reset", typed)
	}
	if len(all) != 2 {
		t.Errorf("catch-all handler got %d events, want 2", len(all))
	}
}

func TestTypedHandlersRunBeforeCatchAll(t *testing.T) {
	bus := New()

	var order []string
	bus.SubscribeAll(func(domain.Event) { order = append(order, "all") })
	bus.Subscribe(domain.EventSessionUpdated, func(domain.Event) { order = append(order, "typed") })

	bus.Publish(domain.NewEvent(domain.EventSessionUpdated, "k", nil))

	if len(order) != 2 || order[0] != "typed" || order[1] != "all" {
		t.Errorf("dispatch order = %v, want [typed all]", order)
	}
}

func TestCloseStopsDispatch(t *testing.T) {
	bus := New()

	calls := 0
	bus.SubscribeAll(func(domain.Event) { calls++ })

	bus.Publish(domain.NewEvent(domain.EventSessionUpdated, "k", nil))
	bus.Close()
	bus.Publish(domain.NewEvent(domain.EventSessionUpdated, "k", nil))

	if calls != 1 {
		t.Errorf("got %d handler calls, want 1 (none after Close)", calls)
	}
}

func TestPublishAll(t *testing.T) {
	bus := New()

	var got []domain.EntityID
	bus.SubscribeAll(func(e domain.Event) { got = append(got, e.AggregateID()) })

	bus.PublishAll([]domain.Event{
		domain.NewEvent(domain.EventSessionUpdated, "a", nil),
		domain.NewEvent(domain.EventSessionUpdated, "b", nil),
	})

	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v, want [a b] in order", got)
	}
}
