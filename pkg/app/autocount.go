package app

import (
	"context"
	"strconv"

	"github.com/tallybot/tallybot/pkg/counting"
	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/gateway"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/metrics"
	"github.com/tallybot/tallybot/pkg/session"
)

// AutoCount plays the bot's turn in the counting game on schedule ticks. A
// turn is played only when a moderator approved the current count and the
// bot did not count last, so two humans are never displaced by the bot and
// the bot never chains onto itself.
type AutoCount struct {
	store    *session.Store
	registry *gateway.Registry
	bus      domain.EventBus
	ceiling  int64
}

// NewAutoCount builds an AutoCount.
func NewAutoCount(store *session.Store, registry *gateway.Registry, bus domain.EventBus, ceiling int64) *AutoCount {
	return &AutoCount{
		store:    store,
		registry: registry,
		bus:      bus,
		ceiling:  ceiling,
	}
}

// HandleTick is the dispatch handler for schedule ticks. Ticks share the
// channel's worker with message events, so the bot's contribution cannot
// interleave with a human count on the same channel.
func (a *AutoCount) HandleTick(ctx context.Context, evt events.Event) error {
	key := evt.Key()

	st, ok := a.store.CountingState(key)
	if !ok {
		return nil
	}
	self := a.registry.SelfID(evt.Origin)
	if self == "" {
		return nil
	}
	if !st.Approved || st.LastContributor == "" || st.LastContributor == self {
		return nil
	}

	text := strconv.FormatInt(st.ExpectedNext, 10)
	sentID, err := a.registry.Send(ctx, evt.Origin, gateway.OutboundMessage{
		ChannelID: evt.ChannelID,
		Content:   text,
	})
	if err != nil {
		logger.WarnCF("autocount", "send failed", map[string]interface{}{
			"channel": key,
			"error":   err.Error(),
		})
		return nil
	}

	var outcome counting.Outcome
	recorded, err := a.store.Update(key, string(evt.Origin), func(c *session.Context) {
		outcome, _ = c.ObserveCount(self, sentID, text, a.ceiling)
	})
	if err != nil {
		return err
	}
	publishAll(a.bus, recorded)

	if outcome == counting.OutcomeAdvanced {
		metrics.CountingAdvancesTotal.Inc()
		logger.InfoCF("autocount", "bot counted", map[string]interface{}{
			"channel": key,
			"number":  text,
		})
	}
	return nil
}
