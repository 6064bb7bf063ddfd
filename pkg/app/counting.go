package app

import (
	"context"

	"github.com/tallybot/tallybot/pkg/counting"
	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/gateway"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/metrics"
	"github.com/tallybot/tallybot/pkg/session"
)

// Default moderation emojis.
var DefaultApproveEmojis = []string{"✅", "☑️", "💯"}

const DefaultResetEmoji = "❌"

// CountingService scores the counting game on inbound messages and applies
// moderator reactions: approval marks the current count eligible for an
// auto-count, the reset emoji restarts the chain.
type CountingService struct {
	store    *session.Store
	registry *gateway.Registry
	bus      domain.EventBus

	ceiling    int64
	moderators map[string]struct{}
	approve    map[string]struct{}
	resetEmoji string

	// notice is sent to the channel after a chain reset, "" for silence.
	notice string
}

// CountingConfig carries the tunable parts of the CountingService.
type CountingConfig struct {
	Ceiling       int64
	Moderators    []string
	ApproveEmojis []string
	ResetEmoji    string
	ResetNotice   string
}

// NewCountingService builds a CountingService. Empty emoji settings fall back
// to the defaults; an empty moderator list disables moderation.
func NewCountingService(store *session.Store, registry *gateway.Registry, bus domain.EventBus, cfg CountingConfig) *CountingService {
	approve := cfg.ApproveEmojis
	if len(approve) == 0 {
		approve = DefaultApproveEmojis
	}
	approveSet := make(map[string]struct{}, len(approve))
	for _, e := range approve {
		approveSet[e] = struct{}{}
	}

	moderators := make(map[string]struct{}, len(cfg.Moderators))
	for _, id := range cfg.Moderators {
		if id != "" {
			moderators[id] = struct{}{}
		}
	}

	resetEmoji := cfg.ResetEmoji
	if resetEmoji == "" {
		resetEmoji = DefaultResetEmoji
	}

	return &CountingService{
		store:      store,
		registry:   registry,
		bus:        bus,
		ceiling:    cfg.Ceiling,
		moderators: moderators,
		approve:    approveSet,
		resetEmoji: resetEmoji,
		notice:     cfg.ResetNotice,
	}
}

// HandleMessage is the dispatch handler for created messages. Register it
// with IgnoreSelf: the bot's own contributions are committed at send time by
// the services that produce them, so the gateway echo must not count twice.
func (s *CountingService) HandleMessage(ctx context.Context, evt events.Event) error {
	if evt.Message == nil {
		return nil
	}
	key := evt.Key()

	var outcome counting.Outcome
	var reason counting.ResetReason
	recorded, err := s.store.Update(key, string(evt.Origin), func(c *session.Context) {
		outcome, reason = c.ObserveCount(evt.AuthorID, evt.Message.MessageID, evt.Message.Content, s.ceiling)
	})
	if err != nil {
		return err
	}
	publishAll(s.bus, recorded)

	switch outcome {
	case counting.OutcomeAdvanced:
		metrics.CountingAdvancesTotal.Inc()
		logger.DebugCF("counting", "count accepted", map[string]interface{}{
			"channel":     key,
			"contributor": evt.AuthorID,
		})
	case counting.OutcomeReset:
		metrics.CountingResetsTotal.WithLabelValues(string(reason)).Inc()
		logger.InfoCF("counting", "chain reset", map[string]interface{}{
			"channel": key,
			"reason":  string(reason),
		})
		if s.notice != "" {
			if _, err := s.registry.Send(ctx, evt.Origin, gateway.OutboundMessage{
				ChannelID: evt.ChannelID,
				Content:   s.notice,
			}); err != nil {
				logger.WarnCF("counting", "reset notice failed", map[string]interface{}{
					"channel": key,
					"error":   err.Error(),
				})
			}
		}
	}
	return nil
}

// HandleReaction is the dispatch handler for added reactions. Only reactions
// from configured moderators on the channel's current count do anything.
func (s *CountingService) HandleReaction(ctx context.Context, evt events.Event) error {
	if evt.Reaction == nil {
		return nil
	}
	if _, ok := s.moderators[evt.AuthorID]; !ok {
		return nil
	}

	if _, ok := s.approve[evt.Reaction.Emoji]; ok {
		return s.approveCount(evt)
	}
	if evt.Reaction.Emoji == s.resetEmoji {
		return s.moderatorReset(ctx, evt)
	}
	return nil
}

func (s *CountingService) approveCount(evt events.Event) error {
	key := evt.Key()

	var approved bool
	recorded, err := s.store.Update(key, string(evt.Origin), func(c *session.Context) {
		approved = c.ApproveCount(evt.Reaction.MessageID)
	})
	if err != nil {
		return err
	}
	publishAll(s.bus, recorded)

	if approved {
		logger.InfoCF("counting", "count approved", map[string]interface{}{
			"channel":   key,
			"moderator": evt.AuthorID,
		})
	}
	return nil
}

// moderatorReset restarts the chain, then the bot opens the new one with "1"
// and commits its own contribution, so the next count must come from someone
// else.
func (s *CountingService) moderatorReset(ctx context.Context, evt events.Event) error {
	key := evt.Key()

	var restarted bool
	recorded, err := s.store.Update(key, string(evt.Origin), func(c *session.Context) {
		if c.Counting.LastMessageID != "" && c.Counting.LastMessageID == evt.Reaction.MessageID {
			c.ResetCount(counting.ResetModerator)
			restarted = true
		}
	})
	if err != nil {
		return err
	}
	publishAll(s.bus, recorded)
	if !restarted {
		return nil
	}

	metrics.CountingResetsTotal.WithLabelValues(string(counting.ResetModerator)).Inc()
	logger.InfoCF("counting", "moderator reset", map[string]interface{}{
		"channel":   key,
		"moderator": evt.AuthorID,
	})

	sentID, err := s.registry.Send(ctx, evt.Origin, gateway.OutboundMessage{
		ChannelID: evt.ChannelID,
		Content:   "1",
	})
	if err != nil {
		logger.WarnCF("counting", "restart send failed", map[string]interface{}{
			"channel": key,
			"error":   err.Error(),
		})
		return nil
	}

	self := s.registry.SelfID(evt.Origin)
	recorded, err = s.store.Update(key, string(evt.Origin), func(c *session.Context) {
		c.ObserveCount(self, sentID, "1", s.ceiling)
	})
	if err != nil {
		return err
	}
	publishAll(s.bus, recorded)
	metrics.CountingAdvancesTotal.Inc()
	return nil
}
