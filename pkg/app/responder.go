// Package app implements the bot's behavior on top of the gateway, session
// and provider layers: answering mentions, scoring the counting game and
// playing scheduled auto-counts. Each service exposes dispatch handlers.
package app

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/gateway"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/metrics"
	"github.com/tallybot/tallybot/pkg/provider"
	"github.com/tallybot/tallybot/pkg/session"
)

// DefaultCompletionTimeout bounds one completion round trip.
const DefaultCompletionTimeout = 30 * time.Second

// Responder answers messages that mention the bot. It appends the user turn,
// requests a completion over the channel history and delivers the reply. On
// completion failure the history keeps the user turn but gains no phantom
// assistant turn.
type Responder struct {
	store     *session.Store
	registry  *gateway.Registry
	completer provider.Completer
	bus       domain.EventBus

	system      string
	prefix      string
	timeout     time.Duration
	useReplyRef bool
	fallback    string
	always      bool
}

// ResponderConfig carries the tunable parts of the Responder.
type ResponderConfig struct {
	SystemPrompt string
	ReplyPrefix  string
	Timeout      time.Duration
	UseReplyRef  bool

	// Fallback is sent verbatim when a completion fails, "" for silence.
	// It is never recorded in the history.
	Fallback string

	// Always answers every message instead of only mentions.
	Always bool
}

// NewResponder builds a Responder.
func NewResponder(store *session.Store, registry *gateway.Registry, completer provider.Completer, bus domain.EventBus, cfg ResponderConfig) *Responder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCompletionTimeout
	}
	return &Responder{
		store:       store,
		registry:    registry,
		completer:   completer,
		bus:         bus,
		system:      cfg.SystemPrompt,
		prefix:      cfg.ReplyPrefix,
		timeout:     cfg.Timeout,
		useReplyRef: cfg.UseReplyRef,
		fallback:    cfg.Fallback,
		always:      cfg.Always,
	}
}

// HandleMessage is the dispatch handler for created messages. Register it
// with IgnoreSelf so the bot's own replies never reach it.
func (r *Responder) HandleMessage(ctx context.Context, evt events.Event) error {
	if evt.Message == nil {
		return nil
	}
	if !r.mentioned(evt) {
		return nil
	}

	key := evt.Key()
	turn := promptAuthor(evt) + ": " + strings.TrimSpace(evt.Message.Content)

	recorded, err := r.store.Update(key, string(evt.Origin), func(c *session.Context) {
		c.AppendTurn(domain.RoleUser, turn)
	})
	if err != nil {
		return err
	}
	publishAll(r.bus, recorded)

	if err := r.registry.Typing(ctx, evt.Origin, evt.ChannelID); err != nil {
		logger.DebugCF("responder", "typing indicator failed", map[string]interface{}{
			"channel": key,
			"error":   err.Error(),
		})
	}

	req := provider.Request{
		System:   r.system,
		Messages: toPrompt(r.store.RenderPrompt(key)),
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	text, err := r.completer.Complete(cctx, req)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		r.completionFailed(ctx, evt, key, err, elapsed)
		return nil
	}
	metrics.RecordCompletion(r.completer.Name(), "ok", elapsed.Seconds())

	recorded, err = r.store.Update(key, string(evt.Origin), func(c *session.Context) {
		c.AppendTurn(domain.RoleAssistant, text)
	})
	if err != nil {
		return err
	}
	publishAll(r.bus, recorded)
	publishAll(r.bus, []domain.Event{domain.NewEvent(domain.EventCompletionSucceeded, domain.EntityID(key), domain.Metadata{
		"session_key": key,
		"provider":    r.completer.Name(),
		"duration_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
	})})

	out := gateway.OutboundMessage{
		ChannelID: evt.ChannelID,
		Content:   r.prefix + text,
	}
	if r.useReplyRef {
		out.ReplyTo = evt.Message.MessageID
	}
	if _, err := r.registry.Send(ctx, evt.Origin, out); err != nil {
		logger.ErrorCF("responder", "reply delivery failed", map[string]interface{}{
			"channel": key,
			"error":   err.Error(),
		})
	}
	return nil
}

// completionFailed logs, counts and publishes the failure, then sends the
// configured fallback. The conversation history is left as it was.
func (r *Responder) completionFailed(ctx context.Context, evt events.Event, key string, err error, elapsed time.Duration) {
	reason := provider.ReasonOf(err)
	metrics.RecordCompletion(r.completer.Name(), string(reason), elapsed.Seconds())
	logger.ErrorCF("responder", "completion failed", map[string]interface{}{
		"channel": key,
		"reason":  string(reason),
		"error":   err.Error(),
	})
	publishAll(r.bus, []domain.Event{domain.NewEvent(domain.EventCompletionFailed, domain.EntityID(key), domain.Metadata{
		"session_key": key,
		"provider":    r.completer.Name(),
		"reason":      string(reason),
	})})

	if r.fallback == "" {
		return
	}
	if _, serr := r.registry.Send(ctx, evt.Origin, gateway.OutboundMessage{
		ChannelID: evt.ChannelID,
		Content:   r.fallback,
	}); serr != nil {
		logger.WarnCF("responder", "fallback delivery failed", map[string]interface{}{
			"channel": key,
			"error":   serr.Error(),
		})
	}
}

func (r *Responder) mentioned(evt events.Event) bool {
	if r.always {
		return true
	}
	self := r.registry.SelfID(evt.Origin)
	if self == "" {
		return false
	}
	for _, id := range evt.Message.Mentions {
		if id == self {
			return true
		}
	}
	return false
}

// promptAuthor prefers the display name; identity checks elsewhere always use
// the ID.
func promptAuthor(evt events.Event) string {
	if evt.AuthorName != "" {
		return evt.AuthorName
	}
	return evt.AuthorID
}

func toPrompt(turns []session.Turn) []provider.Message {
	out := make([]provider.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, provider.Message{Role: t.Role, Text: t.Text})
	}
	return out
}

func publishAll(bus domain.EventBus, recorded []domain.Event) {
	if bus == nil {
		return
	}
	for _, evt := range recorded {
		bus.Publish(evt)
	}
}
