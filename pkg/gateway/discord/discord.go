// Package discord adapts the Discord gateway to the Transport interface.
// Inbound websocket dispatches become gateway events; outbound messages are
// chunked to Discord's 2000 character limit.
package discord

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/gateway"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/metrics"
)

// mapped lists the wire types with a typed translation. Everything else the
// socket delivers is surfaced as an unknown event.
var mapped = map[string]struct{}{
	"MESSAGE_CREATE":          {},
	"MESSAGE_UPDATE":          {},
	"MESSAGE_DELETE":          {},
	"MESSAGE_REACTION_ADD":    {},
	"MESSAGE_REACTION_REMOVE": {},
	"TYPING_START":            {},
}

// Transport is the Discord implementation of gateway.Transport.
type Transport struct {
	session   *discordgo.Session
	chunkSize int

	mu   sync.RWMutex
	self string
}

var _ gateway.Transport = (*Transport)(nil)

// New builds a Transport from a bot token. The session is configured but not
// opened; Run establishes the connection.
func New(token string) (*Transport, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsGuildMessageTyping |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentMessageContent

	return &Transport{
		session:   session,
		chunkSize: gateway.DefaultChunkSize,
	}, nil
}

func (t *Transport) Origin() events.Origin { return events.OriginDiscord }

// Identity returns the bot's user ID once the gateway has sent READY.
func (t *Transport) Identity() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// Run opens the websocket and pumps events into emit until ctx is canceled.
// Reconnects after transient drops are handled inside the library; only a
// failed open is fatal.
func (t *Transport) Run(ctx context.Context, emit gateway.EmitFunc) error {
	t.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		t.mu.Lock()
		t.self = r.User.ID
		t.mu.Unlock()
		logger.InfoCF("discord", "gateway ready", map[string]interface{}{
			"user": r.User.Username,
			"id":   r.User.ID,
		})
	})
	t.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		emit(t.fromMessageCreate(m))
	})
	t.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageUpdate) {
		if evt, ok := t.fromMessageUpdate(m); ok {
			emit(evt)
		}
	})
	t.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageDelete) {
		emit(t.fromMessageDelete(m))
	})
	t.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageReactionAdd) {
		emit(t.fromReaction(events.KindReactionAdded, m.MessageReaction))
	})
	t.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageReactionRemove) {
		emit(t.fromReaction(events.KindReactionRemoved, m.MessageReaction))
	})
	t.session.AddHandler(func(s *discordgo.Session, m *discordgo.TypingStart) {
		emit(t.fromTyping(m))
	})
	t.session.AddHandler(func(s *discordgo.Session, e *discordgo.Event) {
		if _, ok := mapped[e.Type]; ok {
			return
		}
		emit(events.NewUnknown(events.OriginDiscord, e.Type, e.RawData))
	})

	if err := t.session.Open(); err != nil {
		return &gateway.StreamFatalError{Origin: events.OriginDiscord, Err: err}
	}
	logger.InfoC("discord", "gateway connected")

	<-ctx.Done()
	if err := t.session.Close(); err != nil {
		logger.WarnCF("discord", "gateway close failed", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// Send delivers the message, chunking to the platform limit. Only the first
// chunk carries the reply reference. Returns the ID of the last chunk.
func (t *Transport) Send(ctx context.Context, msg gateway.OutboundMessage) (string, error) {
	var lastID string
	for i, chunk := range gateway.SplitMessage(msg.Content, t.chunkSize) {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{
				MessageID: msg.ReplyTo,
				ChannelID: msg.ChannelID,
			}
		}
		sent, err := t.session.ChannelMessageSendComplex(msg.ChannelID, data, discordgo.WithContext(ctx))
		if err != nil {
			return lastID, err
		}
		lastID = sent.ID
		metrics.OutboundMessagesTotal.WithLabelValues(string(events.OriginDiscord)).Inc()
	}
	return lastID, nil
}

// Typing shows the typing indicator in the channel. It expires on its own
// after a few seconds or when a message arrives.
func (t *Transport) Typing(ctx context.Context, channelID string) error {
	return t.session.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

// ---------------------------------------------------------------------------
// Wire translation
// ---------------------------------------------------------------------------

func (t *Transport) fromMessageCreate(m *discordgo.MessageCreate) events.Event {
	return events.Event{
		Kind:       events.KindMessageCreated,
		Origin:     events.OriginDiscord,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		AuthorID:   authorID(m.Message),
		AuthorName: authorName(m.Message),
		At:         messageTime(m.Message),
		Message: &events.MessagePayload{
			MessageID: m.ID,
			Content:   m.Content,
			Mentions:  t.mentions(m.Message),
			ReplyToID: replyTo(m.Message),
		},
	}
}

// fromMessageUpdate skips embed-only edits, which arrive without an author.
func (t *Transport) fromMessageUpdate(m *discordgo.MessageUpdate) (events.Event, bool) {
	if m.Author == nil {
		return events.Event{}, false
	}
	return events.Event{
		Kind:       events.KindMessageUpdated,
		Origin:     events.OriginDiscord,
		ChannelID:  m.ChannelID,
		GuildID:    m.GuildID,
		AuthorID:   m.Author.ID,
		AuthorName: authorName(m.Message),
		At:         messageTime(m.Message),
		Message: &events.MessagePayload{
			MessageID: m.ID,
			Content:   m.Content,
			Mentions:  t.mentions(m.Message),
			ReplyToID: replyTo(m.Message),
		},
	}, true
}

func (t *Transport) fromMessageDelete(m *discordgo.MessageDelete) events.Event {
	return events.Event{
		Kind:      events.KindMessageDeleted,
		Origin:    events.OriginDiscord,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		At:        time.Now().UTC(),
		Message:   &events.MessagePayload{MessageID: m.ID},
	}
}

func (t *Transport) fromReaction(kind events.Kind, r *discordgo.MessageReaction) events.Event {
	return events.Event{
		Kind:      kind,
		Origin:    events.OriginDiscord,
		ChannelID: r.ChannelID,
		GuildID:   r.GuildID,
		AuthorID:  r.UserID,
		At:        time.Now().UTC(),
		Reaction: &events.ReactionPayload{
			MessageID: r.MessageID,
			Emoji:     r.Emoji.Name,
		},
	}
}

func (t *Transport) fromTyping(m *discordgo.TypingStart) events.Event {
	return events.Event{
		Kind:      events.KindTypingStarted,
		Origin:    events.OriginDiscord,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		AuthorID:  m.UserID,
		At:        time.Unix(int64(m.Timestamp), 0).UTC(),
	}
}

// mentions converts the mention list, treating a direct message as an
// implicit mention of the bot so DMs always get a reply.
func (t *Transport) mentions(m *discordgo.Message) []string {
	ids := mentionIDs(m.Mentions)
	if m.GuildID == "" {
		if self := t.Identity(); self != "" && authorID(m) != self {
			ids = append(ids, self)
		}
	}
	return ids
}

func authorID(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.ID
}

func authorName(m *discordgo.Message) string {
	if m.Author == nil {
		return ""
	}
	return m.Author.Username
}

func messageTime(m *discordgo.Message) time.Time {
	if m.Timestamp.IsZero() {
		return time.Now().UTC()
	}
	return m.Timestamp
}

func mentionIDs(users []*discordgo.User) []string {
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		if u != nil {
			ids = append(ids, u.ID)
		}
	}
	return ids
}

func replyTo(m *discordgo.Message) string {
	if m.MessageReference != nil {
		return m.MessageReference.MessageID
	}
	if m.ReferencedMessage != nil {
		return m.ReferencedMessage.ID
	}
	return ""
}
