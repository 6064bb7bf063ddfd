// Package telegram adapts the Telegram Bot API to the Transport interface
// using long polling. Message deletions never arrive here; Telegram does not
// deliver them to bots.
package telegram

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/gateway"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/metrics"
)

// chunkSize is Telegram's message length cap.
const chunkSize = 4096

// TelegramError is a typed error for the telegram package.
type TelegramError string

func (e TelegramError) Error() string { return string(e) }

const ErrBadChatID TelegramError = "channel id is not a telegram chat id"

// Transport is the Telegram implementation of gateway.Transport.
type Transport struct {
	bot *telego.Bot

	mu       sync.RWMutex
	self     string
	username string
}

var _ gateway.Transport = (*Transport)(nil)

// New builds a Transport from a bot token.
func New(token string) (*Transport, error) {
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, err
	}
	return &Transport{bot: bot}, nil
}

func (t *Transport) Origin() events.Origin { return events.OriginTelegram }

// Identity returns the bot's numeric user ID once Run has resolved it.
func (t *Transport) Identity() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// Run resolves the bot identity, then long-polls updates into emit until ctx
// is canceled. The update channel closing on cancellation is a clean stop.
func (t *Transport) Run(ctx context.Context, emit gateway.EmitFunc) error {
	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return &gateway.StreamFatalError{Origin: events.OriginTelegram, Err: err}
	}
	t.mu.Lock()
	t.self = strconv.FormatInt(me.ID, 10)
	t.username = me.Username
	t.mu.Unlock()
	logger.InfoCF("telegram", "bot identified", map[string]interface{}{
		"username": me.Username,
		"id":       me.ID,
	})

	updates, err := t.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message", "edited_message", "message_reaction"},
	})
	if err != nil {
		return &gateway.StreamFatalError{Origin: events.OriginTelegram, Err: err}
	}

	for update := range updates {
		for _, evt := range t.translate(update) {
			emit(evt)
		}
	}
	return nil
}

// Send delivers the message, chunking to Telegram's limit. Only the first
// chunk replies to the referenced message.
func (t *Transport) Send(ctx context.Context, msg gateway.OutboundMessage) (string, error) {
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return "", ErrBadChatID
	}

	var lastID string
	for i, chunk := range gateway.SplitMessage(msg.Content, chunkSize) {
		params := tu.Message(tu.ID(chatID), chunk)
		if i == 0 && msg.ReplyTo != "" {
			replyID, err := strconv.Atoi(msg.ReplyTo)
			if err == nil {
				params = params.WithReplyParameters(&telego.ReplyParameters{MessageID: replyID})
			}
		}
		sent, err := t.bot.SendMessage(ctx, params)
		if err != nil {
			return lastID, err
		}
		lastID = strconv.Itoa(sent.MessageID)
		metrics.OutboundMessagesTotal.WithLabelValues(string(events.OriginTelegram)).Inc()
	}
	return lastID, nil
}

// Typing shows the "typing..." chat action.
func (t *Transport) Typing(ctx context.Context, channelID string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return ErrBadChatID
	}
	return t.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: tu.ID(chatID),
		Action: telego.ChatActionTyping,
	})
}

// ---------------------------------------------------------------------------
// Wire translation
// ---------------------------------------------------------------------------

func (t *Transport) translate(update telego.Update) []events.Event {
	switch {
	case update.Message != nil:
		if evt, ok := t.fromMessage(events.KindMessageCreated, update.Message); ok {
			return []events.Event{evt}
		}
		return nil
	case update.EditedMessage != nil:
		if evt, ok := t.fromMessage(events.KindMessageUpdated, update.EditedMessage); ok {
			return []events.Event{evt}
		}
		return nil
	case update.MessageReaction != nil:
		return t.fromReactionUpdate(update.MessageReaction)
	default:
		raw, _ := json.Marshal(update)
		return []events.Event{events.NewUnknown(events.OriginTelegram, updateType(update), raw)}
	}
}

// fromMessage translates a message, skipping service messages with no sender.
func (t *Transport) fromMessage(kind events.Kind, m *telego.Message) (events.Event, bool) {
	if m.From == nil {
		return events.Event{}, false
	}

	mentions := t.normalizeMentions(mentionUsernames(m.Text, m.Entities))
	if m.Chat.Type == telego.ChatTypePrivate {
		// A private chat always addresses the bot.
		if self := t.Identity(); self != "" {
			mentions = append(mentions, self)
		}
	}

	replyTo := ""
	if m.ReplyToMessage != nil {
		replyTo = strconv.Itoa(m.ReplyToMessage.MessageID)
	}

	name := m.From.Username
	if name == "" {
		name = m.From.FirstName
	}

	return events.Event{
		Kind:       kind,
		Origin:     events.OriginTelegram,
		ChannelID:  strconv.FormatInt(m.Chat.ID, 10),
		AuthorID:   strconv.FormatInt(m.From.ID, 10),
		AuthorName: name,
		At:         time.Unix(m.Date, 0).UTC(),
		Message: &events.MessagePayload{
			MessageID: strconv.Itoa(m.MessageID),
			Content:   m.Text,
			Mentions:  mentions,
			ReplyToID: replyTo,
		},
	}, true
}

// fromReactionUpdate diffs the old and new reaction sets into added and
// removed events. Anonymous reactions carry no user and are skipped.
func (t *Transport) fromReactionUpdate(mr *telego.MessageReactionUpdated) []events.Event {
	if mr.User == nil {
		return nil
	}

	old := make(map[string]bool)
	for _, r := range mr.OldReaction {
		if e := emojiOf(r); e != "" {
			old[e] = true
		}
	}
	cur := make(map[string]bool)
	for _, r := range mr.NewReaction {
		if e := emojiOf(r); e != "" {
			cur[e] = true
		}
	}

	var added, removed []string
	for e := range cur {
		if !old[e] {
			added = append(added, e)
		}
	}
	for e := range old {
		if !cur[e] {
			removed = append(removed, e)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	base := events.Event{
		Origin:    events.OriginTelegram,
		ChannelID: strconv.FormatInt(mr.Chat.ID, 10),
		AuthorID:  strconv.FormatInt(mr.User.ID, 10),
		At:        time.Unix(mr.Date, 0).UTC(),
	}

	var out []events.Event
	for _, e := range added {
		evt := base
		evt.Kind = events.KindReactionAdded
		evt.Reaction = &events.ReactionPayload{
			MessageID: strconv.Itoa(mr.MessageID),
			Emoji:     e,
		}
		out = append(out, evt)
	}
	for _, e := range removed {
		evt := base
		evt.Kind = events.KindReactionRemoved
		evt.Reaction = &events.ReactionPayload{
			MessageID: strconv.Itoa(mr.MessageID),
			Emoji:     e,
		}
		out = append(out, evt)
	}
	return out
}

// normalizeMentions rewrites a mention of the bot's username to its user ID,
// so mention checks work the same on every platform.
func (t *Transport) normalizeMentions(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	t.mu.RLock()
	self, username := t.self, t.username
	t.mu.RUnlock()

	out := make([]string, 0, len(names))
	for _, n := range names {
		if username != "" && strings.EqualFold(n, username) && self != "" {
			out = append(out, self)
			continue
		}
		out = append(out, n)
	}
	return out
}

// mentionUsernames extracts @mentions from entity offsets, which Telegram
// measures in UTF-16 code units.
func mentionUsernames(text string, entities []telego.MessageEntity) []string {
	if len(entities) == 0 {
		return nil
	}
	encoded := utf16.Encode([]rune(text))

	var out []string
	for _, e := range entities {
		if e.Type != telego.EntityTypeMention {
			continue
		}
		if e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > len(encoded) {
			continue
		}
		mention := string(utf16.Decode(encoded[e.Offset : e.Offset+e.Length]))
		out = append(out, strings.TrimPrefix(mention, "@"))
	}
	return out
}

func emojiOf(r telego.ReactionType) string {
	switch v := r.(type) {
	case *telego.ReactionTypeEmoji:
		return v.Emoji
	}
	return ""
}

func updateType(u telego.Update) string {
	switch {
	case u.ChannelPost != nil:
		return "channel_post"
	case u.EditedChannelPost != nil:
		return "edited_channel_post"
	case u.MessageReactionCount != nil:
		return "message_reaction_count"
	case u.CallbackQuery != nil:
		return "callback_query"
	case u.MyChatMember != nil:
		return "my_chat_member"
	case u.ChatMember != nil:
		return "chat_member"
	case u.Poll != nil:
		return "poll"
	default:
		return "update"
	}
}
