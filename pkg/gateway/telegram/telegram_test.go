package telegram

import (
	"testing"

	"github.com/mymmrac/telego"

	"github.com/tallybot/tallybot/pkg/events"
)

func newTestTransport() *Transport {
	return &Transport{self: "777", username: "tallybot"}
}

func TestFromMessageGroupMentionNormalized(t *testing.T) {
	tr := newTestTransport()

	evt, ok := tr.fromMessage(events.KindMessageCreated, &telego.Message{
		MessageID: 42,
		From:      &telego.User{ID: 1001},
		Date:      1700000000,
		Chat:      telego.Chat{ID: -500, Type: telego.ChatTypeGroup},
		Text:      "@tallybot count with us",
		Entities: []telego.MessageEntity{
			{Type: telego.EntityTypeMention, Offset: 0, Length: 9},
		},
	})
	if !ok {
		t.Fatal("message should translate")
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("translated event should be valid: %v", err)
	}
	if evt.ChannelID != "-500" || evt.AuthorID != "1001" {
		t.Errorf("wrong envelope: %+v", evt)
	}
	if evt.Message.MessageID != "42" {
		t.Errorf("wrong message id: %q", evt.Message.MessageID)
	}
	if len(evt.Message.Mentions) != 1 || evt.Message.Mentions[0] != "777" {
		t.Errorf("bot mention should normalize to its user id, got %v", evt.Message.Mentions)
	}
}

func TestFromMessagePrivateChatAddressesBot(t *testing.T) {
	tr := newTestTransport()

	evt, ok := tr.fromMessage(events.KindMessageCreated, &telego.Message{
		MessageID: 7,
		From:      &telego.User{ID: 1001},
		Chat:      telego.Chat{ID: 1001, Type: telego.ChatTypePrivate},
		Text:      "hello there",
	})
	if !ok {
		t.Fatal("message should translate")
	}
	if len(evt.Message.Mentions) != 1 || evt.Message.Mentions[0] != "777" {
		t.Errorf("private chats address the bot implicitly, got %v", evt.Message.Mentions)
	}
}

func TestFromMessageSkipsServiceMessages(t *testing.T) {
	tr := newTestTransport()
	if _, ok := tr.fromMessage(events.KindMessageCreated, &telego.Message{
		MessageID: 1,
		Chat:      telego.Chat{ID: -500, Type: telego.ChatTypeGroup},
	}); ok {
		t.Error("senderless service messages should be skipped")
	}
}

func TestFromMessageCarriesReply(t *testing.T) {
	tr := newTestTransport()

	evt, ok := tr.fromMessage(events.KindMessageCreated, &telego.Message{
		MessageID:      10,
		From:           &telego.User{ID: 1001},
		Chat:           telego.Chat{ID: -500, Type: telego.ChatTypeGroup},
		Text:           "replying",
		ReplyToMessage: &telego.Message{MessageID: 9},
	})
	if !ok {
		t.Fatal("message should translate")
	}
	if evt.Message.ReplyToID != "9" {
		t.Errorf("reply id = %q, want 9", evt.Message.ReplyToID)
	}
}

func TestMentionUsernamesUTF16Offsets(t *testing.T) {
	// The leading emoji is a surrogate pair, so byte or rune offsets would
	// slice the mention wrong.
	text := "🎉 @tallybot"
	got := mentionUsernames(text, []telego.MessageEntity{
		{Type: telego.EntityTypeMention, Offset: 3, Length: 9},
	})
	if len(got) != 1 || got[0] != "tallybot" {
		t.Errorf("got %v, want [tallybot]", got)
	}
}

func TestMentionUsernamesIgnoresBadOffsets(t *testing.T) {
	got := mentionUsernames("hi", []telego.MessageEntity{
		{Type: telego.EntityTypeMention, Offset: 1, Length: 50},
	})
	if len(got) != 0 {
		t.Errorf("out-of-range entity should be skipped, got %v", got)
	}
}

func TestFromReactionUpdateDiffs(t *testing.T) {
	tr := newTestTransport()

	evts := tr.fromReactionUpdate(&telego.MessageReactionUpdated{
		Chat:      telego.Chat{ID: -500},
		MessageID: 42,
		User:      &telego.User{ID: 2002},
		Date:      1700000000,
		OldReaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: "👍"},
		},
		NewReaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: "👍"},
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: "✅"},
		},
	})

	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	evt := evts[0]
	if err := evt.Validate(); err != nil {
		t.Fatalf("translated event should be valid: %v", err)
	}
	if evt.Kind != events.KindReactionAdded || evt.Reaction.Emoji != "✅" {
		t.Errorf("expected added ✅, got %+v", evt)
	}
	if evt.Reaction.MessageID != "42" || evt.AuthorID != "2002" {
		t.Errorf("wrong envelope: %+v", evt)
	}
}

func TestFromReactionUpdateRemoval(t *testing.T) {
	tr := newTestTransport()

	evts := tr.fromReactionUpdate(&telego.MessageReactionUpdated{
		Chat:      telego.Chat{ID: -500},
		MessageID: 42,
		User:      &telego.User{ID: 2002},
		OldReaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: "❌"},
		},
	})

	if len(evts) != 1 || evts[0].Kind != events.KindReactionRemoved {
		t.Fatalf("expected one removal, got %v", evts)
	}
	if evts[0].Reaction.Emoji != "❌" {
		t.Errorf("wrong emoji: %q", evts[0].Reaction.Emoji)
	}
}

func TestFromReactionUpdateSkipsAnonymous(t *testing.T) {
	tr := newTestTransport()
	evts := tr.fromReactionUpdate(&telego.MessageReactionUpdated{
		Chat:      telego.Chat{ID: -500},
		MessageID: 42,
		NewReaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: "✅"},
		},
	})
	if len(evts) != 0 {
		t.Errorf("anonymous reactions should be skipped, got %v", evts)
	}
}

func TestTranslateUnknownUpdate(t *testing.T) {
	tr := newTestTransport()

	evts := tr.translate(telego.Update{})
	if len(evts) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evts))
	}
	evt := evts[0]
	if evt.Kind != events.KindUnknown || evt.Origin != events.OriginTelegram {
		t.Errorf("expected telegram unknown event, got %+v", evt)
	}
	if err := evt.Validate(); err != nil {
		t.Errorf("unknown events are always valid: %v", err)
	}
}
