// Package events defines the typed representation of inbound gateway
// occurrences. Events are pure data: adapters construct them from transport
// payloads, the dispatcher routes them, handlers consume them. An Event is
// immutable once constructed.
package events

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind is the closed set of event variant tags.
type Kind string

const (
	KindMessageCreated  Kind = "message.created"
	KindMessageUpdated  Kind = "message.updated"
	KindMessageDeleted  Kind = "message.deleted"
	KindReactionAdded   Kind = "reaction.added"
	KindReactionRemoved Kind = "reaction.removed"
	KindTypingStarted   Kind = "typing.started"
	KindScheduledTick   Kind = "schedule.tick"

	// KindUnknown is the catch-all for gateway payloads this build does not
	// recognize. They are counted and logged, never silently dropped.
	KindUnknown Kind = "unknown"
)

func (k Kind) String() string { return string(k) }

// Origin identifies the transport an event arrived through.
type Origin string

const (
	OriginDiscord  Origin = "discord"
	OriginTelegram Origin = "telegram"
	OriginConsole  Origin = "console"

	// OriginInternal marks events synthesized inside the process, such as
	// scheduler ticks.
	OriginInternal Origin = "internal"
)

func (o Origin) String() string { return string(o) }

// Event is one inbound occurrence. Exactly one payload pointer is set,
// matching Kind; unknown events carry the raw wire payload instead.
type Event struct {
	Kind      Kind   `json:"kind"`
	Origin    Origin `json:"origin"`
	ChannelID string `json:"channel_id,omitempty"`
	GuildID   string `json:"guild_id,omitempty"`
	AuthorID  string `json:"author_id,omitempty"`

	// AuthorName is the display name where the platform provides one.
	// Identity checks always use AuthorID; this is for rendering only.
	AuthorName string    `json:"author_name,omitempty"`
	At         time.Time `json:"at"`

	Message  *MessagePayload  `json:"message,omitempty"`
	Reaction *ReactionPayload `json:"reaction,omitempty"`
	Tick     *TickPayload     `json:"tick,omitempty"`

	// WireType and Raw are set only on KindUnknown.
	WireType string          `json:"wire_type,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// MessagePayload carries the variant-specific data of message events. For
// deletions only MessageID is guaranteed.
type MessagePayload struct {
	MessageID string   `json:"message_id"`
	Content   string   `json:"content,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
	ReplyToID string   `json:"reply_to_id,omitempty"`
}

// ReactionPayload carries the emoji and target of reaction events. The
// reactor is the event's AuthorID.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// TickPayload carries the cron rule that fired a schedule.tick.
type TickPayload struct {
	Rule string `json:"rule,omitempty"`
}

// Key returns the per-channel serialization key, namespacing the channel id
// by its origin (the session store uses the same keys).
func (e Event) Key() string {
	return string(e.Origin) + ":" + e.ChannelID
}

// SplitKey is the inverse of Key. The bool is false when key is missing the
// separator or either side is empty. Only the first colon separates: channel
// ids may not contain one, origins never do.
func SplitKey(key string) (Origin, string, bool) {
	i := strings.IndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return Origin(key[:i]), key[i+1:], true
}

// NewUnknown builds the catch-all event for an unrecognized gateway payload.
func NewUnknown(origin Origin, wireType string, raw json.RawMessage) Event {
	return Event{
		Kind:     KindUnknown,
		Origin:   origin,
		At:       time.Now().UTC(),
		WireType: wireType,
		Raw:      raw,
	}
}

// MalformedEventError reports a gateway payload missing required fields.
// Adapters drop and log such payloads at decode time.
type MalformedEventError struct {
	Origin Origin
	Kind   Kind
	Field  string
}

func (e *MalformedEventError) Error() string {
	return "malformed " + string(e.Kind) + " event from " + string(e.Origin) + ": missing " + e.Field
}

// Validate checks the required fields for the event's kind. Unknown events
// are always valid: their contract is only to carry the raw payload.
func (e Event) Validate() error {
	if e.Kind == KindUnknown {
		return nil
	}
	if e.Origin == "" {
		return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "origin"}
	}
	if e.ChannelID == "" {
		return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "channel_id"}
	}

	switch e.Kind {
	case KindMessageCreated, KindMessageUpdated:
		if e.Message == nil {
			return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "message"}
		}
		if e.Message.MessageID == "" {
			return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "message.message_id"}
		}
		if e.AuthorID == "" {
			return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "author_id"}
		}
	case KindMessageDeleted:
		if e.Message == nil || e.Message.MessageID == "" {
			return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "message.message_id"}
		}
	case KindReactionAdded, KindReactionRemoved:
		if e.Reaction == nil {
			return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "reaction"}
		}
		if e.Reaction.MessageID == "" {
			return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "reaction.message_id"}
		}
		if e.Reaction.Emoji == "" {
			return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "reaction.emoji"}
		}
		if e.AuthorID == "" {
			return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "author_id"}
		}
	case KindTypingStarted:
		if e.AuthorID == "" {
			return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "author_id"}
		}
	case KindScheduledTick:
		// channel id checked above; ticks have no author
	default:
		return &MalformedEventError{Origin: e.Origin, Kind: e.Kind, Field: "kind"}
	}
	return nil
}
