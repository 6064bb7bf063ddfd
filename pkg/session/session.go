// Package session owns the per-channel conversational state: a bounded
// history of prior exchanges and the channel's counting position. One Context
// exists per channel key; the Store serializes all access to it.
package session

import (
	"strconv"
	"sync"

	"github.com/tallybot/tallybot/pkg/counting"
	"github.com/tallybot/tallybot/pkg/domain"
)

// DefaultHistoryLimit bounds a channel's history when no limit is configured.
// It caps both memory and the prompt sent to the completion provider.
const DefaultHistoryLimit = 20

// Turn is one role-tagged utterance in a conversation history. Immutable once
// appended.
type Turn struct {
	Role domain.Role      `json:"role"`
	Text string           `json:"text"`
	At   domain.Timestamp `json:"at"`
}

// Context is the aggregate root for one channel's state. Created lazily on
// the channel's first event and never explicitly destroyed.
type Context struct {
	domain.AggregateRoot

	Key    string `json:"key"`
	Origin string `json:"origin,omitempty"`

	// History holds the most recent turns, oldest first. Its length never
	// exceeds the limit: appends evict from the front (conversational order
	// matters, so eviction is FIFO rather than usage-based).
	History []Turn `json:"history"`

	// Counting is the channel's counting-game position.
	Counting counting.State `json:"counting"`

	CreatedAt domain.Timestamp `json:"created_at"`
	UpdatedAt domain.Timestamp `json:"updated_at"`

	limit int
	mu    sync.Mutex
}

func newContext(key, origin string, limit int) *Context {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	c := &Context{
		Key:       key,
		Origin:    origin,
		History:   make([]Turn, 0, limit),
		Counting:  counting.NewState(),
		CreatedAt: domain.Now(),
		UpdatedAt: domain.Now(),
		limit:     limit,
	}
	c.SetID(domain.EntityID(key))
	return c
}

// AppendTurn pushes a turn and evicts the oldest entries until the history
// fits the limit again.
func (c *Context) AppendTurn(role domain.Role, text string) {
	c.History = append(c.History, Turn{Role: role, Text: text, At: domain.Now()})
	if excess := len(c.History) - c.limit; excess > 0 {
		c.History = append(c.History[:0], c.History[excess:]...)
	}
	c.UpdatedAt = domain.Now()

	c.RecordEvent(domain.NewEvent(domain.EventSessionUpdated, c.ID(), domain.Metadata{
		"session_key": c.Key,
		"role":        string(role),
	}))
}

// RenderPrompt returns the history in chronological order. The returned slice
// is a copy; callers may hold it across lock boundaries.
func (c *Context) RenderPrompt() []Turn {
	out := make([]Turn, len(c.History))
	copy(out, c.History)
	return out
}

// ObserveCount feeds a message through the counting machine and commits the
// transition.
func (c *Context) ObserveCount(author, messageID, text string, ceiling int64) (counting.Outcome, counting.ResetReason) {
	next, outcome, reason := counting.Observe(c.Counting, author, messageID, text, ceiling)
	switch outcome {
	case counting.OutcomeAdvanced:
		c.Counting = next
		c.UpdatedAt = domain.Now()
		c.RecordEvent(domain.NewEvent(domain.EventCountingAdvanced, c.ID(), domain.Metadata{
			"session_key": c.Key,
			"next":        strconv.FormatInt(next.ExpectedNext, 10),
			"contributor": author,
		}))
	case counting.OutcomeReset:
		c.Counting = next
		c.UpdatedAt = domain.Now()
		c.RecordEvent(domain.NewEvent(domain.EventCountingReset, c.ID(), domain.Metadata{
			"session_key": c.Key,
			"reason":      string(reason),
		}))
	}
	return outcome, reason
}

// ApproveCount marks the current count approved when messageID matches it.
// Returns false when the reaction targeted some other message or the count is
// already approved.
func (c *Context) ApproveCount(messageID string) bool {
	if messageID == "" || c.Counting.LastMessageID != messageID || c.Counting.Approved {
		return false
	}
	c.Counting.Approved = true
	c.UpdatedAt = domain.Now()
	c.RecordEvent(domain.NewEvent(domain.EventCountingApproved, c.ID(), domain.Metadata{
		"session_key": c.Key,
		"message_id":  messageID,
	}))
	return true
}

// ResetCount restarts the counting game, recording the reason.
func (c *Context) ResetCount(reason counting.ResetReason) {
	c.Counting = counting.Reset()
	c.UpdatedAt = domain.Now()
	c.RecordEvent(domain.NewEvent(domain.EventCountingReset, c.ID(), domain.Metadata{
		"session_key": c.Key,
		"reason":      string(reason),
	}))
}

// Snapshot is the durable representation of a Context.
type Snapshot struct {
	Key       string           `json:"key"`
	Origin    string           `json:"origin,omitempty"`
	History   []Turn           `json:"history"`
	Counting  counting.State   `json:"counting"`
	UpdatedAt domain.Timestamp `json:"updated_at"`
}

func (c *Context) snapshot() Snapshot {
	history := make([]Turn, len(c.History))
	copy(history, c.History)
	return Snapshot{
		Key:       c.Key,
		Origin:    c.Origin,
		History:   history,
		Counting:  c.Counting,
		UpdatedAt: c.UpdatedAt,
	}
}

// SessionError is a typed error for the session package.
type SessionError string

func (e SessionError) Error() string { return string(e) }

const (
	ErrEmptyKey SessionError = "session key cannot be empty"
	ErrNotFound SessionError = "session context not found"
)
