// Package counting implements the per-channel counting game: a chain of
// messages "1", "2", "3", ... where every number must be the expected next
// integer and no participant may count twice in a row. The machine itself is
// pure; the session layer owns the per-channel State and the app layer feeds
// messages through it.
package counting

import "strings"

// DefaultCeiling bounds accepted counts. Anything above it is treated as a
// non-match, not an error.
const DefaultCeiling int64 = 1_000_000_000

// State is the counting position of one channel.
type State struct {
	// ExpectedNext is the integer the chain is waiting for. Always >= 1;
	// resets to 1 on a detected break.
	ExpectedNext int64 `json:"expected_next"`
	// LastContributor is who produced the current count ("" after a reset).
	LastContributor string `json:"last_contributor,omitempty"`
	// LastMessageID identifies the message holding the current count, so
	// moderation reactions can target it.
	LastMessageID string `json:"last_message_id,omitempty"`
	// Approved is set when a moderator approved the current count and
	// cleared by the next count. The auto-counter only plays on approved
	// positions.
	Approved bool `json:"approved,omitempty"`
}

// NewState returns the starting position.
func NewState() State {
	return State{ExpectedNext: 1}
}

// Outcome classifies what a message did to the chain.
type Outcome int

const (
	// OutcomeIgnored: the message is not a count; the state is untouched.
	OutcomeIgnored Outcome = iota
	// OutcomeAdvanced: the message was the expected next count.
	OutcomeAdvanced
	// OutcomeReset: the message was a count but broke the chain.
	OutcomeReset
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeReset:
		return "reset"
	default:
		return "ignored"
	}
}

// ResetReason names what broke the chain.
type ResetReason string

const (
	ResetWrongNumber       ResetReason = "wrong_number"
	ResetRepeatContributor ResetReason = "repeat_contributor"
	ResetModerator         ResetReason = "moderator"
)

// Parse reports whether text, after trimming surrounding whitespace, is a
// canonical decimal positive integer no greater than ceiling. Leading zeros,
// signs, and inner garbage are all non-matches.
func Parse(text string, ceiling int64) (int64, bool) {
	text = strings.TrimSpace(text)
	if text == "" || text[0] == '0' {
		return 0, false
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	var n int64
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
		if n > ceiling {
			return 0, false
		}
	}
	return n, true
}

// Observe applies one message to the state and returns the updated state,
// the outcome, and the reset reason when the outcome is a reset.
func Observe(st State, author, messageID, text string, ceiling int64) (State, Outcome, ResetReason) {
	n, ok := Parse(text, ceiling)
	if !ok {
		return st, OutcomeIgnored, ""
	}

	if author != "" && author == st.LastContributor {
		return resetState(), OutcomeReset, ResetRepeatContributor
	}
	if n != st.ExpectedNext {
		return resetState(), OutcomeReset, ResetWrongNumber
	}

	return State{
		ExpectedNext:    n + 1,
		LastContributor: author,
		LastMessageID:   messageID,
	}, OutcomeAdvanced, ""
}

// Reset returns the starting position; used for moderator-driven restarts.
func Reset() State {
	return resetState()
}

func resetState() State {
	return State{ExpectedNext: 1}
}
