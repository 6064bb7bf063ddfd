// Package console is a local REPL transport for development. Every line typed
// becomes a message addressed to the bot; replies print to the terminal.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/gateway"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/metrics"
)

const (
	selfID    = "tallybot"
	channelID = "local"
	authorID  = "operator"
)

// Transport is the console implementation of gateway.Transport.
type Transport struct {
	prompt string
	seq    atomic.Int64

	mu sync.Mutex
	rl *readline.Instance
}

var _ gateway.Transport = (*Transport)(nil)

// New builds a console transport. The terminal is not touched until Run.
func New(prompt string) *Transport {
	if prompt == "" {
		prompt = "> "
	}
	return &Transport{prompt: prompt}
}

func (t *Transport) Origin() events.Origin { return events.OriginConsole }
func (t *Transport) Identity() string      { return selfID }

// Run reads lines until ctx is canceled or the terminal reaches EOF.
func (t *Transport) Run(ctx context.Context, emit gateway.EmitFunc) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          t.prompt,
		InterruptPrompt: "^C",
	})
	if err != nil {
		return &gateway.StreamFatalError{Origin: events.OriginConsole, Err: err}
	}
	t.mu.Lock()
	t.rl = rl
	t.mu.Unlock()
	defer rl.Close()

	go func() {
		<-ctx.Done()
		rl.Close()
	}()
	logger.InfoC("console", "repl ready")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if err != nil {
			// io.EOF on ctrl-d, closed instance on ctx cancel. Both clean.
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		emit(t.lineEvent(line))
	}
}

// lineEvent wraps one typed line as a message that mentions the bot.
func (t *Transport) lineEvent(line string) events.Event {
	return events.Event{
		Kind:       events.KindMessageCreated,
		Origin:     events.OriginConsole,
		ChannelID:  channelID,
		AuthorID:   authorID,
		AuthorName: authorID,
		At:         time.Now().UTC(),
		Message: &events.MessagePayload{
			MessageID: "console-" + strconv.FormatInt(t.seq.Add(1), 10),
			Content:   line,
			Mentions:  []string{selfID},
		},
	}
}

// Send prints the message to the terminal, through readline when the REPL is
// live so the prompt redraws underneath.
func (t *Transport) Send(ctx context.Context, msg gateway.OutboundMessage) (string, error) {
	t.mu.Lock()
	rl := t.rl
	t.mu.Unlock()

	var w io.Writer = os.Stdout
	if rl != nil {
		w = rl.Stdout()
	}
	if _, err := fmt.Fprintf(w, "%s\n", msg.Content); err != nil {
		return "", err
	}
	metrics.OutboundMessagesTotal.WithLabelValues(string(events.OriginConsole)).Inc()
	return "console-out-" + strconv.FormatInt(t.seq.Add(1), 10), nil
}

// Typing is a no-op; a terminal has no typing indicator.
func (t *Transport) Typing(ctx context.Context, channelID string) error { return nil }
