package gateway

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/tallybot/tallybot/pkg/events"
)

// ---------------------------------------------------------------------------
// SplitMessage
// ---------------------------------------------------------------------------

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name    string
		content string
		size    int
		want    []string
	}{
		{
			name:    "short message passes through",
			content: "hello world",
			size:    2000,
			want:    []string{"hello world"},
		},
		{
			name:    "empty message passes through",
			content: "",
			size:    2000,
			want:    []string{""},
		},
		{
			name:    "line exactly at limit stays whole",
			content: strings.Repeat("a", 10),
			size:    10,
			want:    []string{strings.Repeat("a", 10)},
		},
		{
			name:    "lines group under the limit",
			content: "aaa\nbbb\nccc",
			size:    8,
			want:    []string{"aaa\nbbb", "ccc"},
		},
		{
			name:    "long line cut hard at the boundary",
			content: strings.Repeat("x", 25),
			size:    10,
			want:    []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)},
		},
		{
			name:    "long line flushes accumulated lines first",
			content: "hi\n" + strings.Repeat("y", 12),
			size:    10,
			want:    []string{"hi", strings.Repeat("y", 10), "yy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitMessage(tt.content, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d chunks %q, want %d %q", len(got), got, len(tt.want), tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitMessageCountsRunes(t *testing.T) {
	// Multibyte characters count as one, so chunks respect platform limits
	// measured in characters rather than bytes.
	content := strings.Repeat("日", 15)
	chunks := SplitMessage(content, 10)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(chunks), chunks)
	}
	if n := utf8.RuneCountInString(chunks[0]); n != 10 {
		t.Errorf("first chunk holds %d runes, want 10", n)
	}
	if n := utf8.RuneCountInString(chunks[1]); n != 5 {
		t.Errorf("second chunk holds %d runes, want 5", n)
	}
}

func TestSplitMessageNeverExceedsLimit(t *testing.T) {
	content := strings.Repeat("word seven\nanother line here\n", 200)
	for _, chunk := range SplitMessage(content, 50) {
		if n := utf8.RuneCountInString(chunk); n > 50 {
			t.Fatalf("chunk of %d runes exceeds limit: %q", n, chunk)
		}
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

type fakeTransport struct {
	origin   events.Origin
	identity string
	sent     []OutboundMessage
	typed    []string
}

func (f *fakeTransport) Origin() events.Origin { return f.origin }
func (f *fakeTransport) Identity() string      { return f.identity }

func (f *fakeTransport) Run(ctx context.Context, emit EmitFunc) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	f.sent = append(f.sent, msg)
	return "sent-1", nil
}

func (f *fakeTransport) Typing(ctx context.Context, channelID string) error {
	f.typed = append(f.typed, channelID)
	return nil
}

var _ Transport = (*fakeTransport)(nil)

func TestRegistryRoutesByOrigin(t *testing.T) {
	r := NewRegistry()
	discord := &fakeTransport{origin: events.OriginDiscord, identity: "bot-d"}
	console := &fakeTransport{origin: events.OriginConsole, identity: "bot-c"}

	if err := r.Add(discord); err != nil {
		t.Fatalf("add discord: %v", err)
	}
	if err := r.Add(console); err != nil {
		t.Fatalf("add console: %v", err)
	}
	if err := r.Add(&fakeTransport{origin: events.OriginDiscord}); err != ErrDuplicateOrigin {
		t.Errorf("expected ErrDuplicateOrigin, got %v", err)
	}

	id, err := r.Send(context.Background(), events.OriginDiscord, OutboundMessage{ChannelID: "100", Content: "hi"})
	if err != nil || id != "sent-1" {
		t.Fatalf("send: id=%q err=%v", id, err)
	}
	if len(discord.sent) != 1 || len(console.sent) != 0 {
		t.Errorf("send reached the wrong transport")
	}

	if _, err := r.Send(context.Background(), events.OriginTelegram, OutboundMessage{}); err != ErrUnknownOrigin {
		t.Errorf("expected ErrUnknownOrigin, got %v", err)
	}
}

func TestRegistrySelfID(t *testing.T) {
	r := NewRegistry()
	r.Add(&fakeTransport{origin: events.OriginDiscord, identity: "bot-d"})

	if got := r.SelfID(events.OriginDiscord); got != "bot-d" {
		t.Errorf("SelfID = %q, want bot-d", got)
	}
	if got := r.SelfID(events.OriginTelegram); got != "" {
		t.Errorf("unregistered origin should resolve to empty, got %q", got)
	}
}

func TestRegistryOriginsSorted(t *testing.T) {
	r := NewRegistry()
	r.Add(&fakeTransport{origin: events.OriginTelegram})
	r.Add(&fakeTransport{origin: events.OriginConsole})
	r.Add(&fakeTransport{origin: events.OriginDiscord})

	got := r.Origins()
	want := []events.Origin{events.OriginConsole, events.OriginDiscord, events.OriginTelegram}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("origins[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStreamFatalErrorUnwraps(t *testing.T) {
	inner := GatewayError("socket gone")
	err := &StreamFatalError{Origin: events.OriginDiscord, Err: inner}

	if err.Unwrap() != inner {
		t.Error("Unwrap should expose the inner error")
	}
	if !strings.Contains(err.Error(), "discord") {
		t.Errorf("error should name the origin: %q", err.Error())
	}
}
