package app

import (
	"context"
	"testing"

	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/session"
)

// seedCount advances the chain with human counts and optionally approves the
// latest one.
func seedCount(t *testing.T, h *harness, approve bool) {
	t.Helper()
	_, err := h.store.Update("discord:100", "discord", func(c *session.Context) {
		c.ObserveCount("u1", "m1", "1", 0)
		if approve {
			if !c.ApproveCount("m1") {
				t.Fatal("seed approval failed")
			}
		}
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAutoCountPlaysApprovedTurn(t *testing.T) {
	h := newHarness(t)
	seedCount(t, h, true)
	ac := NewAutoCount(h.store, h.registry, h.bus, 0)

	if err := ac.HandleTick(context.Background(), tickEvt()); err != nil {
		t.Fatalf("HandleTick: %v", err)
	}

	sent := h.transport.sentMessages()
	if len(sent) != 1 || sent[0].Content != "2" {
		t.Fatalf("sent = %+v, want the next count", sent)
	}
	if sent[0].ChannelID != "100" {
		t.Errorf("channel = %q, want 100", sent[0].ChannelID)
	}

	st, _ := h.store.CountingState("discord:100")
	if st.ExpectedNext != 3 {
		t.Errorf("ExpectedNext = %d, want 3", st.ExpectedNext)
	}
	if st.LastContributor != "bot-d" {
		t.Errorf("LastContributor = %q, want bot-d", st.LastContributor)
	}
	if st.LastMessageID != "sent-1" {
		t.Errorf("LastMessageID = %q, want sent-1", st.LastMessageID)
	}
	if st.Approved {
		t.Error("approval survived the bot's turn")
	}
}

func TestAutoCountRequiresApproval(t *testing.T) {
	h := newHarness(t)
	seedCount(t, h, false)
	ac := NewAutoCount(h.store, h.registry, h.bus, 0)

	if err := ac.HandleTick(context.Background(), tickEvt()); err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	if sent := h.transport.sentMessages(); len(sent) != 0 {
		t.Fatalf("sent = %+v, want nothing without approval", sent)
	}
}

func TestAutoCountNeverChainsOntoItself(t *testing.T) {
	h := newHarness(t)
	seedCount(t, h, true)
	ac := NewAutoCount(h.store, h.registry, h.bus, 0)
	ctx := context.Background()

	if err := ac.HandleTick(ctx, tickEvt()); err != nil {
		t.Fatal(err)
	}

	// Approve the bot's own count; the next tick must still pass.
	_, err := h.store.Update("discord:100", "discord", func(c *session.Context) {
		c.ApproveCount("sent-1")
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ac.HandleTick(ctx, tickEvt()); err != nil {
		t.Fatal(err)
	}

	if sent := h.transport.sentMessages(); len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1: the bot chained onto itself", len(sent))
	}
}

func TestAutoCountSkipsUnknownChannel(t *testing.T) {
	h := newHarness(t)
	ac := NewAutoCount(h.store, h.registry, h.bus, 0)

	if err := ac.HandleTick(context.Background(), tickEvt()); err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	if sent := h.transport.sentMessages(); len(sent) != 0 {
		t.Fatalf("sent = %+v for a channel with no state", sent)
	}
	if h.store.Len() != 0 {
		t.Errorf("tick created %d sessions, want 0", h.store.Len())
	}
}

func TestAutoCountFreshChainHasNoTurn(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Update("discord:100", "discord", func(c *session.Context) {
		c.AppendTurn(domain.RoleUser, "hello")
	})
	if err != nil {
		t.Fatal(err)
	}
	ac := NewAutoCount(h.store, h.registry, h.bus, 0)

	// A chain at 1 with no contributor has nothing to approve or play.
	if err := ac.HandleTick(context.Background(), tickEvt()); err != nil {
		t.Fatalf("HandleTick: %v", err)
	}
	if sent := h.transport.sentMessages(); len(sent) != 0 {
		t.Fatalf("sent = %+v, want nothing on a fresh chain", sent)
	}
}

func TestAutoCountSendFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	seedCount(t, h, true)
	h.transport.sendErr = errDelivery
	ac := NewAutoCount(h.store, h.registry, h.bus, 0)

	if err := ac.HandleTick(context.Background(), tickEvt()); err != nil {
		t.Fatalf("HandleTick: %v", err)
	}

	st, _ := h.store.CountingState("discord:100")
	if st.ExpectedNext != 2 || !st.Approved {
		t.Errorf("state = %+v, want it untouched after a failed send", st)
	}
}
