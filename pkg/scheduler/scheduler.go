// Package scheduler turns cron rules into schedule.tick events. Each due
// entry is dispatched with the entry's origin and channel, so ticks flow
// through the same per-channel worker as that channel's messages and can
// never interleave with them.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tallybot/tallybot/pkg/events"
	"github.com/tallybot/tallybot/pkg/logger"
)

// Rules are evaluated once per minute, the finest granularity cron has.
const tickResolution = time.Minute

// SchedulerError is a scheduler configuration error.
type SchedulerError string

func (e SchedulerError) Error() string { return string(e) }

const (
	ErrInvalidRule = SchedulerError("scheduler: invalid cron rule")
	ErrNoTarget    = SchedulerError("scheduler: entry needs an origin and channel")
)

// Entry binds a cron rule to the channel its ticks are delivered to.
type Entry struct {
	Rule      string
	Origin    events.Origin
	ChannelID string
}

// DispatchFunc delivers one due tick. Errors are logged and the sweep
// continues with the next entry.
type DispatchFunc func(ctx context.Context, evt events.Event) error

// Scheduler evaluates entries on a minute ticker aligned to the wall clock.
type Scheduler struct {
	gron     *gronx.Gronx
	dispatch DispatchFunc

	mu      sync.Mutex
	entries []Entry
	lastRun time.Time
	fired   uint64
}

// New builds a Scheduler delivering ticks through dispatch.
func New(dispatch DispatchFunc) *Scheduler {
	return &Scheduler{
		gron:     gronx.New(),
		dispatch: dispatch,
	}
}

// Add validates and registers an entry. Rules are checked up front so a typo
// in the config fails at startup, not silently at runtime.
func (s *Scheduler) Add(e Entry) error {
	if e.Origin == "" || e.ChannelID == "" {
		return ErrNoTarget
	}
	if !s.gron.IsValid(e.Rule) {
		return ErrInvalidRule
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// Len returns the number of registered entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps the entries at the top of every minute until ctx is canceled.
// A congested channel queue delays the rest of the sweep; that is the same
// backpressure messages get.
func (s *Scheduler) Run(ctx context.Context) {
	logger.InfoCF("scheduler", "scheduler started", map[string]interface{}{
		"entries": s.Len(),
	})
	for {
		next := time.Now().Truncate(tickResolution).Add(tickResolution)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.InfoC("scheduler", "scheduler stopped")
			return
		case now := <-timer.C:
			s.sweep(ctx, now)
		}
	}
}

// sweep evaluates every entry against now and dispatches the due ones.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	s.mu.Lock()
	entries := make([]Entry, len(s.entries))
	copy(entries, s.entries)
	s.lastRun = now
	s.mu.Unlock()

	for _, e := range entries {
		due, err := s.gron.IsDue(e.Rule, now)
		if err != nil {
			logger.WarnCF("scheduler", "rule evaluation failed", map[string]interface{}{
				"rule":  e.Rule,
				"error": err.Error(),
			})
			continue
		}
		if !due {
			continue
		}

		evt := events.Event{
			Kind:      events.KindScheduledTick,
			Origin:    e.Origin,
			ChannelID: e.ChannelID,
			At:        now,
			Tick:      &events.TickPayload{Rule: e.Rule},
		}
		if err := s.dispatch(ctx, evt); err != nil {
			logger.WarnCF("scheduler", "tick dispatch failed", map[string]interface{}{
				"channel": evt.Key(),
				"error":   err.Error(),
			})
			continue
		}
		s.mu.Lock()
		s.fired++
		s.mu.Unlock()
		logger.DebugCF("scheduler", "tick dispatched", map[string]interface{}{
			"channel": evt.Key(),
			"rule":    e.Rule,
		})
	}
}

// Status reports the scheduler state for the diagnostics API.
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]map[string]interface{}, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, map[string]interface{}{
			"rule":    e.Rule,
			"origin":  string(e.Origin),
			"channel": e.ChannelID,
		})
	}
	status := map[string]interface{}{
		"entries": entries,
		"fired":   s.fired,
	}
	if !s.lastRun.IsZero() {
		status["last_run"] = s.lastRun.UTC().Format(time.RFC3339)
	}
	return status
}
