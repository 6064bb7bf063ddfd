package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/metrics"
	"github.com/tallybot/tallybot/pkg/session"
)

// DefaultFlushInterval is how often dirty channels are written out.
const DefaultFlushInterval = 5 * time.Second

// Writer batches checkpoint writes. Bus handlers only mark keys dirty; the
// snapshots are taken and written on the flush ticker, and once more at
// shutdown.
type Writer struct {
	db    *DB
	store *session.Store
	every time.Duration

	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewWriter builds a Writer flushing every interval.
func NewWriter(db *DB, store *session.Store, every time.Duration) *Writer {
	if every <= 0 {
		every = DefaultFlushInterval
	}
	return &Writer{
		db:    db,
		store: store,
		every: every,
		dirty: make(map[string]struct{}),
	}
}

// Attach subscribes the writer to the events that change durable state.
func (w *Writer) Attach(bus domain.EventBus) {
	for _, t := range []domain.EventType{
		domain.EventSessionUpdated,
		domain.EventCountingAdvanced,
		domain.EventCountingReset,
		domain.EventCountingApproved,
	} {
		bus.Subscribe(t, w.mark)
	}
}

// mark records the event's session key. Session and counting events carry the
// channel key as their aggregate ID.
func (w *Writer) mark(evt domain.Event) {
	key := string(evt.AggregateID())
	if key == "" {
		return
	}
	w.mu.Lock()
	w.dirty[key] = struct{}{}
	w.mu.Unlock()
}

// Run flushes on the ticker until ctx is canceled, then flushes once more.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return
		case <-ticker.C:
			w.Flush()
		}
	}
}

// Flush writes the current snapshot of every dirty channel. Failed keys stay
// dirty for the next flush.
func (w *Writer) Flush() {
	w.mu.Lock()
	if len(w.dirty) == 0 {
		w.mu.Unlock()
		return
	}
	keys := make([]string, 0, len(w.dirty))
	for k := range w.dirty {
		keys = append(keys, k)
	}
	w.dirty = make(map[string]struct{})
	w.mu.Unlock()

	snaps := make([]session.Snapshot, 0, len(keys))
	for _, key := range keys {
		if snap, ok := w.store.Snapshot(key); ok {
			snaps = append(snaps, snap)
		}
	}
	if len(snaps) == 0 {
		return
	}

	if err := w.db.SaveAll(snaps); err != nil {
		metrics.CheckpointErrorsTotal.Inc()
		logger.ErrorCF("checkpoint", "flush failed", map[string]interface{}{
			"channels": len(snaps),
			"error":    err.Error(),
		})
		w.mu.Lock()
		for _, key := range keys {
			w.dirty[key] = struct{}{}
		}
		w.mu.Unlock()
		return
	}

	metrics.CheckpointWritesTotal.Add(float64(len(snaps)))
	logger.DebugCF("checkpoint", "snapshots flushed", map[string]interface{}{
		"channels": len(snaps),
	})
}
