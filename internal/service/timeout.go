package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/TraceForge/internal/domain"
	"github.com/Strob0t/TraceForge/internal/domain/session"
	"github.com/Strob0t/TraceForge/internal/port/broadcast"
	"github.com/Strob0t/TraceForge/internal/port/database"
)

// TimeoutSweeper marks sessions as timed out once they have been idle
// longer than the configured window. Timeout is terminal, so a late
// stop event for a swept session is rejected by the store and ignored.
type TimeoutSweeper struct {
	store    database.Store
	hub      broadcast.Broadcaster
	after    time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewTimeoutSweeper(store database.Store, hub broadcast.Broadcaster, after, interval time.Duration) *TimeoutSweeper {
	return &TimeoutSweeper{
		store:    store,
		hub:      hub,
		after:    after,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (t *TimeoutSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := t.Sweep(ctx); err != nil {
				slog.Error("timeout sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("sessions timed out", "count", n)
			}
		}
	}
}

// Sweep times out every active session idle past the cutoff and returns
// how many were swept.
func (t *TimeoutSweeper) Sweep(ctx context.Context) (int, error) {
	now := t.now()
	idle, err := t.store.ActiveSessionsIdleSince(ctx, now.Add(-t.after))
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range idle {
		s := &idle[i]
		err := t.store.UpdateSessionStatus(ctx, s.SessionID, session.StatusTimeout, now.UnixMilli())
		if errors.Is(err, domain.ErrConflict) {
			// Lost the race with a stop event; nothing to do.
			continue
		}
		if err != nil {
			slog.Error("timeout session", "session_id", s.SessionID, "error", err)
			continue
		}
		if err := t.store.CompleteRelationship(ctx, s.SessionID, now); err != nil {
			slog.Error("complete relationship on timeout", "session_id", s.SessionID, "error", err)
		}
		swept++
		if t.hub != nil {
			t.hub.Broadcast(ctx, broadcast.TypeSessionTimeout, map[string]any{
				"session_id": s.SessionID,
				"timeout_at": now.UnixMilli(),
			})
		}
	}
	return swept, nil
}
