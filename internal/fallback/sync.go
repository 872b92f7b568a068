package fallback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/TraceForge/internal/port/cache"
)

// SyncConfig holds the tunable parameters of the sync service. The
// admin endpoint can update them at runtime.
type SyncConfig struct {
	Interval   time.Duration `json:"interval"`
	BatchSize  int           `json:"batch_size"`
	MaxRetries int           `json:"max_retries"`
}

// SyncStats is a snapshot of the sync service counters.
type SyncStats struct {
	QueueDepth        int           `json:"queue_depth"`
	Synced            int64         `json:"synced"`
	Failed            int64         `json:"failed"`
	PermanentFailures int64         `json:"permanent_failures"`
	Cycles            int64         `json:"cycles"`
	LastSyncAt        time.Time     `json:"last_sync_at,omitzero"`
	LastSyncDuration  time.Duration `json:"last_sync_duration_ms"`
}

// SyncService drains the fallback queue into the cache tier: a fixed
// interval loop plus an immediate run on the disconnected→connected
// transition. Replays are idempotent because queued values are full
// last-write-wins snapshots, so a duplicate replay after a partial
// batch crash is harmless.
type SyncService struct {
	queue   *Queue
	cache   cache.Cache
	monitor *Monitor

	mu      sync.Mutex
	cfg     SyncConfig
	synced  int64
	failed  int64
	dropped int64
	cycles  int64
	lastAt  time.Time
	lastDur time.Duration

	backoff    time.Duration
	maxBackoff time.Duration
	kick       chan struct{}
}

// NewSyncService wires the queue, cache tier and monitor together and
// registers for reconnect notifications.
func NewSyncService(queue *Queue, c cache.Cache, monitor *Monitor, cfg SyncConfig) *SyncService {
	s := &SyncService{
		queue:      queue,
		cache:      c,
		monitor:    monitor,
		cfg:        cfg,
		maxBackoff: 2 * time.Minute,
		kick:       make(chan struct{}, 1),
	}
	monitor.OnTransition(func(state State) {
		if state == StateConnected {
			s.Kick()
		}
	})
	return s
}

// Kick requests an immediate sync cycle without blocking the caller.
func (s *SyncService) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Config returns the current sync configuration.
func (s *SyncService) Config() SyncConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig replaces the tunable parameters. Zero values keep the
// current setting.
func (s *SyncService) UpdateConfig(cfg SyncConfig) SyncConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Interval > 0 {
		s.cfg.Interval = cfg.Interval
	}
	if cfg.BatchSize > 0 {
		s.cfg.BatchSize = cfg.BatchSize
	}
	if cfg.MaxRetries > 0 {
		s.cfg.MaxRetries = cfg.MaxRetries
	}
	return s.cfg
}

// Stats returns a snapshot of the sync counters and current queue depth.
func (s *SyncService) Stats(ctx context.Context) SyncStats {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		slog.Error("fallback queue depth", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return SyncStats{
		QueueDepth:        depth,
		Synced:            s.synced,
		Failed:            s.failed,
		PermanentFailures: s.dropped,
		Cycles:            s.cycles,
		LastSyncAt:        s.lastAt,
		LastSyncDuration:  s.lastDur,
	}
}

// Run drains on the configured interval until ctx is done. A failed
// cycle delays the next run by a bounded backoff instead of sleeping
// per operation, so one bad batch never stalls the loop for long.
func (s *SyncService) Run(ctx context.Context) {
	for {
		interval := s.Config().Interval
		if s.backoff > 0 {
			interval += s.backoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		case <-s.kick:
		}

		synced, failed := s.Cycle(ctx)
		switch {
		case failed > 0 && synced == 0:
			s.backoff = min(max(s.backoff*2, s.Config().Interval), s.maxBackoff)
		default:
			s.backoff = 0
		}
	}
}

// Cycle replays one bounded FIFO batch against the cache tier. Returns
// the per-cycle synced/failed counts. Skipped entirely while the
// monitor reports disconnected.
func (s *SyncService) Cycle(ctx context.Context) (synced, failed int) {
	if !s.monitor.Connected() {
		return 0, 0
	}

	cfg := s.Config()
	start := time.Now()

	ops, err := s.queue.DequeueBatch(ctx, cfg.BatchSize)
	if err != nil {
		slog.Error("fallback dequeue", "error", err)
		return 0, 0
	}

	// Values are full snapshots, so only the newest queued operation
	// per key matters. Earlier ones are acked without a replay; writing
	// them would move the key backward in time.
	latest := make(map[string]int64, len(ops))
	for _, op := range ops {
		latest[op.Key] = op.ID
	}

	for _, op := range ops {
		if latest[op.Key] != op.ID {
			if err := s.queue.Ack(ctx, op.ID); err != nil {
				slog.Error("fallback ack superseded", "id", op.ID, "error", err)
			}
			synced++
			continue
		}
		if err := s.replay(ctx, op); err != nil {
			failed++
			s.monitor.ReportFailure(err)
			if op.Attempts+1 >= cfg.MaxRetries {
				// Retry ceiling reached: drop and log as permanent.
				slog.Error("fallback operation dropped after max retries",
					"op", op.Op, "key", op.Key, "attempts", op.Attempts+1, "error", err)
				if ackErr := s.queue.Ack(ctx, op.ID); ackErr != nil {
					slog.Error("fallback drop failed", "id", op.ID, "error", ackErr)
				}
				s.mu.Lock()
				s.dropped++
				s.mu.Unlock()
				continue
			}
			if failErr := s.queue.Fail(ctx, op.ID, err.Error()); failErr != nil {
				slog.Error("fallback mark failed", "id", op.ID, "error", failErr)
			}
			continue
		}

		synced++
		s.monitor.ReportSuccess()
		if err := s.queue.Ack(ctx, op.ID); err != nil {
			slog.Error("fallback ack", "id", op.ID, "error", err)
		}
	}

	s.mu.Lock()
	s.synced += int64(synced)
	s.failed += int64(failed)
	s.cycles++
	s.lastAt = time.Now()
	s.lastDur = time.Since(start)
	s.mu.Unlock()

	if synced > 0 || failed > 0 {
		slog.Info("fallback sync cycle", "synced", synced, "failed", failed,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return synced, failed
}

// ForceDrain replays batches until the queue is empty or a cycle makes
// no progress. Exposed for the manual sync endpoint.
func (s *SyncService) ForceDrain(ctx context.Context) SyncStats {
	for {
		synced, _ := s.Cycle(ctx)
		if synced == 0 {
			break
		}
		depth, err := s.queue.Depth(ctx)
		if err != nil || depth == 0 {
			break
		}
	}
	return s.Stats(ctx)
}

func (s *SyncService) replay(ctx context.Context, op Operation) error {
	opCtx, cancel := context.WithTimeout(ctx, s.monitor.timeout)
	defer cancel()

	switch op.Op {
	case OpDelete:
		return s.cache.Delete(opCtx, op.Key)
	default:
		return s.cache.Set(opCtx, op.Key, op.Payload, 0)
	}
}
