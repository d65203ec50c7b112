// Package scheduler runs periodic catalog checkpoints.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/metrics"
	"github.com/basekick-labs/arc-catalog/internal/snapshot"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const defaultSchedule = "@every 5m"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CatalogSource provides the catalog to checkpoint.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// SnapshotStore persists and prunes checkpoints.
type SnapshotStore interface {
	Save(ctx context.Context, c *catalog.Catalog) (snapshot.Info, error)
	Prune(ctx context.Context, keep int) (int, error)
}

// LogTruncator drops journal segments covered by a checkpoint.
type LogTruncator interface {
	Truncate(upto uint64) (int, error)
}

// CheckpointScheduler writes a snapshot on a cron schedule whenever the
// catalog sequence moved since the previous checkpoint.
type CheckpointScheduler struct {
	source   CatalogSource
	store    SnapshotStore
	wal      LogTruncator
	schedule string
	retain   int
	timeout  time.Duration

	cron    *cron.Cron
	running bool
	mu      sync.Mutex

	// runMu serializes checkpoints between cron, the admin API and shutdown.
	runMu          sync.Mutex
	lastCheckpoint uint64
	lastRun        time.Time
	lastErr        error

	logger zerolog.Logger
}

// CheckpointSchedulerConfig holds configuration for the checkpoint scheduler
type CheckpointSchedulerConfig struct {
	Source CatalogSource
	Store  SnapshotStore
	WAL    LogTruncator // nil when the journal is disabled

	Schedule string // Cron schedule (default "@every 5m")
	Retain   int    // Snapshots kept after pruning (default 5)
	Timeout  time.Duration

	// LastCheckpoint is the sequence of the snapshot the node started from.
	LastCheckpoint uint64

	Logger zerolog.Logger
}

// CheckpointResult describes one checkpoint run.
type CheckpointResult struct {
	Skipped   bool          `json:"skipped"`
	Sequence  uint64        `json:"sequence"`
	Key       string        `json:"key,omitempty"`
	Size      int           `json:"size,omitempty"`
	Pruned    int           `json:"pruned"`
	Truncated int           `json:"wal_segments_removed"`
	Duration  time.Duration `json:"duration_ns"`
}

// NewCheckpointScheduler creates a new checkpoint scheduler
func NewCheckpointScheduler(cfg *CheckpointSchedulerConfig) (*CheckpointScheduler, error) {
	if cfg.Source == nil || cfg.Store == nil {
		return nil, fmt.Errorf("checkpoint scheduler requires a catalog source and a snapshot store")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid checkpoint schedule %q: %w", schedule, err)
	}
	retain := cfg.Retain
	if retain <= 0 {
		retain = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	s := &CheckpointScheduler{
		source:         cfg.Source,
		store:          cfg.Store,
		wal:            cfg.WAL,
		schedule:       schedule,
		retain:         retain,
		timeout:        timeout,
		lastCheckpoint: cfg.LastCheckpoint,
		logger:         cfg.Logger.With().Str("component", "checkpoint-scheduler").Logger(),
	}

	s.logger.Info().
		Str("schedule", schedule).
		Int("retain", retain).
		Uint64("last_checkpoint", cfg.LastCheckpoint).
		Msg("Checkpoint scheduler initialized")
	return s, nil
}

// Start starts the checkpoint scheduler
func (s *CheckpointScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Checkpoint scheduler already running")
		return nil
	}

	s.cron = cron.New(cron.WithParser(parser))
	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", s.nextRun()).
		Msg("Checkpoint scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running checkpoint to finish.
func (s *CheckpointScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	s.running = false
	s.logger.Info().Msg("Checkpoint scheduler stopped")
}

// Close implements io.Closer for the shutdown coordinator.
func (s *CheckpointScheduler) Close() error {
	s.Stop()
	return nil
}

func (s *CheckpointScheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.RunNow(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Scheduled checkpoint failed")
	}
}

// RunNow writes a checkpoint immediately unless the catalog has not changed
// since the last one. After a successful save old snapshots are pruned and
// journal segments up to the checkpoint sequence are removed; failures in
// those cleanup steps are logged and do not fail the checkpoint.
func (s *CheckpointScheduler) RunNow(ctx context.Context) (CheckpointResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	c := s.source.Current()
	seq := c.Sequence()
	if seq == s.lastCheckpoint {
		s.logger.Debug().Uint64("sequence", seq).Msg("Catalog unchanged since last checkpoint, skipping")
		return CheckpointResult{Skipped: true, Sequence: seq}, nil
	}

	info, err := s.store.Save(ctx, c)
	s.lastRun = time.Now()
	s.lastErr = err
	if err != nil {
		metrics.Get().IncSnapshotFailures()
		return CheckpointResult{Sequence: seq}, fmt.Errorf("checkpoint at sequence %d: %w", seq, err)
	}
	s.lastCheckpoint = seq
	metrics.Get().RecordSnapshot(seq, int64(info.Size))

	res := CheckpointResult{Sequence: seq, Key: info.Key, Size: info.Size}

	pruned, err := s.store.Prune(ctx, s.retain)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to prune old snapshots")
	}
	res.Pruned = pruned
	metrics.Get().IncSnapshotsPruned(int64(pruned))

	if s.wal != nil {
		removed, err := s.wal.Truncate(seq)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("sequence", seq).Msg("Failed to truncate WAL")
		}
		res.Truncated = removed
	}

	res.Duration = time.Since(start)
	s.logger.Info().
		Uint64("sequence", seq).
		Str("key", info.Key).
		Int("size", info.Size).
		Int("pruned", res.Pruned).
		Int("wal_segments_removed", res.Truncated).
		Dur("duration", res.Duration).
		Msg("Checkpoint completed")
	return res, nil
}

// LastCheckpoint returns the sequence of the newest snapshot written or
// loaded by this node.
func (s *CheckpointScheduler) LastCheckpoint() uint64 {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastCheckpoint
}

func (s *CheckpointScheduler) nextRun() time.Time {
	schedule, err := parser.Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now())
}

// Status returns scheduler status
func (s *CheckpointScheduler) Status() map[string]interface{} {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.runMu.Lock()
	defer s.runMu.Unlock()

	status := map[string]interface{}{
		"running":         running,
		"schedule":        s.schedule,
		"retain":          s.retain,
		"last_checkpoint": s.lastCheckpoint,
	}
	if !s.lastRun.IsZero() {
		status["last_run"] = s.lastRun.Format(time.RFC3339)
	}
	if s.lastErr != nil {
		status["last_error"] = s.lastErr.Error()
	}
	if running {
		status["next_run"] = s.nextRun().Format(time.RFC3339)
	}
	return status
}

// IsRunning returns whether the scheduler is running
func (s *CheckpointScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
