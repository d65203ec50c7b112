package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/basekick-labs/arc-catalog/internal/catalog"
	"github.com/basekick-labs/arc-catalog/internal/metrics"
	"github.com/rs/zerolog"
)

var (
	// ErrSequenceGap indicates a missing entry between the snapshot and the log.
	ErrSequenceGap = errors.New("WAL sequence gap")

	// ErrNonDeterministic indicates a replayed mutation that did not produce
	// the sequence it was logged with.
	ErrNonDeterministic = errors.New("WAL replay diverged")
)

// ApplyFunc applies one replayed mutation, typically catalog.Manager.Apply.
type ApplyFunc func(ctx context.Context, m catalog.Mutation) (catalog.Result, error)

// RecoveryStats holds statistics about WAL recovery
type RecoveryStats struct {
	Segments     int
	Replayed     int
	Skipped      int
	TornTail     bool
	LastSequence uint64
	Duration     time.Duration
}

// Recovery replays the journal on startup
type Recovery struct {
	walDir string
	logger zerolog.Logger
}

// NewRecovery creates a new WAL recovery manager
func NewRecovery(walDir string, logger zerolog.Logger) *Recovery {
	return &Recovery{
		walDir: walDir,
		logger: logger.With().Str("component", "wal-recovery").Logger(),
	}
}

// Replay applies every entry with a sequence above afterSeq, in log order.
// Entries must continue afterSeq without gaps or repeats and each must
// produce exactly its logged sequence. A torn entry is cut off when it ends
// the last segment, or ends a segment whose successor resumes at the torn
// sequence. Damage anywhere else stops recovery with ErrCorrupt.
func (r *Recovery) Replay(ctx context.Context, afterSeq uint64, apply ApplyFunc) (*RecoveryStats, error) {
	start := time.Now()
	stats := &RecoveryStats{LastSequence: afterSeq}

	segs, err := listSegments(r.walDir)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		r.logger.Info().Msg("No WAL segments found, skipping recovery")
		return stats, nil
	}
	r.logger.Info().Int("segments", len(segs)).Uint64("after_sequence", afterSeq).Msg("WAL recovery started")

	for i, seg := range segs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		last := i == len(segs)-1
		torn, err := r.replaySegment(ctx, seg, afterSeq, stats, apply)
		stats.Segments++
		if err != nil {
			return stats, fmt.Errorf("%s: %w", filepath.Base(seg.path), err)
		}
		if torn != nil {
			// A failed append leaves a torn entry and the retry starts a new
			// segment at the same sequence.
			if !last && segs[i+1].first != stats.LastSequence+1 {
				return stats, fmt.Errorf("%s: %w: %v", filepath.Base(seg.path), ErrCorrupt, torn.cause)
			}
			if err := r.cutTail(seg.path, torn.offset); err != nil {
				return stats, err
			}
			stats.TornTail = true
			r.logger.Warn().
				Str("file", filepath.Base(seg.path)).
				Int64("offset", torn.offset).
				AnErr("cause", torn.cause).
				Msg("Discarded torn entry at end of WAL")
		}
	}

	stats.Duration = time.Since(start)
	metrics.Get().IncWALReplayed(int64(stats.Replayed))
	r.logger.Info().
		Int("segments", stats.Segments).
		Int("replayed", stats.Replayed).
		Int("skipped", stats.Skipped).
		Uint64("sequence", stats.LastSequence).
		Dur("duration", stats.Duration).
		Msg("WAL recovery complete")
	return stats, nil
}

type tornTail struct {
	offset int64
	cause  error
}

func (r *Recovery) replaySegment(ctx context.Context, seg segment, afterSeq uint64, stats *RecoveryStats, apply ApplyFunc) (*tornTail, error) {
	rd, err := OpenReader(seg.path)
	if err != nil {
		if errors.Is(err, errTorn) {
			return &tornTail{offset: 0, cause: err}, nil
		}
		return nil, err
	}
	defer rd.Close()

	for {
		e, err := rd.Next()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			if errors.Is(err, errTorn) {
				return &tornTail{offset: rd.Offset(), cause: err}, nil
			}
			return nil, err
		}

		if e.Sequence <= afterSeq {
			stats.Skipped++
			continue
		}
		if e.Sequence <= stats.LastSequence {
			return nil, fmt.Errorf("%w: sequence %d logged twice", ErrCorrupt, e.Sequence)
		}
		if e.Sequence != stats.LastSequence+1 {
			return nil, fmt.Errorf("%w: expected %d, found %d", ErrSequenceGap, stats.LastSequence+1, e.Sequence)
		}

		res, err := apply(ctx, e.Mutation)
		if err != nil {
			return nil, fmt.Errorf("replay %s at %d: %w", e.Mutation.Kind, e.Sequence, err)
		}
		if !res.Changed || res.Sequence != e.Sequence {
			return nil, fmt.Errorf("%w: %s logged at %d produced sequence %d (changed=%t)",
				ErrNonDeterministic, e.Mutation.Kind, e.Sequence, res.Sequence, res.Changed)
		}
		stats.Replayed++
		stats.LastSequence = e.Sequence
	}
}

// cutTail truncates a segment to its last valid entry. A segment without a
// complete header is removed.
func (r *Recovery) cutTail(path string, offset int64) error {
	if offset < WALFileHeaderSize {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove torn WAL segment: %w", err)
		}
		return nil
	}
	if err := os.Truncate(path, offset); err != nil {
		return fmt.Errorf("failed to truncate torn WAL segment: %w", err)
	}
	return nil
}
