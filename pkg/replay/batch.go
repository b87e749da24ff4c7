package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/invariant-systems/chronicle/pkg/frame"
)

const (
	// DefaultBatchSize bounds memory use when replaying long sessions.
	DefaultBatchSize = 10_000
	// DefaultMaxFrames caps one batch run.
	DefaultMaxFrames = 1_000_000
)

// FrameSource yields frames for batch replay, in session order.
type FrameSource interface {
	// Next returns up to max frames, or an empty slice when exhausted.
	Next(max int) ([]*frame.Frame, error)
}

// BatchExecutor replays frames in bounded sequential batches. Batches
// are never processed concurrently: verification depends on observing
// frames in causal order.
type BatchExecutor struct {
	engine    *Engine
	batchSize int
	maxFrames int
	logger    *slog.Logger
}

// NewBatchExecutor builds an executor; zero batchSize or maxFrames
// select the defaults.
func NewBatchExecutor(engine *Engine, batchSize, maxFrames int) *BatchExecutor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	return &BatchExecutor{
		engine:    engine,
		batchSize: batchSize,
		maxFrames: maxFrames,
		logger:    slog.Default().With("component", "replay-batch"),
	}
}

// Run drains the source, replaying each frame through build. The build
// callback produces the per-frame request (mode, recorded trail,
// capability); Run stops at the first failure or at the run cap.
// Returns the number of frames processed.
func (b *BatchExecutor) Run(ctx context.Context, source FrameSource, build func(*frame.Frame) Request) (int, error) {
	processed := 0
	for processed < b.maxFrames {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		want := b.batchSize
		if remaining := b.maxFrames - processed; remaining < want {
			want = remaining
		}
		batch, err := source.Next(want)
		if err != nil {
			return processed, fmt.Errorf("replay batch: source: %w", err)
		}
		if len(batch) == 0 {
			return processed, nil
		}

		for _, f := range batch {
			if _, err := b.engine.Run(build(f)); err != nil {
				return processed, fmt.Errorf("replay batch: frame %s: %w", f.Metadata.FrameID, err)
			}
			processed++
		}
		b.logger.Debug("batch complete", "frames", len(batch), "processed", processed)
	}
	return processed, nil
}
