// scheduler.go runs mirror tasks in bounded, fail-fast batches.
//
// Execution model:
//
//   - Tasks are split in order into batches of ChunkSize. Order only decides
//     batch membership; tasks inside a batch run concurrently in any order.
//   - A batch is an errgroup.Group without a derived context. A failing task
//     does not cancel its siblings: they run to completion, the group waits
//     for all of them, and the first error becomes the batch result.
//   - A failed batch ends the run. No later batch is started.
//   - Between successful batches the Throttle waits. FixedCooldown is a
//     static limiter; it does not look at batch duration or error rates.

package mirror

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize     = 100
	DefaultChunkCooldown = time.Second
)

// Task is one unit of batch work.
type Task func(ctx context.Context) error

// Throttle delays between batches.
type Throttle interface {
	Wait(ctx context.Context) error
}

// FixedCooldown waits a constant duration regardless of how long the batch
// took.
type FixedCooldown struct {
	Delay time.Duration
}

func (f FixedCooldown) Wait(ctx context.Context) error {
	return sleepWithContext(ctx, f.Delay)
}

// BatchStats describes one completed batch.
type BatchStats struct {
	Index    int
	Size     int
	Duration time.Duration
	Err      error
}

// BatchObserver is notified after every batch.
type BatchObserver interface {
	ObserveBatch(stats BatchStats)
}

// BatchObserverFunc is an adapter to allow ordinary functions
// to be used as BatchObserver.
type BatchObserverFunc func(stats BatchStats)

// ObserveBatch calls f(stats).
func (f BatchObserverFunc) ObserveBatch(stats BatchStats) {
	if f != nil {
		f(stats)
	}
}

// ChunkedScheduler executes tasks batch by batch.
type ChunkedScheduler struct {
	ChunkSize int
	Throttle  Throttle
	Observer  BatchObserver
	Logger    *slog.Logger
}

// NewChunkedScheduler creates a scheduler with a fixed cooldown.
func NewChunkedScheduler(chunkSize int, cooldown time.Duration) *ChunkedScheduler {
	return &ChunkedScheduler{
		ChunkSize: chunkSize,
		Throttle:  FixedCooldown{Delay: cooldown},
	}
}

// BatchCount is ceil(n / chunkSize).
func BatchCount(n, chunkSize int) int {
	if n <= 0 {
		return 0
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return (n + chunkSize - 1) / chunkSize
}

// Run executes tasks and returns the first error observed. Batch k+1 never
// starts before batch k has fully resolved.
func (s *ChunkedScheduler) Run(ctx context.Context, tasks []Task) error {
	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	batches := BatchCount(len(tasks), size)
	for b := 0; b < batches; b++ {
		if b > 0 && s.Throttle != nil {
			if err := s.Throttle.Wait(ctx); err != nil {
				return err
			}
		}

		lo := b * size
		hi := min(lo+size, len(tasks))
		start := time.Now()
		err := runBatch(ctx, tasks[lo:hi])
		stats := BatchStats{Index: b, Size: hi - lo, Duration: time.Since(start), Err: err}
		if s.Observer != nil {
			s.Observer.ObserveBatch(stats)
		}

		if err != nil {
			logger.ErrorContext(ctx, "batch failed", "batch", b+1, "batches", batches, "size", stats.Size, "elapsed", stats.Duration.String(), "error", err)
			return err
		}
		logger.InfoContext(ctx, "batch completed", "batch", b+1, "batches", batches, "size", stats.Size, "elapsed", stats.Duration.String())
	}
	return nil
}

// runBatch is the fail-fast join: all tasks run, the first error wins.
func runBatch(ctx context.Context, batch []Task) error {
	var g errgroup.Group
	for _, task := range batch {
		task := task
		g.Go(func() error {
			return task(ctx)
		})
	}
	return g.Wait()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
