package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/biomunky/sqlmesh/internal/interval"
	"github.com/biomunky/sqlmesh/internal/snapshot"
)

// EvalFunc evaluates a single batch of a single snapshot: rendering and
// executing its query for [batch.StartMS, batch.EndMS), then recording the
// interval on success. The scheduler never touches an engine adapter
// directly; EvalFunc is the seam an engine package plugs into.
type EvalFunc func(ctx context.Context, id snapshot.ID, batch interval.Interval) error

// Executor runs a leveled evaluation plan with bounded concurrency across
// models in the same level. Batches within one snapshot always
// run in StartMS order on the same goroutine, since a later batch of an
// incremental model may depend on the prior batch having committed.
type Executor struct {
	ConcurrentTasks int
	BatchSteps      int
}

// Run walks levels in order; within a level, up to ConcurrentTasks
// snapshots evaluate concurrently. The first error in a level aborts that
// level's remaining work and is returned once every in-flight snapshot has
// finished (errgroup's usual cancel-on-first-error semantics), so a partial
// level never leaves a half-applied batch running unobserved.
func (e *Executor) Run(ctx context.Context, levels [][]string, snapshots map[string]*snapshot.Snapshot, startMS, endMS, latestMS int64, restatements map[string]bool, eval EvalFunc) error {
	limit := e.ConcurrentTasks
	if limit <= 0 {
		limit = 1
	}

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)

		for _, name := range level {
			name := name
			snap, ok := snapshots[name]
			if !ok {
				return fmt.Errorf("scheduler: no snapshot registered for model %s", name)
			}
			g.Go(func() error {
				return e.runSnapshot(gctx, snap, startMS, endMS, latestMS, restatements, eval)
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) runSnapshot(ctx context.Context, snap *snapshot.Snapshot, startMS, endMS, latestMS int64, restatements map[string]bool, eval EvalFunc) error {
	missing, err := snap.MissingIntervals(startMS, endMS, latestMS, restatements)
	if err != nil {
		return fmt.Errorf("scheduler: computing missing intervals for %s: %w", snap.Name, err)
	}
	if len(missing) == 0 {
		return nil
	}

	cadenceMS, err := interval.CadenceMS(snap.Model.Cron)
	if err != nil {
		return fmt.Errorf("scheduler: deriving cadence for %s: %w", snap.Name, err)
	}
	batches := interval.Chunk(missing, cadenceMS, e.BatchSteps)

	id := snap.ID()
	for _, batch := range batches {
		for _, iv := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := eval(ctx, id, iv); err != nil {
				return fmt.Errorf("scheduler: evaluating %s [%d,%d): %w", snap.Name, iv.StartMS, iv.EndMS, err)
			}
			if err := snap.AddInterval(iv.StartMS, iv.EndMS, false); err != nil {
				return fmt.Errorf("scheduler: recording interval for %s: %w", snap.Name, err)
			}
		}
	}
	return nil
}
