package orchestrator

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/webcheck/internal/model"
)

// Request is one batch of rows validated against a plan.
type Request struct {
	RunID string
	Plan  *model.Plan
	Rows  []model.Row
}

// Run validates the rows of req with bounded parallelism. The returned
// sequence yields one outcome per processed row in submission order, even
// though rows complete in any order. It can be iterated once; a second
// iteration yields nothing. Breaking out of the loop cancels rows still
// running. Rows not started before Shutdown are not yielded.
func (o *Orchestrator) Run(ctx context.Context, req Request) iter.Seq[*model.RowOutcome] {
	var used atomic.Bool
	return func(yield func(*model.RowOutcome) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}

		runCtx, cancel := context.WithCancel(ctx)
		stopHard := context.AfterFunc(o.hardCtx, cancel)
		defer stopHard()

		results := make([]chan *model.RowOutcome, len(req.Rows))
		for i := range results {
			results[i] = make(chan *model.RowOutcome, 1)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.feed(runCtx, req, results, &wg)
		}()

		o.log.Info("orchestrator: run started",
			zap.String("run_id", req.RunID),
			zap.Int("rows", len(req.Rows)),
			zap.Int("parallel_workers", o.cfg.ParallelWorkers),
		)

		yielded := 0
		for _, ch := range results {
			out, ok := <-ch
			if !ok {
				break
			}
			yielded++
			if !yield(out) {
				break
			}
		}
		cancel()
		wg.Wait()

		o.log.Info("orchestrator: run finished",
			zap.String("run_id", req.RunID),
			zap.Int("yielded", yielded),
			zap.Int("rows", len(req.Rows)),
		)
	}
}

// feed starts rows in submission order as parallel slots free up. When the
// run is canceled or Shutdown stops admission, the channels of rows never
// started are closed.
func (o *Orchestrator) feed(ctx context.Context, req Request, results []chan *model.RowOutcome, wg *sync.WaitGroup) {
	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopFeed := context.AfterFunc(o.stopCtx, cancel)
	defer stopFeed()

	sem := semaphore.NewWeighted(int64(o.cfg.ParallelWorkers))
	for i, row := range req.Rows {
		if err := sem.Acquire(feedCtx, 1); err != nil {
			closeFrom(results, i)
			return
		}
		if feedCtx.Err() != nil || !o.rows.begin() {
			sem.Release(1)
			closeFrom(results, i)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer o.rows.end()
			results[i] <- o.runRow(ctx, req.RunID, req.Plan, row)
		}()
	}
}

func closeFrom(results []chan *model.RowOutcome, i int) {
	for ; i < len(results); i++ {
		close(results[i])
	}
}
