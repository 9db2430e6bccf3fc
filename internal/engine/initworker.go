package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/user/repetl"
	"github.com/user/repetl/internal/api"
	"github.com/user/repetl/internal/config"
	"github.com/user/repetl/pkg/bus"
	"github.com/user/repetl/pkg/event"
)

const (
	initPageSize = 1000

	// busStopUsage is where the worker stops publishing; the
	// supervisor resumes it once usage falls below busResumeUsage.
	busStopUsage   = 0.9
	busResumeUsage = 0.8

	publishRetries      = 2
	publishRetryBackoff = 100 * time.Millisecond
)

// snapshotStore is the slice of the pool the init worker depends on.
type snapshotStore interface {
	Open(ctx context.Context, name string, spec *config.DatabaseConfig) error
	Evict(name string)
	IsTableEmpty(ctx context.Context, name, qualifiedTable string) bool
	CountEstimate(ctx context.Context, name, query string) int64
	Paginate(ctx context.Context, name, query string, pageSize, offset int) ([]repetl.Row, []string, bool, error)
}

// InitWorker pages one mapping's snapshot query and publishes an init
// row event per row. It stops on bus saturation with its offset
// recorded, so a later run resumes where it left off.
type InitWorker struct {
	id      string
	mapping *config.TableMapping
	cfg     *config.Config
	pool    snapshotStore
	bus     *bus.Bus
	logger  repetl.Logger
	stats   *WorkerStats

	// resumeOffset is the row offset the run starts from.
	resumeOffset int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInitWorker builds a worker for one mapping with an init_query.
func NewInitWorker(id string, mapping *config.TableMapping, cfg *config.Config, pool snapshotStore, b *bus.Bus, logger repetl.Logger, resumeOffset int) *InitWorker {
	w := &InitWorker{
		id:           id,
		mapping:      mapping,
		cfg:          cfg,
		pool:         pool,
		bus:          b,
		logger:       logger,
		stats:        NewWorkerStats("init:" + id),
		resumeOffset: resumeOffset,
		done:         make(chan struct{}),
	}
	w.stats.AdvanceInit(resumeOffset, 0)
	return w
}

// Stats returns the worker's counters.
func (w *InitWorker) Stats() *WorkerStats { return w.stats }

// Stop requests the worker to stop at the next row boundary.
func (w *InitWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Wait blocks until Run has returned.
func (w *InitWorker) Wait() { <-w.done }

// Run performs the snapshot. It always marks the worker completed
// with a reason before returning.
func (w *InitWorker) Run(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	defer w.cancel()
	w.stats.SetRunning(true)
	defer close(w.done)

	if w.mapping.InitQuery == "" {
		w.stats.Complete(ReasonOK)
		return
	}

	connName := "init:" + w.id
	sourceSpec := w.cfg.Sources[w.mapping.Source]
	if sourceSpec == nil {
		w.fail(fmt.Errorf("init %s: no source %q", w.id, w.mapping.Source))
		return
	}
	if err := w.pool.Open(ctx, connName, sourceSpec); err != nil {
		w.fail(err)
		return
	}
	defer w.pool.Evict(connName)

	if w.mapping.InitIfTargetEmpty {
		targetSpec := w.cfg.Targets[w.mapping.Target]
		if targetSpec == nil {
			w.fail(fmt.Errorf("init %s: no target %q", w.id, w.mapping.Target))
			return
		}
		// The target worker opens its connection concurrently, so the
		// emptiness check runs on its own short-lived one.
		checkName := "init-target:" + w.id
		if err := w.pool.Open(ctx, checkName, targetSpec); err != nil {
			w.fail(fmt.Errorf("init %s: emptiness check: %w", w.id, err))
			return
		}
		empty := w.pool.IsTableEmpty(ctx, checkName, w.mapping.TargetTable)
		w.pool.Evict(checkName)
		if !empty {
			w.logger.Info("target not empty, skipping snapshot",
				"mapping", w.id, "target", w.mapping.Target, "table", w.mapping.TargetTable)
			w.stats.Complete(ReasonTargetNotEmpty)
			return
		}
	}

	// Row estimate is progress information only.
	w.stats.SetEstimate(w.pool.CountEstimate(ctx, connName, w.mapping.InitQuery))

	offset := w.resumeOffset
	var pages int64
	w.logger.Info("snapshot started",
		"mapping", w.id, "source", w.mapping.Source, "offset", offset,
		"estimated_rows", w.stats.Snapshot().RowsEstimated)

	for {
		if ctx.Err() != nil {
			w.stats.Complete(ReasonOK)
			return
		}
		rows, _, hasMore, err := w.pool.Paginate(ctx, connName, w.mapping.InitQuery, initPageSize, offset)
		if err != nil {
			w.fail(fmt.Errorf("init %s: %w", w.id, err))
			return
		}

		for _, row := range rows {
			if ctx.Err() != nil {
				// Stop at the row boundary; offset covers only the
				// rows already published.
				w.stats.AdvanceInit(offset, pages)
				w.stats.Complete(ReasonOK)
				return
			}
			if w.bus.Usage() > busStopUsage {
				w.overflow(offset, pages)
				return
			}
			ev := &event.InitRowEvent{
				ID:          event.NewID(),
				MappingID:   w.id,
				Source:      w.mapping.Source,
				SourceTable: w.mapping.SourceTable,
				Target:      w.mapping.Target,
				TargetTable: w.mapping.TargetTable,
				PrimaryKey:  w.mapping.PrimaryKey,
				Columns:     w.mapping.Columns,
				Filter:      w.mapping.Filter,
				Row:         row,
			}
			if err := w.publish(ctx, ev); err != nil {
				if w.bus.Usage() > busStopUsage {
					w.overflow(offset, pages)
					return
				}
				w.stats.CountError()
				api.WorkerErrors.WithLabelValues("init:" + w.id).Inc()
				w.logger.Error("snapshot row dropped",
					"mapping", w.id, "offset", offset, "error", err)
			} else {
				api.InitRowsPublished.WithLabelValues(w.id).Inc()
			}
			offset++
			w.stats.CountEvent(event.TypeInsert)
		}

		pages++
		w.stats.AdvanceInit(offset, pages)
		if !hasMore {
			w.logger.Info("snapshot completed",
				"mapping", w.id, "rows", offset, "pages", pages)
			w.stats.Complete(ReasonOK)
			return
		}
	}
}

// publish pushes one row onto the bus, retrying briefly because
// transient saturation often clears within the bus worker's next
// processing slice.
func (w *InitWorker) publish(ctx context.Context, ev *event.InitRowEvent) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = publishRetryBackoff
	bo.Multiplier = 2
	return backoff.Retry(func() error {
		if !w.bus.Publish(bus.NewEnvelope(bus.KindInitRow, ev.Source, ev.Target, ev)) {
			return fmt.Errorf("bus rejected publish")
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, publishRetries), ctx))
}

func (w *InitWorker) overflow(offset int, pages int64) {
	w.logger.Warn("bus saturated, snapshot paused",
		"mapping", w.id, "offset", offset, "usage", w.bus.Usage())
	w.stats.AdvanceInit(offset, pages)
	w.stats.Complete(ReasonQueueOverflow)
}

func (w *InitWorker) fail(err error) {
	w.stats.CountError()
	api.WorkerErrors.WithLabelValues("init:" + w.id).Inc()
	w.logger.Error("init worker failed", "mapping", w.id, "error", err)
	w.bus.Publish(bus.NewEnvelope(bus.KindError, w.mapping.Source, "", err.Error()))
	w.stats.Complete(ReasonError)
}
