package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/user/repetl"
	"github.com/user/repetl/internal/api"
	"github.com/user/repetl/internal/config"
	"github.com/user/repetl/pkg/bus"
	"github.com/user/repetl/pkg/event"
	"github.com/user/repetl/pkg/filter"
	"github.com/user/repetl/pkg/sqlbuilder"
	"github.com/user/repetl/pkg/transform"
)

const (
	targetQueueSize  = 10000
	queueWarnUsage   = 0.8
	targetPollPeriod = 100 * time.Millisecond

	batchRetries     = 3
	batchRetryBase   = time.Second
	batchRetryCap    = 60 * time.Second
	batchRetryJitter = 0.5
)

// database is the slice of the pool the target worker depends on.
type database interface {
	Open(ctx context.Context, name string, spec *config.DatabaseConfig) error
	ReconnectIfNeeded(ctx context.Context, name string) (bool, error)
	Execute(ctx context.Context, name, query string, args ...any) (int64, error)
	BatchExecute(ctx context.Context, name, query string, argRows [][]any) (int64, error)
}

type batchKey struct {
	source string
	table  string
}

// tableBatch accumulates upsert rows sharing one column fingerprint.
type tableBatch struct {
	table       string
	pk          string
	order       []string
	fingerprint string
	limit       int
	flushEvery  time.Duration
	createdAt   time.Time
	rows        []repetl.Row
}

// TargetWorker consumes addressed envelopes, resolves their mapping,
// filters and transforms rows, and writes them to one target in
// batches. Deletes execute immediately so ordering against later
// re-inserts holds.
type TargetWorker struct {
	name     string
	spec     *config.DatabaseConfig
	cfg      *config.Config
	pool     database
	registry *transform.Registry
	bus      *bus.Bus
	logger   repetl.Logger
	stats    *WorkerStats

	queue     chan bus.Envelope
	paused    atomic.Bool
	queueWarn atomic.Bool
	connName  string
	tokens    []subscription
	cancel    context.CancelFunc
	done      chan struct{}

	// Stream and snapshot rows batch separately so a large snapshot
	// burst does not delay streaming events.
	batches     map[batchKey]*tableBatch
	initBatches map[batchKey]*tableBatch
}

type subscription struct {
	kind  bus.Kind
	token int
}

// NewTargetWorker builds a worker for one configured target.
func NewTargetWorker(name string, spec *config.DatabaseConfig, cfg *config.Config, pool database, registry *transform.Registry, b *bus.Bus, logger repetl.Logger) *TargetWorker {
	return &TargetWorker{
		name:        name,
		spec:        spec,
		cfg:         cfg,
		pool:        pool,
		registry:    registry,
		bus:         b,
		logger:      logger,
		stats:       NewWorkerStats(name),
		queue:       make(chan bus.Envelope, targetQueueSize),
		connName:    "target:" + name,
		done:        make(chan struct{}),
		batches:     make(map[batchKey]*tableBatch),
		initBatches: make(map[batchKey]*tableBatch),
	}
}

// Stats returns the worker's counters.
func (t *TargetWorker) Stats() *WorkerStats { return t.stats }

// Subscribe registers the worker's bus handlers. Envelopes addressed
// to other targets are ignored.
func (t *TargetWorker) Subscribe() {
	handler := func(env bus.Envelope) {
		if env.TargetName != t.name {
			return
		}
		t.enqueue(env)
	}
	for _, kind := range []bus.Kind{bus.KindBinlogEvent, bus.KindInitRow} {
		t.tokens = append(t.tokens, subscription{kind, t.bus.Subscribe(kind, handler)})
	}
}

// Unsubscribe removes the worker's bus handlers.
func (t *TargetWorker) Unsubscribe() {
	for _, sub := range t.tokens {
		t.bus.Unsubscribe(sub.kind, sub.token)
	}
	t.tokens = nil
}

func (t *TargetWorker) enqueue(env bus.Envelope) {
	select {
	case t.queue <- env:
		usage := float64(len(t.queue)) / float64(cap(t.queue))
		if usage > queueWarnUsage {
			if t.queueWarn.CompareAndSwap(false, true) {
				t.logger.Warn("target queue filling up",
					"target", t.name, "usage", usage)
			}
		} else {
			t.queueWarn.Store(false)
		}
	default:
		t.stats.CountDropped()
		api.EventsDropped.WithLabelValues(t.name).Inc()
	}
}

// SetPaused pauses or resumes consumption. While paused the queue
// keeps filling, which is the back-pressure the supervisor relies on.
func (t *TargetWorker) SetPaused(paused bool) {
	if t.paused.Swap(paused) != paused {
		t.logger.Info("target consumption state changed",
			"target", t.name, "paused", paused)
	}
}

// Stop requests the worker to exit after a final flush.
func (t *TargetWorker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Wait blocks until Run has returned.
func (t *TargetWorker) Wait() { <-t.done }

// Run consumes the inbound queue until Stop, flushing due batches at
// least every flush interval.
func (t *TargetWorker) Run(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	defer t.cancel()
	t.stats.SetRunning(true)
	defer func() {
		t.stats.SetRunning(false)
		close(t.done)
	}()

	if err := t.pool.Open(ctx, t.connName, t.spec); err != nil {
		// Not fatal: the per-event health check reconnects later.
		t.logger.Error("target connection failed at start",
			"target", t.name, "error", err)
		t.stats.CountError()
	}

	ticker := time.NewTicker(targetPollPeriod)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			break
		}
		if t.paused.Load() {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
		case env := <-t.queue:
			t.handle(ctx, env)
		case <-ticker.C:
		}
		t.flushDue(ctx)
	}

	// Final flush on the way out; shutdown allows one last write.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.FlushAll(flushCtx)
}

func (t *TargetWorker) handle(ctx context.Context, env bus.Envelope) {
	if _, err := t.pool.ReconnectIfNeeded(ctx, t.connName); err != nil {
		// Skip the event; it is not requeued.
		t.stats.CountError()
		api.WorkerErrors.WithLabelValues(t.name).Inc()
		t.logger.Error("target connection unavailable, event skipped",
			"target", t.name, "envelope_id", env.ID, "error", err)
		return
	}

	switch env.Kind {
	case bus.KindBinlogEvent:
		ev, ok := env.Data.(*event.BinlogEvent)
		if !ok {
			return
		}
		t.handleBinlog(ctx, ev)
	case bus.KindInitRow:
		ev, ok := env.Data.(*event.InitRowEvent)
		if !ok {
			return
		}
		t.handleInitRow(ctx, ev)
	}
}

func (t *TargetWorker) handleBinlog(ctx context.Context, ev *event.BinlogEvent) {
	var mappings []config.NamedMapping
	for _, m := range t.cfg.MappingsFor(ev.Source, ev.Schema, ev.Table) {
		if m.Mapping.Target == t.name {
			mappings = append(mappings, m)
		}
	}
	if len(mappings) == 0 {
		// No mapping for this table addressed to us; drop silently.
		return
	}

	for _, nm := range mappings {
		m := nm.Mapping
		switch ev.Type {
		case event.TypeInsert:
			t.applyInsert(ctx, m, ev.Source, ev.QualifiedTable(), ev.Values, ev.ID)
			t.stats.CountEvent(event.TypeInsert)
		case event.TypeUpdate:
			t.applyUpdate(ctx, m, ev)
			t.stats.CountEvent(event.TypeUpdate)
		case event.TypeDelete:
			t.applyDelete(ctx, m, ev)
			t.stats.CountEvent(event.TypeDelete)
		}
		api.EventsProcessed.WithLabelValues(t.name, string(ev.Type)).Inc()
	}
}

func (t *TargetWorker) applyInsert(ctx context.Context, m *config.TableMapping, source, sourceTable string, values repetl.Row, eventID string) {
	ok, err := filter.Apply(values, m.Filter)
	if err != nil {
		t.filterError(eventID, err)
		return
	}
	if !ok {
		return
	}
	row := t.registry.TransformRow(m.Columns, values, sourceTable)
	t.appendBatch(ctx, t.batches, m, source, row)
}

// applyUpdate evaluates the filter on both row images. A row leaving
// filter scope becomes a compensating delete keyed by the transformed
// before image, so the target converges with the source's visible
// subset.
func (t *TargetWorker) applyUpdate(ctx context.Context, m *config.TableMapping, ev *event.BinlogEvent) {
	beforeOK, err := filter.Apply(ev.Before, m.Filter)
	if err != nil {
		t.filterError(ev.ID, err)
		return
	}
	afterOK, err := filter.Apply(ev.After, m.Filter)
	if err != nil {
		t.filterError(ev.ID, err)
		return
	}
	switch {
	case afterOK:
		row := t.registry.TransformRow(m.Columns, ev.After, ev.QualifiedTable())
		t.appendBatch(ctx, t.batches, m, ev.Source, row)
	case beforeOK:
		row := t.registry.TransformRow(m.Columns, ev.Before, ev.QualifiedTable())
		t.immediateDelete(ctx, m, ev.Source, row, ev.ID)
	}
}

func (t *TargetWorker) applyDelete(ctx context.Context, m *config.TableMapping, ev *event.BinlogEvent) {
	ok, err := filter.Apply(ev.Values, m.Filter)
	if err != nil {
		t.filterError(ev.ID, err)
		return
	}
	if !ok {
		return
	}
	row := t.registry.TransformRow(m.Columns, ev.Values, ev.QualifiedTable())
	t.immediateDelete(ctx, m, ev.Source, row, ev.ID)
}

func (t *TargetWorker) handleInitRow(ctx context.Context, ev *event.InitRowEvent) {
	ok, err := filter.Apply(ev.Row, ev.Filter)
	if err != nil {
		t.filterError(ev.ID, err)
		return
	}
	if !ok {
		return
	}
	row := t.registry.TransformRow(ev.Columns, ev.Row, ev.SourceTable)

	m := t.cfg.Mapping[ev.MappingID]
	if m == nil {
		m = &config.TableMapping{
			Target:            ev.Target,
			TargetTable:       ev.TargetTable,
			PrimaryKey:        ev.PrimaryKey,
			Columns:           ev.Columns,
			BatchSize:         100,
			FlushIntervalSecs: 5,
		}
	}
	t.appendBatch(ctx, t.initBatches, m, ev.Source, row)
	t.stats.CountEvent(event.TypeInsert)
	api.EventsProcessed.WithLabelValues(t.name, "init_row").Inc()
}

func (t *TargetWorker) filterError(eventID string, err error) {
	t.stats.CountError()
	api.WorkerErrors.WithLabelValues(t.name).Inc()
	t.logger.Error("filter evaluation failed",
		"target", t.name, "event_id", eventID, "error", err)
}

// appendBatch adds a transformed row to the (source, table) batch. A
// row whose column fingerprint differs from the batch's rows forces a
// flush of the existing batch first, so every batch keeps one stable
// column set.
func (t *TargetWorker) appendBatch(ctx context.Context, acc map[batchKey]*tableBatch, m *config.TableMapping, source string, row repetl.Row) {
	key := batchKey{source: source, table: m.TargetTable}
	fp := sqlbuilder.Fingerprint(m.Columns.TargetColumns())

	b := acc[key]
	if b != nil && b.fingerprint != fp {
		t.flushBatch(ctx, acc, key)
		b = nil
	}
	if b == nil {
		b = &tableBatch{
			table:       m.TargetTable,
			pk:          m.PrimaryKey,
			order:       m.Columns.TargetColumns(),
			fingerprint: fp,
			limit:       m.BatchSize,
			flushEvery:  time.Duration(m.FlushIntervalSecs * float64(time.Second)),
			createdAt:   time.Now(),
		}
		acc[key] = b
	}
	b.rows = append(b.rows, row)
	if len(b.rows) >= b.limit {
		t.flushBatch(ctx, acc, key)
	}
}

// flushBatch writes one batch with retries and removes it from the
// accumulator. A batch that still fails after all retries is dropped
// so the worker stays live.
func (t *TargetWorker) flushBatch(ctx context.Context, acc map[batchKey]*tableBatch, key batchKey) {
	b := acc[key]
	if b == nil || len(b.rows) == 0 {
		delete(acc, key)
		return
	}
	delete(acc, key)

	query, argRows, err := sqlbuilder.BatchUpsert(b.table, b.rows, b.order, b.pk)
	if err != nil {
		t.stats.CountError()
		t.logger.Error("batch statement build failed",
			"target", t.name, "table", b.table, "rows", len(b.rows), "error", err)
		return
	}
	err = t.execWithRetry(ctx, func() error {
		_, execErr := t.pool.BatchExecute(ctx, t.connName, query, argRows)
		return execErr
	})
	if err != nil {
		t.stats.CountError()
		api.BatchesDropped.WithLabelValues(t.name).Inc()
		t.logger.Error("batch dropped after retries",
			"target", t.name, "table", b.table, "rows", len(b.rows), "error", err)
		return
	}
	api.BatchesFlushed.WithLabelValues(t.name).Inc()
	t.logger.Debug("batch flushed",
		"target", t.name, "table", b.table, "rows", len(b.rows))
}

// immediateDelete flushes any pending batches for the table, then
// executes the delete right away so a later re-insert cannot be
// overtaken.
func (t *TargetWorker) immediateDelete(ctx context.Context, m *config.TableMapping, source string, row repetl.Row, eventID string) {
	key := batchKey{source: source, table: m.TargetTable}
	t.flushBatch(ctx, t.batches, key)
	t.flushBatch(ctx, t.initBatches, key)

	query, args, err := sqlbuilder.Delete(m.TargetTable, row, m.PrimaryKey)
	if err != nil {
		t.stats.CountError()
		t.logger.Error("delete statement build failed",
			"target", t.name, "table", m.TargetTable, "event_id", eventID, "error", err)
		return
	}
	err = t.execWithRetry(ctx, func() error {
		_, execErr := t.pool.Execute(ctx, t.connName, query, args...)
		return execErr
	})
	if err != nil {
		t.stats.CountError()
		t.logger.Error("delete failed after retries",
			"target", t.name, "table", m.TargetTable, "event_id", eventID, "error", err)
	}
}

// execWithRetry runs a write with exponential backoff, reconnecting
// between attempts.
func (t *TargetWorker) execWithRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = batchRetryBase
	bo.Multiplier = 2
	bo.MaxInterval = batchRetryCap
	bo.RandomizationFactor = batchRetryJitter
	return backoff.Retry(func() error {
		if err := op(); err != nil {
			t.pool.ReconnectIfNeeded(ctx, t.connName)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, batchRetries), ctx))
}

// flushDue flushes every batch older than its flush interval.
func (t *TargetWorker) flushDue(ctx context.Context) {
	now := time.Now()
	for _, acc := range []map[batchKey]*tableBatch{t.batches, t.initBatches} {
		for key, b := range acc {
			if now.Sub(b.createdAt) >= b.flushEvery {
				t.flushBatch(ctx, acc, key)
			}
		}
	}
}

// FlushAll writes out every pending batch.
func (t *TargetWorker) FlushAll(ctx context.Context) {
	for _, acc := range []map[batchKey]*tableBatch{t.batches, t.initBatches} {
		for key := range acc {
			t.flushBatch(ctx, acc, key)
		}
	}
}
