package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/user/repetl"
	"github.com/user/repetl/internal/api"
	"github.com/user/repetl/internal/config"
	"github.com/user/repetl/pkg/bus"
	"github.com/user/repetl/pkg/db"
	"github.com/user/repetl/pkg/event"
)

const (
	masterStatusAttempts = 3
	heartbeatInterval    = 10 * time.Second
	streamPollPeriod     = 100 * time.Millisecond
)

// SourceWorker tails one source's binlog and publishes typed row
// events on the bus, one envelope per matching target.
type SourceWorker struct {
	name     string
	spec     *config.DatabaseConfig
	cfg      *config.Config
	serverID uint32
	pool     *db.Pool
	bus      *bus.Bus
	logger   repetl.Logger
	stats    *WorkerStats

	cancel context.CancelFunc
	done   chan struct{}

	// columns caches column names per binlog table id. A table id
	// changes when the table definition does, so stale entries age
	// out naturally.
	columns     map[uint64][]string
	currentFile string
}

// NewSourceWorker builds a worker for one configured source.
func NewSourceWorker(name string, spec *config.DatabaseConfig, cfg *config.Config, serverID uint32, pool *db.Pool, b *bus.Bus, logger repetl.Logger) *SourceWorker {
	return &SourceWorker{
		name:     name,
		spec:     spec,
		cfg:      cfg,
		serverID: serverID,
		pool:     pool,
		bus:      b,
		logger:   logger,
		stats:    NewWorkerStats(name),
		done:     make(chan struct{}),
		columns:  make(map[uint64][]string),
	}
}

// Stats returns the worker's counters.
func (s *SourceWorker) Stats() *WorkerStats { return s.stats }

// Stop requests the worker to exit. Run returns promptly.
func (s *SourceWorker) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until Run has returned.
func (s *SourceWorker) Wait() { <-s.done }

// Run streams the binlog until Stop or a transport error. On error
// the worker publishes an error envelope and exits; the supervisor
// restarts it.
func (s *SourceWorker) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()
	s.stats.SetRunning(true)
	defer func() {
		s.stats.SetRunning(false)
		close(s.done)
	}()

	pos, err := s.startPosition(ctx)
	if err != nil {
		s.fail(fmt.Errorf("resolve start position: %w", err))
		return
	}
	s.currentFile = pos.Name

	connName := "source:" + s.name
	if err := s.pool.Open(ctx, connName, s.spec); err != nil {
		s.fail(err)
		return
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: s.serverID,
		Flavor:   "mysql",
		Host:     s.spec.Host,
		Port:     uint16(s.spec.Port),
		User:     s.spec.User,
		Password: s.spec.Password,
		Charset:  s.spec.Charset,
	})
	defer syncer.Close()

	streamer, err := syncer.StartSync(pos)
	if err != nil {
		s.fail(fmt.Errorf("start binlog sync: %w", err))
		return
	}
	s.logger.Info("binlog stream started",
		"source", s.name, "file", pos.Name, "position", pos.Pos, "server_id", s.serverID)

	lastHeartbeat := time.Now()
	for {
		// Non-blocking mode polls in short slices so heartbeats keep
		// flowing on an idle stream.
		getCtx, cancelGet := ctx, context.CancelFunc(nil)
		if !s.cfg.Replication.Blocking {
			getCtx, cancelGet = context.WithTimeout(ctx, streamPollPeriod)
		}
		ev, err := streamer.GetEvent(getCtx)
		if cancelGet != nil {
			cancelGet()
		}
		if ctx.Err() != nil {
			s.logger.Info("binlog stream stopped", "source", s.name)
			return
		}

		switch {
		case err == nil:
			switch e := ev.Event.(type) {
			case *replication.RotateEvent:
				s.currentFile = string(e.NextLogName)
			case *replication.TableMapEvent:
				// Rows events re-resolve columns lazily by table id.
			case *replication.RowsEvent:
				s.handleRows(ctx, connName, ev.Header, e)
			}
		case !s.cfg.Replication.Blocking && errors.Is(err, context.DeadlineExceeded):
			// Idle poll slice, nothing to do.
		default:
			s.fail(fmt.Errorf("read binlog: %w", err))
			return
		}

		if time.Since(lastHeartbeat) >= heartbeatInterval {
			s.bus.Publish(bus.NewEnvelope(bus.KindHeartbeat, s.name, "", nil))
			s.stats.Touch()
			lastHeartbeat = time.Now()
		}
	}
}

// startPosition resolves where streaming begins: the configured
// file+offset when resume_stream allows it, otherwise the master's
// current position. SHOW MASTER STATUS is retried because sources
// often come up moments after the engine does.
func (s *SourceWorker) startPosition(ctx context.Context) (mysql.Position, error) {
	if s.cfg.Replication.Resume && s.cfg.Replication.LogFile != "" {
		return mysql.Position{Name: s.cfg.Replication.LogFile, Pos: s.cfg.Replication.LogPos}, nil
	}
	var status db.MasterStatus
	var err error
	for attempt := 1; attempt <= masterStatusAttempts; attempt++ {
		status, err = s.pool.MasterStatus(ctx, s.spec)
		if err == nil {
			return mysql.Position{Name: status.File, Pos: status.Position}, nil
		}
		s.logger.Warn("master status failed",
			"source", s.name, "attempt", attempt, "error", err)
		if attempt == masterStatusAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return mysql.Position{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return mysql.Position{}, err
}

func (s *SourceWorker) handleRows(ctx context.Context, connName string, header *replication.EventHeader, e *replication.RowsEvent) {
	schema := string(e.Table.Schema)
	table := string(e.Table.Table)
	mappings := s.cfg.MappingsFor(s.name, schema, table)
	if len(mappings) == 0 {
		return
	}

	var kind event.Type
	switch header.EventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		kind = event.TypeInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		kind = event.TypeUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		kind = event.TypeDelete
	default:
		return
	}
	if !s.eventAllowed(kind) {
		return
	}

	names := s.columnNames(ctx, connName, e)

	var events []*event.BinlogEvent
	if kind == event.TypeUpdate {
		// Update rows arrive in before/after pairs.
		for i := 0; i+1 < len(e.Rows); i += 2 {
			events = append(events, &event.BinlogEvent{
				ID:     event.NewID(),
				Type:   kind,
				Schema: schema, Table: table, Source: s.name,
				Before:  rowToMap(names, e.Rows[i]),
				After:   rowToMap(names, e.Rows[i+1]),
				LogFile: s.currentFile, LogPos: header.LogPos,
				ServerID: header.ServerID, Timestamp: header.Timestamp,
			})
		}
	} else {
		for _, row := range e.Rows {
			events = append(events, &event.BinlogEvent{
				ID:     event.NewID(),
				Type:   kind,
				Schema: schema, Table: table, Source: s.name,
				Values:  rowToMap(names, row),
				LogFile: s.currentFile, LogPos: header.LogPos,
				ServerID: header.ServerID, Timestamp: header.Timestamp,
			})
		}
	}

	targets := distinctTargets(mappings)
	for _, ev := range events {
		s.stats.CountEvent(ev.Type)
		api.EventsProcessed.WithLabelValues(s.name, string(ev.Type)).Inc()
		for _, target := range targets {
			if !s.bus.Publish(bus.NewEnvelope(bus.KindBinlogEvent, s.name, target, ev)) {
				s.stats.CountDropped()
				api.EventsDropped.WithLabelValues(s.name).Inc()
				s.logger.Warn("bus full, event dropped",
					"source", s.name, "target", target, "event_id", ev.ID,
					"table", ev.QualifiedTable())
			}
		}
	}
}

func (s *SourceWorker) eventAllowed(kind event.Type) bool {
	if len(s.cfg.Replication.OnlyEvents) == 0 {
		return true
	}
	for _, allowed := range s.cfg.Replication.OnlyEvents {
		if allowed == string(kind) {
			return true
		}
	}
	return false
}

// columnNames resolves the column names of a rows event. Binlog row
// metadata carries them only with binlog_row_metadata=FULL; otherwise
// they come from information_schema, cached per binlog table id.
func (s *SourceWorker) columnNames(ctx context.Context, connName string, e *replication.RowsEvent) []string {
	if len(e.Table.ColumnName) > 0 {
		names := make([]string, len(e.Table.ColumnName))
		for i, n := range e.Table.ColumnName {
			names[i] = string(n)
		}
		return names
	}
	if names, ok := s.columns[e.TableID]; ok {
		return names
	}
	names, err := s.pool.Columns(ctx, connName, string(e.Table.Schema), string(e.Table.Table))
	if err != nil {
		s.logger.Error("column lookup failed",
			"source", s.name, "schema", string(e.Table.Schema),
			"table", string(e.Table.Table), "error", err)
		return nil
	}
	s.columns[e.TableID] = names
	return names
}

func (s *SourceWorker) fail(err error) {
	s.stats.CountError()
	api.WorkerErrors.WithLabelValues(s.name).Inc()
	s.logger.Error("source worker failed", "source", s.name, "error", err)
	s.bus.Publish(bus.NewEnvelope(bus.KindError, s.name, "", err.Error()))
}

func rowToMap(names []string, values []any) repetl.Row {
	row := make(repetl.Row, len(values))
	for i, v := range values {
		name := fmt.Sprintf("col_%d", i)
		if i < len(names) {
			name = names[i]
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[name] = v
	}
	return row
}

func distinctTargets(mappings []config.NamedMapping) []string {
	seen := make(map[string]bool, len(mappings))
	var out []string
	for _, m := range mappings {
		if !seen[m.Mapping.Target] {
			seen[m.Mapping.Target] = true
			out = append(out, m.Mapping.Target)
		}
	}
	return out
}
