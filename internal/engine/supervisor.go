package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/repetl"
	"github.com/user/repetl/internal/api"
	"github.com/user/repetl/internal/config"
	"github.com/user/repetl/pkg/bus"
	"github.com/user/repetl/pkg/db"
	"github.com/user/repetl/pkg/filter"
	"github.com/user/repetl/pkg/transform"
)

const (
	monitorInterval    = 30 * time.Second
	resumptionInterval = 10 * time.Second
	restartDelay       = 2 * time.Second
	errorRateWarn      = 0.10
)

// Supervisor owns every worker: it wires the bus, starts the pipeline
// in dependency order, restarts crashed sources, pauses targets on
// unhealthy connections, resumes interrupted snapshots and gates
// streaming on snapshot completion when configured.
type Supervisor struct {
	cfg      *config.Config
	logger   repetl.Logger
	pool     *db.Pool
	bus      *bus.Bus
	registry *transform.Registry

	mu      sync.Mutex
	sources map[string]*SourceWorker
	targets map[string]*TargetWorker
	inits   map[string]*InitWorker

	ctx            context.Context
	cancel         context.CancelFunc
	busStop        chan struct{}
	busDone        chan struct{}
	monitorDone    chan struct{}
	startedAt      time.Time
	sourcesStarted bool
	shuttingDown   atomic.Bool
}

// NewSupervisor builds a supervisor for a validated configuration.
func NewSupervisor(cfg *config.Config, logger repetl.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		pool:    db.NewPool(logger),
		bus:     bus.New(cfg.BusCapacity, logger),
		sources: make(map[string]*SourceWorker),
		targets: make(map[string]*TargetWorker),
		inits:   make(map[string]*InitWorker),
	}
}

// Bus exposes the message bus, mainly for tests and diagnostics.
func (s *Supervisor) Bus() *bus.Bus { return s.bus }

// Start brings the pipeline up: transforms, bus worker, targets,
// inits, then sources (immediately, or once snapshots finish when
// pause_replication_during_init is set), then monitoring.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startedAt = time.Now()

	s.registry = transform.NewRegistry(s.logger)
	if err := s.registry.LoadModule(s.cfg.TransformModule, s.cfg.ConfigDir); err != nil {
		return fmt.Errorf("load transforms: %w", err)
	}
	for id, m := range s.cfg.Mapping {
		if err := filter.Validate(m.Filter); err != nil {
			return fmt.Errorf("mapping %q: %w", id, err)
		}
	}
	for _, name := range sortedKeys(s.cfg.Sources) {
		if len(s.cfg.TablesForSource(name)) == 0 {
			s.logger.Warn("source has no mapped tables", "source", name)
		}
	}
	for _, name := range sortedKeys(s.cfg.Targets) {
		if len(s.cfg.MappingsForTarget(name)) == 0 {
			s.logger.Warn("target has no mappings", "target", name)
		}
	}

	s.busStop = make(chan struct{})
	s.busDone = make(chan struct{})
	go func() {
		defer close(s.busDone)
		s.bus.Run(s.busStop)
	}()
	s.bus.Subscribe(bus.KindError, func(env bus.Envelope) {
		s.logger.Error("worker reported error",
			"source", env.SourceName, "envelope_id", env.ID, "error", env.Data)
	})

	for _, name := range sortedKeys(s.cfg.Targets) {
		w := NewTargetWorker(name, s.cfg.Targets[name], s.cfg, s.pool, s.registry, s.bus, s.logger)
		w.Subscribe()
		s.targets[name] = w
		go w.Run(s.ctx)
	}

	for _, nm := range s.cfg.InitMappings() {
		w := NewInitWorker(nm.ID, nm.Mapping, s.cfg, s.pool, s.bus, s.logger, 0)
		s.inits[nm.ID] = w
		go w.Run(s.ctx)
	}

	if s.cfg.Replication.PauseDuringInit {
		s.logger.Info("replication paused until snapshots complete")
	} else {
		s.startSources()
	}

	s.monitorDone = make(chan struct{})
	go s.monitor()

	s.logger.Info("engine started",
		"sources", len(s.cfg.Sources), "targets", len(s.cfg.Targets),
		"mappings", len(s.cfg.Mapping), "bus_capacity", s.cfg.BusCapacity)
	return nil
}

// startSources launches one worker per source with a distinct
// replica server id.
func (s *Supervisor) startSources() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sourcesStarted {
		return
	}
	names := sortedKeys(s.cfg.Sources)
	for i, name := range names {
		serverID := s.cfg.Replication.ServerID + uint32(i)
		w := NewSourceWorker(name, s.cfg.Sources[name], s.cfg, serverID, s.pool, s.bus, s.logger)
		s.sources[name] = w
		go w.Run(s.ctx)
	}
	s.sourcesStarted = true
}

func (s *Supervisor) monitor() {
	defer close(s.monitorDone)
	health := time.NewTicker(monitorInterval)
	defer health.Stop()
	resume := time.NewTicker(resumptionInterval)
	defer resume.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-health.C:
			s.checkSources()
			s.checkTargets()
			s.publishGauges()
		case <-resume.C:
			s.resumeInits()
			s.checkInitGate()
			s.publishGauges()
		}
	}
}

// checkSources restarts sources that exited while they should run,
// and warns on high error rates without restarting. Waiting out the
// restart delay happens outside the lock so Stats and Health stay
// responsive during a restart.
func (s *Supervisor) checkSources() {
	s.mu.Lock()
	if !s.sourcesStarted || s.shuttingDown.Load() {
		s.mu.Unlock()
		return
	}
	workers := make(map[string]*SourceWorker, len(s.sources))
	for name, w := range s.sources {
		workers[name] = w
	}
	s.mu.Unlock()

	for name, w := range workers {
		snap := w.Stats().Snapshot()
		if snap.Running {
			if snap.EventsProcessed > 0 {
				rate := float64(snap.Errors) / float64(snap.EventsProcessed)
				if rate > errorRateWarn {
					s.logger.Warn("source error rate high",
						"source", name, "rate", rate,
						"errors", snap.Errors, "events", snap.EventsProcessed)
				}
			}
			continue
		}
		s.logger.Warn("source worker down, restarting",
			"source", name, "delay", restartDelay)
		w.Stop()
		w.Wait()
		time.Sleep(restartDelay)
		if s.shuttingDown.Load() {
			return
		}
		nw := NewSourceWorker(name, s.cfg.Sources[name], s.cfg, s.sourceServerID(name), s.pool, s.bus, s.logger)
		s.mu.Lock()
		if s.sources[name] == w {
			s.sources[name] = nw
			go nw.Run(s.ctx)
			api.WorkerRestarts.WithLabelValues(name).Inc()
		}
		s.mu.Unlock()
	}
}

func (s *Supervisor) sourceServerID(name string) uint32 {
	names := sortedKeys(s.cfg.Sources)
	for i, n := range names {
		if n == name {
			return s.cfg.Replication.ServerID + uint32(i)
		}
	}
	return s.cfg.Replication.ServerID
}

// checkTargets pings every target and reconnects where possible.
// While any target is unhealthy, all target workers pause; sources
// keep running and back-pressure builds in the queues.
func (s *Supervisor) checkTargets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	allHealthy := true
	for name := range s.targets {
		if _, err := s.pool.ReconnectIfNeeded(s.ctx, "target:"+name); err != nil {
			allHealthy = false
			s.logger.Warn("target unhealthy", "target", name, "error", err)
		}
	}
	for _, w := range s.targets {
		w.SetPaused(!allHealthy)
	}
}

// resumeInits restarts interrupted snapshot workers from their
// recorded offset once the bus has drained.
func (s *Supervisor) resumeInits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown.Load() || s.bus.Usage() >= busResumeUsage {
		return
	}
	for id, w := range s.inits {
		snap := w.Stats().Snapshot()
		if !snap.Completed || snap.CurrentOffset == 0 {
			continue
		}
		if snap.CompletionReason != ReasonQueueOverflow && snap.CompletionReason != ReasonError {
			continue
		}
		m := s.cfg.Mapping[id]
		if m == nil {
			continue
		}
		s.logger.Info("resuming snapshot",
			"mapping", id, "offset", snap.CurrentOffset, "reason", snap.CompletionReason)
		nw := NewInitWorker(id, m, s.cfg, s.pool, s.bus, s.logger, snap.CurrentOffset)
		s.inits[id] = nw
		go nw.Run(s.ctx)
	}
}

// checkInitGate starts the sources once every snapshot has completed
// for any reason other than error.
func (s *Supervisor) checkInitGate() {
	if !s.cfg.Replication.PauseDuringInit {
		return
	}
	s.mu.Lock()
	started := s.sourcesStarted
	inits := make([]*InitWorker, 0, len(s.inits))
	for _, w := range s.inits {
		inits = append(inits, w)
	}
	s.mu.Unlock()
	if started {
		return
	}
	for _, w := range inits {
		snap := w.Stats().Snapshot()
		if !snap.Completed || snap.CompletionReason == ReasonError {
			return
		}
	}
	s.logger.Info("snapshots complete, starting replication")
	s.startSources()
}

func (s *Supervisor) publishGauges() {
	stats := s.bus.Stats()
	api.BusUsage.Set(s.bus.Usage())
	api.BusDropped.Set(float64(stats.Dropped))
	api.Reconnections.Set(float64(s.pool.Reconnections()))
}

// Stop tears the pipeline down in reverse dependency order and
// releases every connection.
func (s *Supervisor) Stop() {
	s.shuttingDown.Store(true)
	s.logger.Info("engine stopping")

	s.mu.Lock()
	sources := collect(s.sources)
	inits := collect(s.inits)
	targets := collect(s.targets)
	s.mu.Unlock()

	for _, w := range sources {
		w.Stop()
	}
	for _, w := range sources {
		w.Wait()
	}
	for _, w := range inits {
		w.Stop()
	}
	for _, w := range inits {
		w.Wait()
	}
	// Target workers run a final flush on their way out.
	for _, w := range targets {
		w.Stop()
	}
	for _, w := range targets {
		w.Wait()
		w.Unsubscribe()
	}

	s.bus.RequestShutdown()
	close(s.busStop)
	<-s.busDone

	s.cancel()
	<-s.monitorDone

	s.pool.Close()
	s.registry.Close()
	s.logger.Info("engine stopped")
}

// Stats snapshots every worker and the bus.
func (s *Supervisor) Stats() EngineStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := EngineStats{
		Uptime:        time.Since(s.startedAt),
		Bus:           s.bus.Stats(),
		Sources:       make(map[string]StatsSnapshot, len(s.sources)),
		Targets:       make(map[string]StatsSnapshot, len(s.targets)),
		Inits:         make(map[string]StatsSnapshot, len(s.inits)),
		Reconnections: s.pool.Reconnections(),
	}
	for name, w := range s.sources {
		out.Sources[name] = w.Stats().Snapshot()
	}
	for name, w := range s.targets {
		out.Targets[name] = w.Stats().Snapshot()
	}
	for id, w := range s.inits {
		out.Inits[id] = w.Stats().Snapshot()
	}
	return out
}

// Health renders the stats as the health document.
func (s *Supervisor) Health() api.HealthReport {
	stats := s.Stats()
	status := api.StatusHealthy

	busUsage := 0.0
	if stats.Bus.Capacity > 0 {
		busUsage = float64(stats.Bus.Size) / float64(stats.Bus.Capacity)
	}
	if busUsage > busResumeUsage {
		status = api.StatusWarning
	}
	for _, snap := range stats.Sources {
		if snap.EventsProcessed > 0 &&
			float64(snap.Errors)/float64(snap.EventsProcessed) > errorRateWarn {
			status = api.StatusWarning
		}
		if !snap.Running {
			status = api.StatusCritical
		}
	}
	for _, snap := range stats.Targets {
		if !snap.Running {
			status = api.StatusCritical
		}
	}
	s.mu.Lock()
	started := s.sourcesStarted
	s.mu.Unlock()
	if s.shuttingDown.Load() || (started && len(stats.Sources) == 0) {
		status = api.StatusUnhealthy
	}

	return api.HealthReport{
		Status:        status,
		UptimeSeconds: stats.Uptime.Seconds(),
		Components: map[string]any{
			"bus": map[string]any{
				"usage":              busUsage,
				"messages_sent":      stats.Bus.Sent,
				"messages_processed": stats.Bus.Processed,
				"messages_dropped":   stats.Bus.Dropped,
			},
			"sources":                stats.Sources,
			"targets":                stats.Targets,
			"inits":                  stats.Inits,
			"database_reconnections": stats.Reconnections,
		},
	}
}

func sortedKeys(m map[string]*config.DatabaseConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collect[W any](m map[string]W) []W {
	out := make([]W, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	return out
}
