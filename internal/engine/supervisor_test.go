package engine

import (
	"context"
	"testing"
	"time"

	"github.com/user/repetl/internal/api"
	"github.com/user/repetl/internal/config"
	"github.com/user/repetl/pkg/logger"
	"github.com/user/repetl/pkg/transform"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := testConfig(t, map[string]*config.TableMapping{
		"users": usersMapping(passthroughColumns(), nil),
	})
	s := NewSupervisor(cfg, logger.Nop())
	s.startedAt = time.Now()
	return s
}

func TestHealthStatusDerivation(t *testing.T) {
	s := testSupervisor(t)
	tw := NewTargetWorker("tgt", s.cfg.Targets["tgt"], s.cfg, &fakeDB{},
		transform.NewRegistry(logger.Nop()), s.bus, logger.Nop())
	tw.stats.SetRunning(true)
	s.targets["tgt"] = tw

	report := s.Health()
	if report.Status != api.StatusHealthy {
		t.Fatalf("status = %q, want healthy", report.Status)
	}
	if report.UptimeSeconds < 0 {
		t.Error("uptime should be non-negative")
	}
	if _, ok := report.Components["bus"]; !ok {
		t.Error("components missing bus")
	}

	tw.stats.SetRunning(false)
	if got := s.Health().Status; got != api.StatusCritical {
		t.Errorf("status with stopped target = %q, want critical", got)
	}

	s.shuttingDown.Store(true)
	if got := s.Health().Status; got != api.StatusUnhealthy {
		t.Errorf("status while shutting down = %q, want unhealthy", got)
	}
}

func TestHealthWarnsOnErrorRate(t *testing.T) {
	s := testSupervisor(t)
	sw := NewSourceWorker("src", s.cfg.Sources["src"], s.cfg, 1, s.pool, s.bus, logger.Nop())
	sw.stats.SetRunning(true)
	for i := 0; i < 20; i++ {
		sw.stats.CountEvent("insert")
	}
	for i := 0; i < 5; i++ {
		sw.stats.CountError()
	}
	s.sources["src"] = sw

	if got := s.Health().Status; got != api.StatusWarning {
		t.Errorf("status = %q, want warning at 25%% error rate", got)
	}
}

// cancelledSupervisor builds a supervisor whose context is already
// cancelled, so any worker goroutine it launches exits immediately.
func cancelledSupervisor(t *testing.T, cfg *config.Config) *Supervisor {
	t.Helper()
	s := NewSupervisor(cfg, logger.Nop())
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cancel()
	return s
}

func TestInitGateHoldsSourcesUntilSnapshotsFinish(t *testing.T) {
	m := initMapping()
	cfg := testConfig(t, map[string]*config.TableMapping{"users": m})
	cfg.Replication.PauseDuringInit = true
	s := cancelledSupervisor(t, cfg)

	w := NewInitWorker("users", m, cfg, &fakeStore{}, s.bus, logger.Nop(), 0)
	s.inits["users"] = w

	s.checkInitGate()
	if s.sourcesStarted {
		t.Fatal("gate opened while a snapshot was still running")
	}

	w.stats.Complete(ReasonError)
	s.checkInitGate()
	if s.sourcesStarted {
		t.Fatal("gate opened after a failed snapshot")
	}

	w.stats.ClearCompletion()
	w.stats.Complete(ReasonOK)
	s.checkInitGate()
	if !s.sourcesStarted {
		t.Fatal("gate should open once every snapshot completed")
	}
}

func TestResumeInitsRestartsOverflowedSnapshots(t *testing.T) {
	users := initMapping()
	orders := initMapping()
	orders.SourceTable = "shop.orders"
	orders.TargetTable = "orders"
	cfg := testConfig(t, map[string]*config.TableMapping{
		"users":  users,
		"orders": orders,
	})
	s := cancelledSupervisor(t, cfg)

	interrupted := NewInitWorker("users", users, cfg, &fakeStore{}, s.bus, logger.Nop(), 0)
	interrupted.stats.AdvanceInit(1500, 2)
	interrupted.stats.Complete(ReasonQueueOverflow)
	s.inits["users"] = interrupted

	finished := NewInitWorker("orders", orders, cfg, &fakeStore{}, s.bus, logger.Nop(), 0)
	finished.stats.AdvanceInit(10, 1)
	finished.stats.Complete(ReasonOK)
	s.inits["orders"] = finished

	s.resumeInits()

	s.mu.Lock()
	resumed := s.inits["users"]
	untouched := s.inits["orders"]
	s.mu.Unlock()
	if resumed == interrupted {
		t.Fatal("overflowed snapshot was not resumed")
	}
	if resumed.resumeOffset != 1500 {
		t.Errorf("resume offset = %d, want 1500", resumed.resumeOffset)
	}
	if untouched != finished {
		t.Error("completed snapshot must not be restarted")
	}
}

func TestCheckSourcesRestartsStoppedWorker(t *testing.T) {
	cfg := testConfig(t, map[string]*config.TableMapping{
		"users": usersMapping(passthroughColumns(), nil),
	})
	s := cancelledSupervisor(t, cfg)

	w := NewSourceWorker("src", cfg.Sources["src"], cfg, 1, s.pool, s.bus, logger.Nop())
	w.Run(s.ctx)
	if w.Stats().Snapshot().Running {
		t.Fatal("worker should have exited")
	}
	s.sources["src"] = w
	s.sourcesStarted = true

	s.checkSources()

	s.mu.Lock()
	restarted := s.sources["src"]
	s.mu.Unlock()
	if restarted == w {
		t.Fatal("stopped source was not replaced")
	}
}

func TestSourceServerIDsAreDistinct(t *testing.T) {
	cfg := testConfig(t, map[string]*config.TableMapping{
		"users": usersMapping(passthroughColumns(), nil),
	})
	cfg.Sources["src2"] = &config.DatabaseConfig{Host: "h", User: "u", Port: 3306, Charset: "utf8mb4"}
	s := NewSupervisor(cfg, logger.Nop())

	a := s.sourceServerID("src")
	b := s.sourceServerID("src2")
	if a == b {
		t.Errorf("server ids must differ, both %d", a)
	}
	if a < cfg.Replication.ServerID || b < cfg.Replication.ServerID {
		t.Errorf("server ids %d, %d must not be below the configured base %d", a, b, cfg.Replication.ServerID)
	}
}
