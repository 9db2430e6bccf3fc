package engine

import (
	"context"
	"reflect"
	"testing"

	"github.com/user/repetl/internal/config"
	"github.com/user/repetl/pkg/db"
	"github.com/user/repetl/pkg/logger"
)

func TestRowToMap(t *testing.T) {
	names := []string{"id", "name"}
	got := rowToMap(names, []any{int64(1), []byte("Ada"), 3.5})
	want := map[string]any{"id": int64(1), "name": "Ada", "col_2": 3.5}
	if len(got) != len(want) {
		t.Fatalf("row = %v, want %v", got, want)
	}
	for k, v := range want {
		if !reflect.DeepEqual(got[k], v) {
			t.Errorf("row[%q] = %v, want %v", k, got[k], v)
		}
	}
}

func TestDistinctTargets(t *testing.T) {
	mappings := []config.NamedMapping{
		{ID: "a", Mapping: &config.TableMapping{Target: "t1"}},
		{ID: "b", Mapping: &config.TableMapping{Target: "t2"}},
		{ID: "c", Mapping: &config.TableMapping{Target: "t1"}},
	}
	got := distinctTargets(mappings)
	if !reflect.DeepEqual(got, []string{"t1", "t2"}) {
		t.Errorf("targets = %v, want [t1 t2]", got)
	}
}

func TestStartPositionHonorsResumeStream(t *testing.T) {
	cfg := testConfig(t, map[string]*config.TableMapping{
		"users": usersMapping(passthroughColumns(), nil),
	})
	cfg.Replication.LogFile = "mysql-bin.000007"
	cfg.Replication.LogPos = 120

	cfg.Replication.Resume = true
	w := NewSourceWorker("src", cfg.Sources["src"], cfg, 1, nil, nil, logger.Nop())
	pos, err := w.startPosition(context.Background())
	if err != nil {
		t.Fatalf("startPosition: %v", err)
	}
	if pos.Name != "mysql-bin.000007" || pos.Pos != 120 {
		t.Errorf("pos = %v, want configured file and offset", pos)
	}

	// With resume_stream off the configured position is ignored and
	// the master is asked instead.
	cfg.Replication.Resume = false
	w = NewSourceWorker("src", cfg.Sources["src"], cfg, 1, db.NewPool(logger.Nop()), nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.startPosition(ctx); err == nil {
		t.Fatal("expected master status lookup to fail with no reachable master")
	}
}

func TestEventAllowed(t *testing.T) {
	cfg := testConfig(t, map[string]*config.TableMapping{
		"users": usersMapping(passthroughColumns(), nil),
	})
	w := NewSourceWorker("src", cfg.Sources["src"], cfg, 1, nil, nil, nil)

	if !w.eventAllowed("insert") || !w.eventAllowed("delete") {
		t.Error("all kinds allowed when only_events is empty")
	}

	cfg.Replication.OnlyEvents = []string{"insert", "update"}
	if !w.eventAllowed("insert") || !w.eventAllowed("update") {
		t.Error("listed kinds should be allowed")
	}
	if w.eventAllowed("delete") {
		t.Error("unlisted kind should be filtered")
	}
}
