package engine

import (
	"sync"
	"time"

	"github.com/user/repetl/pkg/bus"
	"github.com/user/repetl/pkg/event"
)

// CompletionReason explains why an init worker stopped.
type CompletionReason string

const (
	ReasonOK             CompletionReason = "ok"
	ReasonQueueOverflow  CompletionReason = "queue_overflow"
	ReasonError          CompletionReason = "error"
	ReasonTargetNotEmpty CompletionReason = "target_not_empty"
)

// StatsSnapshot is a point-in-time copy of one worker's counters.
type StatsSnapshot struct {
	Name            string    `json:"name"`
	Running         bool      `json:"running"`
	EventsProcessed int64     `json:"events_processed"`
	Inserts         int64     `json:"inserts"`
	Updates         int64     `json:"updates"`
	Deletes         int64     `json:"deletes"`
	Errors          int64     `json:"errors"`
	Dropped         int64     `json:"dropped"`
	LastActivity    time.Time `json:"last_activity"`

	// Init worker fields.
	PagesProcessed   int64            `json:"pages_processed,omitempty"`
	CurrentOffset    int              `json:"current_offset,omitempty"`
	RowsEstimated    int64            `json:"rows_estimated,omitempty"`
	Completed        bool             `json:"completed,omitempty"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
}

// WorkerStats is the mutable counter set behind a snapshot. All
// access goes through methods; Snapshot hands out copies only.
type WorkerStats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

// NewWorkerStats creates counters for a named worker.
func NewWorkerStats(name string) *WorkerStats {
	return &WorkerStats{snap: StatsSnapshot{Name: name}}
}

// Snapshot returns a copy of the current counters.
func (s *WorkerStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// SetRunning flips the running flag.
func (s *WorkerStats) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Running = running
	s.snap.LastActivity = time.Now()
}

// CountEvent records one processed event of the given kind.
func (s *WorkerStats) CountEvent(kind event.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.EventsProcessed++
	switch kind {
	case event.TypeInsert:
		s.snap.Inserts++
	case event.TypeUpdate:
		s.snap.Updates++
	case event.TypeDelete:
		s.snap.Deletes++
	}
	s.snap.LastActivity = time.Now()
}

// CountError records one error.
func (s *WorkerStats) CountError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Errors++
	s.snap.LastActivity = time.Now()
}

// CountDropped records one dropped event.
func (s *WorkerStats) CountDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Dropped++
}

// Touch refreshes the activity timestamp.
func (s *WorkerStats) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastActivity = time.Now()
}

// SetEstimate records the snapshot row estimate (-1 when unknown).
func (s *WorkerStats) SetEstimate(rows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.RowsEstimated = rows
}

// AdvanceInit updates pagination progress.
func (s *WorkerStats) AdvanceInit(offset int, pages int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CurrentOffset = offset
	s.snap.PagesProcessed = pages
	s.snap.LastActivity = time.Now()
}

// Complete marks an init worker finished with a reason.
func (s *WorkerStats) Complete(reason CompletionReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Completed = true
	s.snap.CompletionReason = reason
	s.snap.Running = false
	s.snap.LastActivity = time.Now()
}

// ClearCompletion reopens an init worker for a resumed run.
func (s *WorkerStats) ClearCompletion() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Completed = false
	s.snap.CompletionReason = ""
}

// EngineStats is the whole-engine snapshot the health endpoint
// renders.
type EngineStats struct {
	Uptime        time.Duration            `json:"-"`
	Bus           bus.Stats                `json:"bus"`
	Sources       map[string]StatsSnapshot `json:"sources"`
	Targets       map[string]StatsSnapshot `json:"targets"`
	Inits         map[string]StatsSnapshot `json:"inits"`
	Reconnections int64                    `json:"database_reconnections"`
}
