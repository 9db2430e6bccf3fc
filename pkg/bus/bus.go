// Package bus is the bounded in-process message bus between source,
// init and target workers. Publishing never blocks: a full queue
// rejects the envelope and counts it as dropped, which is the
// back-pressure signal upstream workers act on.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/user/repetl"
)

// Kind tags the payload of an envelope.
type Kind string

const (
	KindBinlogEvent Kind = "binlog_event"
	KindInitRow     Kind = "init_row"
	KindShutdown    Kind = "shutdown"
	KindError       Kind = "error"
	KindHeartbeat   Kind = "heartbeat"
)

// Envelope is one addressed message. TargetName restricts delivery to
// a single target worker; subscribers of the envelope's kind receive
// it and check the address themselves.
type Envelope struct {
	ID         string
	Kind       Kind
	SourceName string
	TargetName string
	Data       any
	Timestamp  time.Time
}

// NewEnvelope builds an envelope with a fresh id and timestamp.
func NewEnvelope(kind Kind, sourceName, targetName string, data any) Envelope {
	return Envelope{
		ID:         uuid.New().String()[:8],
		Kind:       kind,
		SourceName: sourceName,
		TargetName: targetName,
		Data:       data,
		Timestamp:  time.Now(),
	}
}

// Handler consumes one envelope. Handlers run on the bus worker
// goroutine; they must not block for long.
type Handler func(Envelope)

// Stats is a snapshot of the bus counters.
type Stats struct {
	Sent      int64
	Processed int64
	Dropped   int64
	Size      int
	Capacity  int
}

// Bus is a single bounded FIFO with typed subscribers.
type Bus struct {
	queue    chan Envelope
	logger   repetl.Logger
	shutdown atomic.Bool

	mu     sync.Mutex
	subs   map[Kind]map[int]Handler
	nextID int

	sent      atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus with the given queue capacity.
func New(capacity int, logger repetl.Logger) *Bus {
	return &Bus{
		queue:  make(chan Envelope, capacity),
		subs:   make(map[Kind]map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler for a kind and returns a token for
// Unsubscribe.
func (b *Bus) Subscribe(kind Kind, h Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]Handler)
	}
	b.subs[kind][b.nextID] = h
	return b.nextID
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(kind Kind, token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[kind], token)
}

// Publish enqueues an envelope without blocking. It returns false
// when the queue is full or the bus is shutting down; a full queue
// increments the dropped counter.
func (b *Bus) Publish(env Envelope) bool {
	if b.shutdown.Load() {
		return false
	}
	select {
	case b.queue <- env:
		b.sent.Add(1)
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Process drains the queue for up to timeout, dispatching each
// envelope to its kind's subscribers. It returns the number of
// envelopes processed.
func (b *Bus) Process(timeout time.Duration) int {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	n := 0
	for {
		select {
		case env := <-b.queue:
			b.dispatch(env)
			n++
		case <-deadline.C:
			return n
		}
	}
}

func (b *Bus) dispatch(env Envelope) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[env.Kind]))
	for _, h := range b.subs[env.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, env)
	}
	b.processed.Add(1)
}

// invoke isolates subscriber panics so one failing subscriber cannot
// break its siblings or the bus worker.
func (b *Bus) invoke(h Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"kind", env.Kind, "envelope_id", env.ID, "panic", r)
		}
	}()
	h(env)
}

// RequestShutdown publishes a shutdown envelope, then rejects all
// subsequent publishes.
func (b *Bus) RequestShutdown() {
	b.Publish(NewEnvelope(KindShutdown, "", "", nil))
	b.shutdown.Store(true)
}

// Usage is the queue fill ratio in [0, 1].
func (b *Bus) Usage() float64 {
	return float64(len(b.queue)) / float64(cap(b.queue))
}

// Stats returns a snapshot of the counters and queue occupancy.
func (b *Bus) Stats() Stats {
	return Stats{
		Sent:      b.sent.Load(),
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
		Size:      len(b.queue),
		Capacity:  cap(b.queue),
	}
}

// Run processes the queue in a loop until stop closes, then performs
// one final drain. Meant to run on a dedicated goroutine.
func (b *Bus) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			b.Process(10 * time.Millisecond)
			return
		default:
			b.Process(100 * time.Millisecond)
		}
	}
}
