// Package router carries command envelopes between the subsystems.
//
// The three queues are the only cross-component shared mutable state in
// the process. Producers may enqueue from any goroutine; each queue has
// exactly one logical consumer, the scheduler task that drains it once per
// tick. Ordering within one queue is strict FIFO, ordering across queues
// is unspecified.
package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Commands that cross package boundaries. Queue owners may define
// additional private commands.
const (
	// CommandSendMessage asks the chat transport to deliver Data["text"].
	CommandSendMessage = "sendmessage"
	// CommandStatus asks the core loop for a device status summary.
	CommandStatus = "status"
	// CommandSwitch asks the core loop to toggle Data["device"] to
	// Data["state"] ("on" or "off").
	CommandSwitch = "switch"
)

// Envelope is an immutable request or response travelling through a queue.
// Ownership transfers to the queue on Put and to the consumer on TryGet.
type Envelope struct {
	ID        string
	Command   string
	Data      map[string]string
	Timestamp time.Time
}

// NewEnvelope builds an envelope with a fresh ID and the given capture time.
func NewEnvelope(command string, data map[string]string, now time.Time) Envelope {
	if data == nil {
		data = map[string]string{}
	}
	return Envelope{
		ID:        uuid.NewString(),
		Command:   command,
		Data:      data,
		Timestamp: now,
	}
}

// Queue is an unbounded FIFO. Put never blocks and enqueues one complete
// envelope atomically.
type Queue struct {
	mu    sync.Mutex
	items []Envelope
}

// Put appends an envelope.
func (q *Queue) Put(e Envelope) {
	q.mu.Lock()
	q.items = append(q.items, e)
	q.mu.Unlock()
}

// TryGet removes and returns the oldest envelope, if any.
func (q *Queue) TryGet() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Empty reports whether the queue currently holds no envelopes.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Router owns the named queues shared across the application.
type Router struct {
	// ToMain carries status and control requests for the core loop.
	ToMain Queue
	// ToBot carries user-facing responses and alarms for the chat transport.
	ToBot Queue
	// ToEnergyMonitor carries per-device monitoring configuration commands.
	ToEnergyMonitor Queue
}

// New creates a router with empty queues.
func New() *Router {
	return &Router{}
}
