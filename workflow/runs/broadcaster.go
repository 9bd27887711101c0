package runs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/workflow"
)

// EventType classifies feed events.
type EventType string

const (
	EventStatus EventType = "status"
	EventNode   EventType = "node"
	EventLog    EventType = "log"
)

// Event is one message on the run feed. Status events always carry Status;
// node and log events carry Node or Log.
type Event struct {
	Type        EventType           `json:"type"`
	RunID       string              `json:"runId"`
	Status      workflow.RunStatus  `json:"status,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	Progress    int                 `json:"progress"`
	Error       string              `json:"error,omitempty"`
	FailedNodes []string            `json:"failedNodes,omitempty"`
	Node        *workflow.NodeState `json:"node,omitempty"`
	Log         *workflow.LogEntry  `json:"log,omitempty"`
}

// Filter selects the events a subscriber receives. A nil filter accepts all.
type Filter func(Event) bool

// ForRun accepts events of one run.
func ForRun(runID string) Filter {
	return func(e Event) bool { return e.RunID == runID }
}

// OfType accepts events of the given types.
func OfType(types ...EventType) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// DropRecorder counts events that could not be delivered.
type DropRecorder interface {
	RecordEventDropped(eventType string)
}

// Subscription is a buffered event stream. Events that do not fit in the
// buffer are dropped for this subscriber only.
type Subscription struct {
	id     string
	ch     chan Event
	filter Filter
	b      *Broadcaster
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Events returns the receive channel. It is closed by Close or by
// Broadcaster.Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() { s.b.Unsubscribe(s.id) }

// Broadcaster fans events out to subscribers with at-most-once delivery.
// There is no replay: a subscriber sees only events published after it
// subscribed.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	closed  bool
	counter atomic.Int64
	dropped atomic.Uint64
	drops   DropRecorder
	logger  *zap.Logger
}

// NewBroadcaster creates an empty broadcaster. drops may be nil.
func NewBroadcaster(drops DropRecorder, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		drops:  drops,
		logger: logger.With(zap.String("component", "run_broadcaster")),
	}
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Broadcaster) Subscribe(buffer int, filter Filter) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		id:     fmt.Sprintf("sub-%d", b.counter.Add(1)),
		ch:     make(chan Event, buffer),
		filter: filter,
		b:      b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber without blocking and
// returns the number of subscribers that received it.
func (b *Broadcaster) Publish(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			b.dropped.Add(1)
			if b.drops != nil {
				b.drops.RecordEventDropped(string(ev.Type))
			}
			b.logger.Debug("subscriber buffer full, event dropped",
				zap.String("subscription", sub.id),
				zap.String("run_id", ev.RunID),
				zap.String("type", string(ev.Type)))
		}
	}
	return delivered
}

// Dropped returns the number of events dropped since creation.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
