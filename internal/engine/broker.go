package engine

import (
	"sync"
	"time"

	"github.com/seantiz/fleetbroker/internal/model"
)

// subscriberBufferSize is the channel buffer for each status subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Event is a request status change.
type Event struct {
	RequestID string              `json:"request_id"`
	Status    model.RequestStatus `json:"status"`
	Message   string              `json:"message,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// defaultClosedRetention is how long a closed topic is kept as a marker.
const defaultClosedRetention = 5 * time.Minute

// StatusBroker fans request status changes out to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers for a while so that late
// subscribers (those subscribing after a request reached a terminal status)
// receive a closed channel instead of blocking forever. Expired markers are
// swept on Subscribe and Close, and an open topic is dropped when its last
// subscriber leaves.
type StatusBroker struct {
	mu        sync.Mutex
	topics    map[string]*statusTopic
	retention time.Duration
	now       func() time.Time
}

type statusTopic struct {
	subs     map[int]chan Event
	nextID   int
	closed   bool
	closedAt time.Time
}

// BrokerOption configures a StatusBroker.
type BrokerOption func(*StatusBroker)

// WithClosedRetention sets how long closed topics are kept.
func WithClosedRetention(d time.Duration) BrokerOption {
	return func(b *StatusBroker) { b.retention = d }
}

// WithBrokerClock sets the clock used to expire closed topics.
func WithBrokerClock(now func() time.Time) BrokerOption {
	return func(b *StatusBroker) { b.now = now }
}

// NewStatusBroker creates a new status broker.
func NewStatusBroker(opts ...BrokerOption) *StatusBroker {
	b := &StatusBroker{
		topics:    make(map[string]*statusTopic),
		retention: defaultClosedRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe returns a channel that receives status events for the given
// request and an unsubscribe function. If the request is already terminal
// (Close was called), the returned channel is immediately closed.
func (b *StatusBroker) Subscribe(requestID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweep()

	t, ok := b.topics[requestID]
	if !ok {
		t = &statusTopic{subs: make(map[int]chan Event)}
		b.topics[requestID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if !t.closed && len(t.subs) == 0 && b.topics[requestID] == t {
			delete(b.topics, requestID)
		}
	}
}

// Publish sends an event to all subscribers of its request.
// Events are dropped for subscribers whose buffers are full.
func (b *StatusBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.RequestID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close signals that no more events will be published for the request.
// All subscriber channels are closed and Subscribe calls within the
// retention period return a closed channel.
func (b *StatusBroker) Close(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweep()

	t, ok := b.topics[requestID]
	if !ok {
		t = &statusTopic{subs: make(map[int]chan Event)}
		b.topics[requestID] = t
	}
	if t.closed {
		return
	}

	t.closed = true
	t.closedAt = b.now()
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Topics returns the number of requests the broker is tracking.
func (b *StatusBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}

// sweep drops closed topics older than the retention period. Must hold b.mu.
func (b *StatusBroker) sweep() {
	cutoff := b.now().Add(-b.retention)
	for id, t := range b.topics {
		if t.closed && t.closedAt.Before(cutoff) {
			delete(b.topics, id)
		}
	}
}
