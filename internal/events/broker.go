// Package events fans task lifecycle events out to in-process subscribers
// (server-sent events) and to an AMQP exchange.
package events

import (
	"sync"
	"time"

	"github.com/atulyaai/tantra/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event types published for a task.
const (
	TypeRunning  = "running"
	TypeProgress = "progress"
	TypeFinished = "finished"
)

// Event is one lifecycle change of a task.
type Event struct {
	Type     string       `json:"type"`
	TaskID   string       `json:"task_id"`
	Status   model.Status `json:"status"`
	WorkerID string       `json:"worker_id,omitempty"`
	Progress float64      `json:"progress"`
	Error    string       `json:"error,omitempty"`
	Time     time.Time    `json:"time"`
}

// NewEvent builds an event of the given type from a task snapshot.
func NewEvent(typ string, t *model.Task) Event {
	return Event{
		Type:     typ,
		TaskID:   t.ID,
		Status:   t.Status,
		WorkerID: t.WorkerID,
		Progress: t.Progress,
		Error:    t.Error,
		Time:     time.Now().UTC(),
	}
}

// Broker manages per-task event streaming to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a task finishes) receive a closed channel instead of
// blocking forever. Markers beyond maxClosed are evicted oldest first.
type Broker struct {
	mu        sync.Mutex
	topics    map[string]*topic
	closedIDs []string
	maxClosed int
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates a broker that remembers up to maxClosed finished tasks.
func NewBroker(maxClosed int) *Broker {
	if maxClosed <= 0 {
		maxClosed = 1000
	}
	return &Broker{
		topics:    make(map[string]*topic),
		maxClosed: maxClosed,
	}
}

// Subscribe returns a channel that receives events for the given task and an
// unsubscribe function. If the task has already finished (Close was called),
// the returned channel is immediately closed.
func (b *Broker) Subscribe(taskID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[taskID] = t
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
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
		if !t.closed && len(t.subs) == 0 && b.topics[taskID] == t {
			delete(b.topics, taskID)
		}
	}
}

// Publish sends an event to all subscribers of ev.TaskID.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.TaskID]
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

// Close signals that no more events will be published for the given task.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[taskID] = t
	}
	if t.closed {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}

	b.closedIDs = append(b.closedIDs, taskID)
	if len(b.closedIDs) > b.maxClosed {
		evict := b.closedIDs[0]
		b.closedIDs = b.closedIDs[1:]
		delete(b.topics, evict)
	}
}
