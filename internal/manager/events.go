package manager

import "sync"

// subscriberBufferSize is the channel buffer for each event subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker manages per-unit streaming of compilation lifecycle events to
// subscribers. It is safe for concurrent use.
//
// Unlike a one-shot job stream, a unit can be compiled again after a topic
// closes (invalidation followed by recompilation), so EndAttempt removes the
// topic instead of retaining a closed marker: the next attempt re-opens it.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan string
	nextID int
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives event lines for the given unit
// and an unsubscribe function.
func (b *EventBroker) Subscribe(unitID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[unitID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan string)}
		b.topics[unitID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, live := t.subs[id]; live {
			close(ch)
			delete(t.subs, id)
		}
	}
}

// Publish sends an event line to all subscribers of the given unit.
// Lines are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(unitID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[unitID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking a worker.
		}
	}
}

// EndAttempt signals that the current compilation attempt for the unit is
// over. All subscriber channels are closed and the topic is removed so a
// later recompilation starts a fresh stream.
func (b *EventBroker) EndAttempt(unitID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[unitID]
	if !ok {
		return
	}

	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, unitID)
}
