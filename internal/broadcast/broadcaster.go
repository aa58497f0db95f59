// Package broadcast implements the Event Broadcaster: non-blocking fan-out
// of streamed output chunks and lifecycle events to any number of
// subscribers per session (spec §4.7). Events are not durable; replay comes
// from the Conversation Store.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/nexus/pkg/models"
)

// subscriberBuffer bounds how many pending events a slow subscriber may
// accumulate before being dropped, per spec §4.7.
const subscriberBuffer = 256

// Broadcaster fans out AgentEvents to per-session subscribers. Senders never
// block: a subscriber whose channel is full is unsubscribed and sent one
// final lagged notification on a side channel instead of blocking Publish.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int64]map[*Subscription]struct{}
	seq  map[int64]*uint64
}

// New builds an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subs: make(map[int64]map[*Subscription]struct{}),
		seq:  make(map[int64]*uint64),
	}
}

// Subscription is a single subscriber's view of one session's event stream.
type Subscription struct {
	SessionID int64
	Events    <-chan models.AgentEvent
	Lagged    <-chan struct{}

	events chan models.AgentEvent
	lagged chan struct{}
	once   sync.Once
}

// Subscribe registers a new subscriber for sessionID. Call Close when done.
func (b *Broadcaster) Subscribe(sessionID int64) *Subscription {
	sub := &Subscription{
		SessionID: sessionID,
		events:    make(chan models.AgentEvent, subscriberBuffer),
		lagged:    make(chan struct{}, 1),
	}
	sub.Events = sub.events
	sub.Lagged = sub.lagged

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Close unregisters the subscription. Safe to call more than once.
func (b *Broadcaster) Close(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.SessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.SessionID)
		}
	}
	b.mu.Unlock()
	sub.once.Do(func() { close(sub.events) })
}

// Publish stamps ev with the next monotonic Sequence for its session and
// delivers it to every current subscriber without blocking. A subscriber
// whose buffer is full is dropped and notified via its Lagged channel
// instead of stalling the Agent Loop.
func (b *Broadcaster) Publish(ev models.AgentEvent) {
	ev.Sequence = b.nextSeq(ev.SessionID)

	b.mu.RLock()
	set := b.subs[ev.SessionID]
	subs := make([]*Subscription, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.events <- ev:
		default:
			select {
			case sub.lagged <- struct{}{}:
			default:
			}
			b.Close(sub)
		}
	}
}

func (b *Broadcaster) nextSeq(sessionID int64) uint64 {
	b.mu.Lock()
	counter, ok := b.seq[sessionID]
	if !ok {
		counter = new(uint64)
		b.seq[sessionID] = counter
	}
	b.mu.Unlock()
	return atomic.AddUint64(counter, 1)
}
