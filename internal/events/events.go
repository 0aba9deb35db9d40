// Package events implements the repository engine's in-process
// notification bus.
package events

import (
	"sync"
	"time"
)

// EventType names a notification kind published by the engine.
type EventType string

const (
	// RepoSetWorktree fires when a repo gains a live worktree binding.
	RepoSetWorktree EventType = "repo.setwktree"
	// RepoUnsetWorktree fires when a repo's worktree binding is cleared.
	RepoUnsetWorktree EventType = "repo.unsetwktree"
	// RepoCommitted fires after a new commit is recorded and the
	// branch pointer is swapped.
	RepoCommitted EventType = "repo-committed"
	// RepoMergeStarted fires when the merge engine begins a real
	// 3-way merge (not a fast-forward or no-op).
	RepoMergeStarted EventType = "repo.merge-started"
	// RepoMergeDone fires when a merge (fast-forward, no-op, or real)
	// completes and MergeInfo has been cleared.
	RepoMergeDone EventType = "repo.merge-done"
)

// Event is a single notification delivered to subscribers.
type Event struct {
	Type      EventType
	RepoID    string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel a caller reads events from.
type Subscriber chan *Event

// Broker is a buffered, non-blocking pub/sub hub. One Broker is shared
// by a repo.Manager and all of its CheckoutTasks and merge operations.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a Broker. Call Start before Publish.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]struct{}),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the broker's dispatch goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts dispatch. Subscribers are not closed; callers that own a
// Subscriber channel should stop reading from it after Stop returns.
func (b *Broker) Stop() {
	close(b.stopCh)
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

// Subscribe registers a new buffered subscriber channel.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, 50)
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe deregisters a subscriber. The channel is not closed so a
// reader blocked in a select can notice via a separate done signal.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish enqueues an event for delivery. Timestamp defaults to now.
func (b *Broker) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- ev:
	default:
		// Dispatch loop is backed up; drop rather than block the
		// caller (usually holding a repo lock).
	}
}

func (b *Broker) broadcast(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
			// Slow subscriber, drop this event for it.
		}
	}
}

// SubscriberCount reports how many subscribers are currently registered.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
