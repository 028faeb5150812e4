// Package eventbus fans out post lifecycle events to in-process listeners
// such as the operator notifier.
//
// Publish never blocks. Each subscriber owns a buffered channel and a
// subscriber that falls behind loses events rather than stalling a run.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	PostPublished  Type = "post.published"
	PostReconciled Type = "post.reconciled"
	PostFailed     Type = "post.failed"
	FollowupFailed Type = "post.followup_failed"
	RunCompleted   Type = "run.completed"
	RunFailed      Type = "run.failed"
	ConfigReloaded Type = "config.reloaded"
)

type Event struct {
	Type   Type
	Time   time.Time
	PostID string
	// Detail is a short human-readable summary.
	Detail string
	Data   any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

// Publish sends under the read lock; unsubscribe closes a channel only after
// taking the write lock, so a send never hits a closed channel.
func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber's
// buffer was full.
func Dropped(bus Bus) uint64 {
	if f, ok := bus.(*fanout); ok {
		return f.dropped.Load()
	}
	return 0
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
