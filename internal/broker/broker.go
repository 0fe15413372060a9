// Package broker fans task events out to live subscribers. It is an ephemeral
// channel next to the event store: nothing published here is durable, and a
// subscriber that falls behind loses events instead of slowing the publisher.
package broker

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/GalaxyXieyu/xhs-runner/pkg/models"
)

const defaultBufferSize = 256

// Handler receives events published for one task.
type Handler = func(models.Event)

type subscription struct {
	ch      chan models.Event
	stopped atomic.Bool
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.ch)
	})
}

// Broker is a non-blocking per-task publish/subscribe bus.
// Each subscriber gets a buffered channel drained by its own goroutine.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64][]*subscription
	bufferSize  int
	closed      bool
	logger      *slog.Logger
}

// New creates a broker with the given per-subscriber buffer size.
func New(bufferSize int, logger *slog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[int64][]*subscription),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers fn for every event published on taskID from now on.
// The returned function unsubscribes; it is safe to call more than once.
func (b *Broker) Subscribe(taskID int64, fn Handler) func() {
	sub := &subscription{ch: make(chan models.Event, b.bufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subscribers[taskID] = append(b.subscribers[taskID], sub)
	b.mu.Unlock()

	go b.deliver(taskID, sub, fn)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[taskID]
		for i, s := range subs {
			if s == sub {
				b.subscribers[taskID] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[taskID]) == 0 {
			delete(b.subscribers, taskID)
		}
		sub.stop()
	}
}

func (b *Broker) deliver(taskID int64, sub *subscription, fn Handler) {
	for ev := range sub.ch {
		if sub.stopped.Load() {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber panicked", "task_id", taskID, "event_index", ev.Index, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

// Publish delivers ev to the current subscribers of taskID. It never blocks:
// a subscriber whose buffer is full misses the event.
func (b *Broker) Publish(taskID int64, ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[taskID] {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber", "task_id", taskID, "event_index", ev.Index)
		}
	}
}

// SubscriberCount returns the number of live subscribers for taskID.
func (b *Broker) SubscriberCount(taskID int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[taskID])
}

// Close drops every subscription. Later Subscribe calls are no-ops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for taskID, subs := range b.subscribers {
		for _, sub := range subs {
			sub.stop()
		}
		delete(b.subscribers, taskID)
	}
	b.closed = true
}
