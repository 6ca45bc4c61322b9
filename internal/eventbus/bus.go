package eventbus

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"
)

// Topic identifies an event stream: one per device plus global lifecycle topics.
type Topic string

// Lifecycle topics published by the hub connection.
const (
	TopicSystemReady      Topic = "system-ready"
	TopicConnectionOpened Topic = "connection-opened"
	TopicConnectionClosed Topic = "connection-closed"
)

// DeviceTopic returns the attribute-change topic for a device.
func DeviceTopic(deviceID string) Topic {
	return Topic("device." + deviceID)
}

// Default configuration
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Event represents an event in the system
type Event struct {
	Topic Topic
	Data  any
}

// Handler is a function that handles events
type Handler func(Event)

// Subscription is the handle returned by Subscribe and passed back to Unsubscribe.
type Subscription struct {
	id    uint64
	topic Topic
}

// Topic returns the subscribed topic.
func (s Subscription) Topic() Topic {
	return s.topic
}

// Publisher publishes events.
type Publisher interface {
	Publish(event Event)
}

// Subscriber manages subscriptions.
type Subscriber interface {
	Subscribe(topic Topic, handler Handler) Subscription
	Unsubscribe(sub Subscription)
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

type registration struct {
	id      uint64
	handler Handler
}

// work represents a unit of work for the worker pool
type work struct {
	event   Event
	handler Handler
}

// Bus routes events to subscribers through a bounded worker pool. Every topic
// is pinned to one worker, so a subscriber sees a topic's events in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]registration
	nextID   uint64

	queues []chan work
	wg     sync.WaitGroup

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers: make(map[Topic][]registration),
		queues:   make([]chan work, workerCount),
		closing:  make(chan struct{}),
	}

	for i := range b.queues {
		b.queues[i] = make(chan work, queueSize)
		b.wg.Add(1)
		go b.worker(i, b.queues[i])
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

func (b *Bus) worker(id int, queue <-chan work) {
	defer b.wg.Done()

	for w := range queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("topic", string(w.event.Topic)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

func (b *Bus) shard(topic Topic) chan work {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return b.queues[h.Sum32()%uint32(len(b.queues))]
}

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic Topic, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], registration{id: b.nextID, handler: handler})
	return Subscription{id: b.nextID, topic: topic}
}

// Unsubscribe removes a handler. Unknown or repeated handles are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[sub.topic]
	for i, r := range regs {
		if r.id != sub.id {
			continue
		}
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.topic)
		} else {
			b.handlers[sub.topic] = next
		}
		return
	}
}

// SubscriberCount returns the number of handlers registered for a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Publish sends an event to all subscribed handlers.
// Non-blocking: if the topic's queue is full or the bus is closing, the event is dropped.
func (b *Bus) Publish(event Event) {
	// The read lock is held while enqueueing so Close cannot close a queue mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	regs := b.handlers[event.Topic]
	if len(regs) == 0 {
		return
	}

	select {
	case <-b.closing:
		log.Warn().Str("topic", string(event.Topic)).Msg("Event bus closing, dropping event")
		return
	default:
	}

	queue := b.shard(event.Topic)
	for _, r := range regs {
		select {
		case queue <- work{event: event, handler: r.handler}:
		default:
			log.Warn().
				Str("topic", string(event.Topic)).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close shuts down the worker pool gracefully.
// First signals publishers to stop, then closes the work queues and waits for workers.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)

		b.mu.Lock()
		for _, q := range b.queues {
			close(q)
		}
		b.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
