package realtime

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher fans messages out to subscribers grouped by topic.
// A slow subscriber never blocks Publish: when its buffer is full the oldest
// pending message is discarded so the newest one is always delivered.
type Dispatcher[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber[T]
	nextID      int64
	bufferSize  int
}

type subscriber[T any] struct {
	id     int64
	mu     sync.Mutex
	stream chan T
}

// NewDispatcher constructs a dispatcher with the given per-subscriber buffer.
func NewDispatcher[T any](bufferSize int) *Dispatcher[T] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher[T]{
		subscribers: make(map[string]map[int64]*subscriber[T]),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers interest in a topic. The returned cleanup is safe to
// call more than once and runs automatically once ctx is done.
func (d *Dispatcher[T]) Subscribe(ctx context.Context, topic string) (<-chan T, func()) {
	if topic == "" {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[T]{
		id:     d.nextSequence(),
		stream: make(chan T, d.bufferSize),
	}
	d.register(topic, sub)

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			d.unregister(topic, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers the message to every current subscriber of the topic.
func (d *Dispatcher[T]) Publish(topic string, message T) {
	if topic == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber[T], 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		sub.offer(message)
	}
}

// SubscriberCount reports how many subscribers are registered for a topic.
func (d *Dispatcher[T]) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (s *subscriber[T]) offer(message T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.stream <- message:
			return
		default:
		}
		select {
		case <-s.stream:
		default:
		}
	}
}

func (d *Dispatcher[T]) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher[T]) register(topic string, sub *subscriber[T]) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber[T])
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher[T]) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
