// internal/events/bus.go
package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultQueueSize is the per-subscriber queue bound
const DefaultQueueSize = 128

// Handler processes one delivered event
type Handler func(Event)

// EventLog defines the interface for persisting published events
type EventLog interface {
	AppendEvent(event *Event) error
}

// Subscription is a registered handler with its own bounded queue and
// a dedicated consumer goroutine. A full queue drops the oldest event
// rather than blocking the publisher.
type Subscription struct {
	topic   Topic
	handler Handler

	mu      sync.Mutex
	queue   []Event
	max     int
	dropped uint64
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// Dropped returns the number of events dropped for this subscriber
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() Topic {
	return s.topic
}

// push enqueues an event, evicting the oldest entry when full
func (s *Subscription) push(e Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		s.dropped++
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pop removes the next queued event, if any
func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

// Bus is the in-process publish/subscribe fan-out for domain events.
// Publishing never blocks; each subscriber consumes on its own goroutine
// in publish order.
type Bus struct {
	mu        sync.RWMutex
	subs      map[Topic][]*Subscription
	seq       atomic.Uint64
	queueSize int
	log       EventLog
	logger    *zap.Logger
	closed    bool
}

// NewBus creates a bus. log may be nil to skip persistence.
func NewBus(log EventLog, queueSize int, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:      make(map[Topic][]*Subscription),
		queueSize: queueSize,
		log:       log,
		logger:    logger,
	}
}

// Seq returns the last assigned sequence number
func (b *Bus) Seq() uint64 {
	return b.seq.Load()
}

// ResumeAt seeds the sequence counter, used at startup to continue
// numbering after the last persisted event.
func (b *Bus) ResumeAt(seq uint64) {
	b.seq.Store(seq)
}

// Subscribe registers a handler for a topic. TopicAll receives every event.
func (b *Bus) Subscribe(topic Topic, handler Handler) *Subscription {
	sub := &Subscription{
		topic:   topic,
		handler: handler,
		max:     b.queueSize,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	go b.consume(sub)
	return sub
}

// Unsubscribe removes a subscription, draining queued events first
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[sub.topic]) == 0 {
				delete(b.subs, sub.topic)
			}
			break
		}
	}
	b.mu.Unlock()

	close(sub.quit)
	<-sub.done

	sub.mu.Lock()
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()
}

// Publish assigns the next sequence number, persists the event if a log
// is configured, and fans out to the topic's subscribers plus TopicAll.
// A slow subscriber loses its oldest queued event; the publisher never waits.
func (b *Bus) Publish(event *Event) {
	event.Seq = b.seq.Add(1)

	if b.log != nil {
		if err := b.log.AppendEvent(event); err != nil {
			b.logger.Warn("event log append failed",
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs[event.Topic] {
		sub.push(*event)
	}
	if event.Topic != TopicAll {
		for _, sub := range b.subs[TopicAll] {
			sub.push(*event)
		}
	}
}

// Close unsubscribes everything and stops delivery
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[Topic][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.quit)
		<-sub.done
		sub.mu.Lock()
		sub.closed = true
		sub.queue = nil
		sub.mu.Unlock()
	}
}

// consume is the per-subscriber delivery loop
func (b *Bus) consume(sub *Subscription) {
	defer close(sub.done)
	for {
		select {
		case <-sub.wake:
			for {
				e, ok := sub.pop()
				if !ok {
					break
				}
				b.deliver(sub, e)
			}
		case <-sub.quit:
			// Drain what is already queued before releasing.
			for {
				e, ok := sub.pop()
				if !ok {
					return
				}
				b.deliver(sub, e)
			}
		}
	}
}

// deliver invokes the handler, keeping the subscriber alive on panic
func (b *Bus) deliver(sub *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("event_id", e.ID),
				zap.Uint64("seq", e.Seq),
				zap.String("topic", string(sub.topic)),
				zap.Any("panic", r))
		}
	}()
	sub.handler(e)
}
