package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Envelope carries a payload together with its topic.
type Envelope struct {
	Event   Event     `json:"event"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

type subscriber struct {
	raw  chan any      // Subscribe
	env  chan Envelope // SubscribeMany
	once sync.Once
}

func (s *subscriber) offer(e Envelope) bool {
	if s.raw != nil {
		select {
		case s.raw <- e.Payload:
			return true
		default:
			return false
		}
	}
	select {
	case s.env <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		if s.raw != nil {
			close(s.raw)
		} else {
			close(s.env)
		}
	})
}

// Bus is a non-blocking pub/sub broker. Slow subscribers miss events rather
// than stall publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]*subscriber
	dropped atomic.Uint64
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]*subscriber)}
}

// Subscribe registers a listener for one topic. The returned func unsubscribes
// and closes the channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	s := &subscriber{raw: make(chan any, buffer)}
	return s.raw, b.add(s, []Event{e})
}

// SubscribeMany registers one listener for several topics, delivering
// envelopes in publish order.
func (b *Bus) SubscribeMany(topics []Event, buffer int) (<-chan Envelope, func()) {
	s := &subscriber{env: make(chan Envelope, buffer)}
	return s.env, b.add(s, topics)
}

func (b *Bus) add(s *subscriber, topics []Event) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], s)
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, e := range topics {
			b.subs[e] = slices.DeleteFunc(b.subs[e], func(c *subscriber) bool { return c == s })
		}
		s.close()
	}
}

// Publish delivers payload to every subscriber of e without blocking.
func (b *Bus) Publish(e Event, payload any) {
	env := Envelope{Event: e, Payload: payload, Time: time.Now().UTC()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[e] {
		if !s.offer(env) {
			b.dropped.Add(1)
		}
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
