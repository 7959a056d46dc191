package eventstore

import (
	"sync"

	"github.com/loomhq/loom/internal/types"
)

// broadcaster fans appended events out to live subscribers. Each subscriber
// gets a bounded queue; a full queue terminates the subscription (its
// channel closes with the lagged flag set) rather than blocking the append
// path. A lagged consumer resumes by subscribing again from its last seen
// sequence.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
}

func newBroadcaster(buffer int) *broadcaster {
	if buffer <= 0 {
		buffer = 1024
	}
	return &broadcaster{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

func (b *broadcaster) subscribe(eventTypes []string) *Subscription {
	sub := &Subscription{
		ch:          make(chan *types.Event, b.buffer),
		broadcaster: b,
		replaying:   true,
	}
	if len(eventTypes) > 0 {
		sub.typeFilter = make(map[string]bool, len(eventTypes))
		for _, t := range eventTypes {
			sub.typeFilter[t] = true
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

func (b *broadcaster) publish(evt *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.deliver(evt) {
			delete(b.subs, sub)
		}
	}
}

// Subscription is one consumer's view of the live event stream. Consume from
// Events(); a closed channel with Lagged() true means the consumer fell
// behind and must resubscribe from LastSequence().
type Subscription struct {
	ch          chan *types.Event
	broadcaster *broadcaster
	typeFilter  map[string]bool

	mu        sync.Mutex
	lastSeq   int64
	lagged    bool
	closed    bool
	replaying bool
	pending   []*types.Event
}

// Events returns the subscription's event channel. It is closed by Close or
// by falling behind the queue.
func (s *Subscription) Events() <-chan *types.Event { return s.ch }

// Lagged reports whether the subscription was terminated because the
// consumer fell behind.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// LastSequence returns the sequence of the last event enqueued.
func (s *Subscription) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Close detaches the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.broadcaster.unsubscribe(s)
}

// replay enqueues the stored backlog, then the live events buffered while
// the replay was pending, and switches the subscription to direct delivery.
// The buffered events overlap the backlog; push deduplicates by sequence.
func (s *Subscription) replay(events []*types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, evt := range events {
		if !s.push(evt) {
			return
		}
	}
	for _, evt := range s.pending {
		if !s.push(evt) {
			return
		}
	}
	s.pending = nil
	s.replaying = false
}

// deliver routes one live event: buffered while a replay is pending so it
// cannot overtake unreplayed backlog, enqueued directly otherwise. Delivery
// never blocks: a full queue terminates the subscription with the lagged
// flag set. Returns false once the subscription is dead.
func (s *Subscription) deliver(evt *types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.typeFilter != nil && !s.typeFilter[evt.Type] {
		return true
	}
	if s.replaying {
		if len(s.pending) >= cap(s.ch) {
			return s.terminate()
		}
		s.pending = append(s.pending, evt)
		return true
	}
	return s.push(evt)
}

// push enqueues evt unless it was already seen. Caller holds s.mu.
func (s *Subscription) push(evt *types.Event) bool {
	if evt.Sequence <= s.lastSeq {
		return true
	}
	select {
	case s.ch <- evt:
		s.lastSeq = evt.Sequence
		return true
	default:
		return s.terminate()
	}
}

// terminate marks the subscription lagged and closes its channel. Caller
// holds s.mu.
func (s *Subscription) terminate() bool {
	s.lagged = true
	s.closed = true
	close(s.ch)
	return false
}
