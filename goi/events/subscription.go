package events

import (
	"sync/atomic"

	"github.com/c360studio/goi/goi"
)

// Subscription is a bounded live feed of one session's events. When the
// buffer is full the oldest buffered event is dropped to make room.
type Subscription struct {
	ch      chan goi.Event
	stream  *stream
	dropped atomic.Int64
	closed  bool // guarded by stream.mu
}

// C returns the event channel. It is closed by Close.
func (s *Subscription) C() <-chan goi.Event {
	return s.ch
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.stream.subs, s)
	close(s.ch)
}

// deliver enqueues e, evicting the oldest entry when full. It reports
// whether an event was dropped. Called with stream.mu held, so this is
// the only sender.
func (s *Subscription) deliver(e goi.Event) bool {
	dropped := false
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}
