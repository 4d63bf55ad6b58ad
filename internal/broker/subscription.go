package broker

import (
	"sync"

	"genpipeline/internal/domain"
	"genpipeline/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Subscription delivers progress events for one task. The channel is closed
// after a terminal event or when the subscription is closed.
type Subscription struct {
	TaskID string

	mu           sync.Mutex
	ch           chan domain.ProgressEvent
	closed       bool
	lastProgress int
	delivered    bool
	onClose      func()
	closeOnce    sync.Once
}

func newSubscription(taskID string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Subscription{TaskID: taskID, ch: make(chan domain.ProgressEvent, buffer)}
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.ch
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if !s.closed {
			s.closed = true
			close(s.ch)
		}
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// offer enqueues ev without blocking. It reports whether the subscription
// reached its terminal event and should be detached.
func (s *Subscription) offer(ev domain.ProgressEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}

	terminal := ev.Terminal()
	if s.delivered && ev.Progress < s.lastProgress {
		if !terminal {
			return false
		}
		ev.Progress = s.lastProgress
	}

	select {
	case s.ch <- ev:
	default:
		if !terminal {
			metrics.BrokerDropped.Inc()
			return false
		}
		// make room: the terminal event must reach the client
		select {
		case <-s.ch:
			metrics.BrokerDropped.Inc()
		default:
		}
		s.ch <- ev
	}
	s.lastProgress = ev.Progress
	s.delivered = true

	if terminal {
		s.closed = true
		close(s.ch)
		return true
	}
	return false
}
