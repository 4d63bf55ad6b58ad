// Package queue carries task ids from the gateway to the workers. Delivery
// is at least once: the worker's claim compare-and-set discards duplicates,
// and queue recovery re-reads queued tasks from the store after a loss.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue: closed")

// Queue is implemented by Memory, Postgres and Kafka.
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
	// Dequeue blocks until a task id is available or ctx ends.
	Dequeue(ctx context.Context) (string, error)
	Close() error
}

// fifo is an unbounded, de-duplicating FIFO of task ids shared by the
// backends as their local buffer.
type fifo struct {
	mu      sync.Mutex
	items   []string
	pending map[string]struct{}
	ready   chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newFIFO() *fifo {
	return &fifo{
		pending: make(map[string]struct{}),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (f *fifo) push(id string) {
	f.mu.Lock()
	if _, dup := f.pending[id]; !dup {
		f.pending[id] = struct{}{}
		f.items = append(f.items, id)
	}
	f.mu.Unlock()
	select {
	case f.ready <- struct{}{}:
	default:
	}
}

func (f *fifo) pop(ctx context.Context) (string, error) {
	for {
		f.mu.Lock()
		if len(f.items) > 0 {
			id := f.items[0]
			f.items[0] = ""
			f.items = f.items[1:]
			delete(f.pending, id)
			more := len(f.items) > 0
			f.mu.Unlock()
			if more {
				// wake the next waiter
				select {
				case f.ready <- struct{}{}:
				default:
				}
			}
			return id, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-f.done:
			return "", ErrClosed
		case <-f.ready:
		}
	}
}

func (f *fifo) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fifo) close() {
	f.once.Do(func() { close(f.done) })
}

// Memory is a process-local Queue.
type Memory struct {
	q *fifo
}

func NewMemory() *Memory {
	return &Memory{q: newFIFO()}
}

func (m *Memory) Enqueue(ctx context.Context, taskID string) error {
	select {
	case <-m.q.done:
		return ErrClosed
	default:
	}
	m.q.push(taskID)
	return nil
}

func (m *Memory) Dequeue(ctx context.Context) (string, error) {
	return m.q.pop(ctx)
}

// Len returns the number of buffered ids.
func (m *Memory) Len() int {
	return m.q.len()
}

func (m *Memory) Close() error {
	m.q.close()
	return nil
}

var _ Queue = (*Memory)(nil)
