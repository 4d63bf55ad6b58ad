// Package broker fans task progress events out to live subscribers.
// Delivery is best effort and without history: a subscriber only sees
// events published after Subscribe returns.
package broker

import (
	"context"
	"sync"

	"genpipeline/internal/domain"
	"genpipeline/internal/metrics"
)

// PubSub is implemented by Broker and RedisBroker.
type PubSub interface {
	Publish(ctx context.Context, ev domain.ProgressEvent)
	Subscribe(ctx context.Context, taskID string) (*Subscription, error)
}

// Broker is the in-process PubSub.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func New(buffer int) *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Publish delivers ev to every current subscriber of ev.TaskID. It never
// blocks on a slow subscriber.
func (b *Broker) Publish(ctx context.Context, ev domain.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[ev.TaskID] {
		if sub.offer(ev) {
			b.detachLocked(sub)
		}
	}
}

// Subscribe registers a subscriber for taskID. The subscription is closed
// when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	sub := newSubscription(taskID, b.buffer)
	sub.onClose = func() {
		b.mu.Lock()
		b.detachLocked(sub)
		b.mu.Unlock()
	}

	b.mu.Lock()
	set, ok := b.subs[taskID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[taskID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	metrics.BrokerSubscribers.Inc()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

// Subscribers returns the number of live subscriptions for taskID.
func (b *Broker) Subscribers(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[taskID])
}

func (b *Broker) detachLocked(sub *Subscription) {
	set, ok := b.subs[sub.TaskID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	metrics.BrokerSubscribers.Dec()
	if len(set) == 0 {
		delete(b.subs, sub.TaskID)
	}
}

var _ PubSub = (*Broker)(nil)
