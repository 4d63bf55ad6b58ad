package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"genpipeline/internal/domain"
	"genpipeline/internal/infra"
)

// RedisBroker shares progress events between processes over Redis Pub/Sub.
// Redis delivers messages of one channel in publish order, which keeps the
// per-task ordering of the in-process broker.
type RedisBroker struct {
	client *redis.Client
	buffer int
	logger infra.Logger
}

func NewRedisBroker(client *redis.Client, buffer int, logger infra.Logger) *RedisBroker {
	return &RedisBroker{client: client, buffer: buffer, logger: logger}
}

func progressChannel(taskID string) string {
	return "task:progress:" + taskID
}

func (b *RedisBroker) Publish(ctx context.Context, ev domain.ProgressEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error().Err(err).Str("task_id", ev.TaskID).Msg("broker: encode event")
		return
	}
	if err := b.client.Publish(ctx, progressChannel(ev.TaskID), payload).Err(); err != nil {
		b.logger.Warn().Err(err).Str("task_id", ev.TaskID).Msg("broker: publish failed")
	}
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published afterwards are not missed.
func (b *RedisBroker) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, progressChannel(taskID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe progress: %w", err)
	}

	sub := newSubscription(taskID, b.buffer)
	sub.onClose = func() { _ = ps.Close() }

	go func() {
		defer sub.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn().Err(err).Str("task_id", taskID).Msg("broker: decode event")
					continue
				}
				if sub.offer(ev) {
					return
				}
			}
		}
	}()
	return sub, nil
}

var _ PubSub = (*RedisBroker)(nil)
