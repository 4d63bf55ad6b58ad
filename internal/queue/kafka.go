package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"genpipeline/internal/infra"
)

// TaskMessage is the Kafka payload for a queued task.
type TaskMessage struct {
	TaskID     string    `json:"task_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Kafka carries task ids over a topic. Messages are keyed by task id and
// consumed by a consumer group shared by every worker process.
type Kafka struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	topic    string
	q        *fifo
	logger   infra.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewKafka creates the producer and, when groupID is not empty, starts a
// consumer group feeding Dequeue.
func NewKafka(brokers []string, topic, groupID string, logger infra.Logger) (*Kafka, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	k := &Kafka{producer: producer, topic: topic, q: newFIFO(), logger: logger, done: make(chan struct{})}
	if groupID == "" {
		close(k.done)
		return k, nil
	}

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("kafka consumer group: %w", err)
	}
	k.group = group

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	go k.consume(ctx)
	return k, nil
}

func (k *Kafka) consume(ctx context.Context) {
	defer close(k.done)
	handler := &consumerHandler{q: k.q, logger: k.logger}
	for {
		if err := k.group.Consume(ctx, []string{k.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			k.logger.Error().Err(err).Msg("queue: kafka consume failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

type consumerHandler struct {
	q      *fifo
	logger infra.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		var tm TaskMessage
		if err := json.Unmarshal(msg.Value, &tm); err != nil || tm.TaskID == "" {
			h.logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("queue: skipping malformed kafka message")
			session.MarkMessage(msg, "")
			continue
		}
		h.q.push(tm.TaskID)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (k *Kafka) Enqueue(ctx context.Context, taskID string) error {
	data, err := json.Marshal(TaskMessage{TaskID: taskID, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(taskID),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka send: %w", err)
	}
	return nil
}

func (k *Kafka) Dequeue(ctx context.Context) (string, error) {
	return k.q.pop(ctx)
}

func (k *Kafka) Close() error {
	if k.cancel != nil {
		k.cancel()
	}
	var errs []error
	if k.group != nil {
		errs = append(errs, k.group.Close())
	}
	<-k.done
	k.q.close()
	errs = append(errs, k.producer.Close())
	return errors.Join(errs...)
}

var _ Queue = (*Kafka)(nil)
