package queue

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// SaramaQueue is the Kafka-backed Queue adapter named in SPEC_FULL.md §4.7:
// the same Batch envelope as MemQueue, published to one topic and consumed
// by a consumer-group loop that hands each message to Handler.
type SaramaQueue struct {
	topic    string
	producer sarama.SyncProducer
	consumer sarama.ConsumerGroup
	logger   *zap.Logger

	cancel context.CancelFunc
}

// NewSaramaQueue dials brokers, opens a synchronous producer for Send, and
// starts a consumer-group loop under groupID calling handle for every
// delivered batch.
func NewSaramaQueue(brokers []string, topic, groupID string, handle Handler, logger *zap.Logger) (*SaramaQueue, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("fanout/queue: new sarama producer: %w", err)
	}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("fanout/queue: new sarama consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &SaramaQueue{topic: topic, producer: producer, consumer: group, logger: logger, cancel: cancel}

	go q.consumeLoop(ctx, handle)
	go q.logErrors(group)
	return q, nil
}

func (q *SaramaQueue) consumeLoop(ctx context.Context, handle Handler) {
	h := &consumerGroupHandler{handle: handle, logger: q.logger}
	for {
		if err := q.consumer.Consume(ctx, []string{q.topic}, h); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("fanout/queue: consume group error, retrying", zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (q *SaramaQueue) logErrors(group sarama.ConsumerGroup) {
	for err := range group.Errors() {
		q.logger.Warn("fanout/queue: consumer group reported error", zap.Error(err))
	}
}

func (q *SaramaQueue) Send(ctx context.Context, batch Batch) error {
	raw, err := marshal(batch)
	if err != nil {
		return fmt.Errorf("fanout/queue: marshal batch: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(batch.SourceStream),
		Value: sarama.ByteEncoder(raw),
	}
	_, _, err = q.producer.SendMessage(msg)
	return err
}

func (q *SaramaQueue) Close() error {
	q.cancel()
	cErr := q.consumer.Close()
	pErr := q.producer.Close()
	if cErr != nil {
		return cErr
	}
	return pErr
}

type consumerGroupHandler struct {
	handle Handler
	logger *zap.Logger
}

func (consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		batch, err := unmarshal(msg.Value)
		if err != nil {
			h.logger.Error("fanout/queue: undecodable batch, skipping", zap.Error(err))
			sess.MarkMessage(msg, "")
			continue
		}
		if err := h.handle(sess.Context(), batch); err != nil {
			h.logger.Warn("fanout/queue: batch handler failed, will retry on next poll", zap.Error(err))
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
