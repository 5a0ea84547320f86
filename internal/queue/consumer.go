package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

type FileHandler func(ctx context.Context, msg *FileMessage) error

type BatchHandler func(ctx context.Context, msg *BatchMessage) error

type Consumer struct {
	consumer sarama.ConsumerGroup
	logger   *zap.Logger
}

func NewConsumer(brokers []string, groupID string, logger *zap.Logger) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	c, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{consumer: c, logger: logger}, nil
}

type consumerHandler struct {
	ctx     context.Context
	files   FileHandler
	batches BatchHandler
	logger  *zap.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim acks a message only after its handler succeeded. Malformed
// payloads are dropped; a handler failure ends the claim with the offset
// uncommitted, so the message is redelivered instead of lost.
func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		switch msg.Topic {
		case TopicFiles:
			var fileMsg FileMessage
			if err := json.Unmarshal(msg.Value, &fileMsg); err != nil {
				h.logger.Warn("dropping malformed file message", zap.Error(err))
				session.MarkMessage(msg, "")
				continue
			}
			if err := h.files(h.ctx, &fileMsg); err != nil {
				h.logger.Error("file message handler failed",
					zap.String("upload_id", fileMsg.UploadID),
					zap.Error(err),
				)
				return err
			}
		case TopicBatches:
			var batchMsg BatchMessage
			if err := json.Unmarshal(msg.Value, &batchMsg); err != nil {
				h.logger.Warn("dropping malformed batch message", zap.Error(err))
				session.MarkMessage(msg, "")
				continue
			}
			if err := h.batches(h.ctx, &batchMsg); err != nil {
				h.logger.Error("batch message handler failed",
					zap.String("upload_id", batchMsg.UploadID),
					zap.Int("batch_index", batchMsg.BatchIndex),
					zap.Error(err),
				)
				return err
			}
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// Consume blocks, reading both topics until the context is cancelled. A
// failed session (handler error, rebalance, broker hiccup) is rejoined after
// a short pause; uncommitted offsets are redelivered on rejoin.
func (c *Consumer) Consume(ctx context.Context, files FileHandler, batches BatchHandler) error {
	h := &consumerHandler{ctx: ctx, files: files, batches: batches, logger: c.logger}
	for {
		if err := c.consumer.Consume(ctx, []string{TopicFiles, TopicBatches}, h); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("consumer session ended, rejoining", zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}
