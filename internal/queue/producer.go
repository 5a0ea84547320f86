package queue

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
)

type Producer interface {
	SendFileMessage(ctx context.Context, msg *FileMessage) error
	SendBatchMessage(ctx context.Context, msg *BatchMessage) error
	Close() error
}

type producer struct {
	producer sarama.SyncProducer
}

func NewProducer(brokers []string) (Producer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &producer{producer: p}, nil
}

func (p *producer) SendFileMessage(_ context.Context, msg *FileMessage) error {
	return p.send(TopicFiles, msg.UploadID, msg)
}

func (p *producer) SendBatchMessage(_ context.Context, msg *BatchMessage) error {
	return p.send(TopicBatches, msg.UploadID, msg)
}

// Keying by upload id keeps one upload's messages on one partition, which
// bounds how far a cancellation marker can lag behind queued batches.
func (p *producer) send(topic, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

func (p *producer) Close() error {
	return p.producer.Close()
}
