package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"attendance-service/common/metrics"
	"attendance-service/internal/notification"

	"github.com/IBM/sarama"
)

const headerJobID = "job_id"

// Producer delivers guardian notifications to a single topic keyed by
// recipient, so each guardian's notifications stay ordered on one partition.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewProducer(brokers []string, topic string, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewConfig(timeout))
	if err != nil {
		return nil, err
	}

	logger.Info("kafka producer initialized", "brokers", brokers, "topic", topic)

	return NewProducerWithClient(producer, topic, logger, m), nil
}

func NewConfig(timeout time.Duration) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = "attendance-service"
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 0
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = false
	if timeout > 0 {
		config.Producer.Timeout = timeout
		config.Net.WriteTimeout = timeout
		config.Net.ReadTimeout = timeout
	}
	return config
}

func NewProducerWithClient(producer sarama.SyncProducer, topic string, logger *slog.Logger, m *metrics.Metrics) *Producer {
	return &Producer{
		producer: producer,
		topic:    topic,
		logger:   logger,
		metrics:  m,
	}
}

// Deliver sends one job. Retries are left to the dispatcher, so the client's
// own retry budget is zero.
func (p *Producer) Deliver(ctx context.Context, job notification.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	valueBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.Itoa(job.RecipientID)),
		Value: sarama.ByteEncoder(valueBytes),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerJobID), Value: []byte(job.ID.String())},
		},
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.Messaging.RecordPublish(ctx, "kafka", p.topic, time.Since(start), err)

	if err != nil {
		p.logger.ErrorContext(ctx, "failed to send notification to kafka",
			"topic", p.topic,
			"job_id", job.ID,
			"error", err,
		)
		return err
	}

	p.logger.DebugContext(ctx, "notification sent to kafka",
		"topic", p.topic,
		"partition", partition,
		"offset", offset,
		"job_id", job.ID,
	)
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
