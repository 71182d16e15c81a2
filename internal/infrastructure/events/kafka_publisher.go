package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ignatzorin/reward-ledger/internal/logger"
)

// KafkaPublisher публикует события леджера в топик Kafka.
// Ключ сообщения это id пользователя, так события одного пользователя попадают в одну партицию.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher создаёт синхронного продюсера.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	log := logger.Component("kafka")
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
			BatchTimeout: 10 * time.Millisecond,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Logger:       kafka.LoggerFunc(log.Debugf),
			ErrorLogger:  kafka.LoggerFunc(log.Errorf),
		},
	}
}

// Publish записывает одно сообщение и ждёт подтверждения лидера.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publisher: %w", err)
	}
	return nil
}

// Close сбрасывает буферы и закрывает соединения.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
