package sink

import (
	"context"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	appconfig "tickflow/config"
	"tickflow/internal/channel"
	"tickflow/logger"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one message per batch, keyed by feed topic.
type KafkaSink struct {
	writer messageWriter
	topic  string
	log    *logger.Log
}

func NewKafkaSink(cfg appconfig.KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	ks := newKafkaSink(&kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: cfg.BatchTimeout,
	}, cfg.Topic)
	ks.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka sink initialized")
	return ks, nil
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic, log: logger.GetLogger()}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Write(ctx context.Context, batch channel.TickBatch) error {
	data, err := encodeBatch(batch)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(batch.Topic),
		Value: data,
		Time:  batch.ReceivedAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	k.log.WithComponent("kafka_sink").WithFields(logger.Fields{
		"topic": batch.Topic,
		"ticks": len(batch.Ticks),
	}).Debug("batch written to kafka")
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
