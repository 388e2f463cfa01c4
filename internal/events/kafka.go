// Package events carries redirect clicks over Kafka so analytics can ingest
// them independently of where the redirector runs.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/splax/morphlink/internal/domain"
)

// Publisher writes clicks to a topic keyed by short code.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher constructs a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

// RecordClick publishes the click.
func (p *Publisher) RecordClick(ctx context.Context, click domain.Click) error {
	value, err := json.Marshal(click)
	if err != nil {
		return fmt.Errorf("marshal click: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(click.ShortCode), Value: value}); err != nil {
		return fmt.Errorf("publish click: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// ClickRecorder stores a consumed click.
type ClickRecorder interface {
	RecordClick(ctx context.Context, click domain.Click) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds clicks from the topic into a recorder.
type Consumer struct {
	reader    messageReader
	recorder  ClickRecorder
	permanent func(error) bool
	logger    *slog.Logger
}

// NewConsumer constructs a consumer group member. permanent reports recorder
// errors that retrying cannot fix; such messages are committed and dropped.
func NewConsumer(brokers []string, topic, groupID string, recorder ClickRecorder, permanent func(error) bool, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MaxBytes:    10 * 1024 * 1024,
		StartOffset: kafka.LastOffset,
	})
	return newConsumer(reader, recorder, permanent, logger)
}

func newConsumer(reader messageReader, recorder ClickRecorder, permanent func(error) bool, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if permanent == nil {
		permanent = func(error) bool { return false }
	}
	return &Consumer{reader: reader, recorder: recorder, permanent: permanent, logger: logger.With("component", "click_consumer")}
}

// Run consumes until ctx is cancelled. A message whose click could not be
// stored for a transient reason stays uncommitted and is redelivered after
// a rebalance or restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("click consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("click consumer stopped")
				return nil
			}
			c.logger.Error("failed to fetch click message", "error", err)
			continue
		}

		var click domain.Click
		if err := json.Unmarshal(msg.Value, &click); err != nil {
			c.logger.Error("failed to decode click message", "offset", msg.Offset, "error", err)
			c.commit(ctx, msg)
			continue
		}
		if err := c.recorder.RecordClick(ctx, click); err != nil {
			if c.permanent(err) {
				c.logger.Warn("dropping click", "short_code", click.ShortCode, "error", err)
				c.commit(ctx, msg)
				continue
			}
			c.logger.Error("failed to record click", "short_code", click.ShortCode, "error", err)
			continue
		}
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error("failed to commit click message, it may be delivered again", "offset", msg.Offset, "error", err)
	}
}

// Close releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
