// Package ingest moves detector output from Kafka into the event store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/user/classwatch/internal/retry"
	"github.com/user/classwatch/internal/types"
)

// Config groups the Kafka settings for the detector topic.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return fmt.Errorf("kafka topic must not be empty")
	}
	return nil
}

// messageReader mirrors the subset of kafka.Reader used by the consumer.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads detector events and inserts them into the sink.
type Consumer struct {
	reader messageReader
	sink   types.EventSink
	retry  *retry.Policy
	log    *slog.Logger

	// backoff is the first pause after a failed fetch or a failed message;
	// it doubles up to maxBackoff.
	backoff time.Duration
}

const (
	initialBackoff = time.Second
	maxBackoff     = 10 * time.Second
)

// NewConsumer builds a group consumer for cfg.Topic.
func NewConsumer(cfg Config, sink types.EventSink, policy *retry.Policy, log *slog.Logger) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: []string{cfg.Topic},
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newConsumer(reader, sink, policy, log.With("topic", cfg.Topic)), nil
}

func newConsumer(reader messageReader, sink types.EventSink, policy *retry.Policy, log *slog.Logger) *Consumer {
	if policy == nil {
		policy = retry.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{reader: reader, sink: sink, retry: policy, log: log, backoff: initialBackoff}
}

// Run consumes until ctx is cancelled. Fetch errors back off and retry;
// they never end the loop. A message whose insert keeps failing is retried
// until it is stored; the next message is not fetched before it.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.log.Error("kafka reader close", "error", err)
		}
	}()
	c.log.Info("ingest consumer started")

	for {
		msg, err := c.fetch(ctx)
		if err != nil {
			c.log.Info("ingest consumer stopped")
			return nil
		}
		if err := c.handleUntilStored(ctx, msg); err != nil {
			c.log.Info("ingest consumer stopped", "pending_offset", msg.Offset)
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Error("kafka commit failed", "error", err)
		}
	}
}

// fetch returns the next message, backing off on broker errors. It only
// fails once ctx is done.
func (c *Consumer) fetch(ctx context.Context) (kafka.Message, error) {
	delay := c.backoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return kafka.Message{}, ctx.Err()
		}
		c.log.Error("kafka fetch failed", "error", err)
		if !sleep(ctx, &delay) {
			return kafka.Message{}, ctx.Err()
		}
	}
}

func (c *Consumer) handleUntilStored(ctx context.Context, msg kafka.Message) error {
	delay := c.backoff
	for {
		err := c.handleMessage(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("ingest failed, retrying", "error", err, "partition", msg.Partition, "offset", msg.Offset, "delay", delay)
		if !sleep(ctx, &delay) {
			return ctx.Err()
		}
	}
}

// sleep waits for *delay and doubles it up to maxBackoff. It reports false
// when ctx ends first.
func sleep(ctx context.Context, delay *time.Duration) bool {
	t := time.NewTimer(*delay)
	defer t.Stop()
	select {
	case <-t.C:
		*delay = min(*delay*2, maxBackoff)
		return true
	case <-ctx.Done():
		return false
	}
}

// handleMessage decodes one detector payload and inserts it. Undecodable or
// invalid payloads are logged and reported as handled so they get committed.
func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	var in types.NewEvent
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		c.log.Warn("dropping undecodable detector message", "error", err, "offset", msg.Offset)
		return nil
	}
	if err := in.Validate(); err != nil {
		c.log.Warn("dropping invalid detector message", "error", err, "offset", msg.Offset)
		return nil
	}

	var stored types.Event
	err := c.retry.Execute(ctx, func() error {
		var err error
		stored, err = c.sink.Insert(ctx, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert detector event: %w", err)
	}
	c.log.Debug("detector event stored", "id", stored.ID, "name", stored.SubjectName, "behavior", stored.Category)
	return nil
}
