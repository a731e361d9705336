// Package kafka receives work items and results from Kafka topics using franz-go.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/JakeFAU/regional-access/internal/analyst"
)

// Handler processes one record. Errors wrapping analyst.ErrRetry are retried with backoff.
type Handler func(ctx context.Context, data []byte, attrs map[string]string) error

// Config selects the brokers, consumer group and topic.
type Config struct {
	Brokers []string
	Group   string
	Topic   string
	// MaxRetries bounds handler retries for retryable errors.
	MaxRetries uint64
}

type fetcher interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// Consumer reads records from one topic as part of a consumer group.
type Consumer struct {
	client     fetcher
	maxRetries uint64
	logger     *zap.Logger
}

// NewConsumer joins the consumer group. Offsets are committed after records are handled.
func NewConsumer(cfg Config, logger *zap.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.Group == "" {
		return nil, fmt.Errorf("kafka consumer needs brokers, group and topic")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return newConsumer(client, cfg.MaxRetries, logger), nil
}

func newConsumer(client fetcher, maxRetries uint64, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries == 0 {
		maxRetries = 5
	}
	return &Consumer{client: client, maxRetries: maxRetries, logger: logger}
}

// Receive blocks, dispatching records to h until ctx ends.
func (c *Consumer) Receive(ctx context.Context, h Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("kafka fetch failed",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})

		var handled []*kgo.Record
		for it := fetches.RecordIter(); !it.Done(); {
			rec := it.Next()
			if err := c.handle(ctx, h, rec); err != nil {
				if ctx.Err() != nil {
					c.commit(context.WithoutCancel(ctx), handled)
					return nil
				}
				c.logger.Error("record rejected",
					zap.String("topic", rec.Topic),
					zap.Int32("partition", rec.Partition),
					zap.Int64("offset", rec.Offset),
					zap.Error(err),
				)
			}
			handled = append(handled, rec)
		}
		c.commit(ctx, handled)
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, rec *kgo.Record) error {
	attrs := make(map[string]string, len(rec.Headers))
	for _, hdr := range rec.Headers {
		attrs[hdr.Key] = string(hdr.Value)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(func() error {
		err := h(ctx, rec.Value, attrs)
		if err != nil && !errors.Is(err, analyst.ErrRetry) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *Consumer) commit(ctx context.Context, records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	commitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.client.CommitRecords(commitCtx, records...); err != nil {
		c.logger.Error("kafka commit failed", zap.Int("records", len(records)), zap.Error(err))
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() {
	c.client.Close()
}

// Pump decodes JSON work items from the topic into q until ctx ends.
func Pump(ctx context.Context, c *Consumer, q analyst.Queue) error {
	return c.Receive(ctx, func(ctx context.Context, data []byte, _ map[string]string) error {
		var req analyst.GridRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("decode work item: %w", err)
		}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("invalid work item: %w", err)
		}
		return q.Enqueue(ctx, req)
	})
}
