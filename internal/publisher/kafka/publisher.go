// Package kafka implements a Kafka result publisher using franz-go.
package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Config selects the brokers and the default topic.
type Config struct {
	Brokers []string
	// Topic is used when a job does not name an output destination.
	Topic string
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher produces results as Kafka records keyed by job ID.
type Publisher struct {
	client producer
	topic  string
}

// New connects a franz-go client to the configured brokers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka.brokers is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Publisher{client: client, topic: cfg.Topic}, nil
}

// Publish produces body to destination (or the default topic) and returns partition/offset.
func (p *Publisher) Publish(ctx context.Context, destination string, body []byte, attrs map[string]string) (string, error) {
	topic := destination
	if topic == "" {
		topic = p.topic
	}
	if topic == "" {
		return "", fmt.Errorf("destination topic is required")
	}
	record := &kgo.Record{Topic: topic, Value: body}
	if jobID, ok := attrs["jobId"]; ok {
		record.Key = []byte(jobID)
	}
	for k, v := range attrs {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	produced, err := p.client.ProduceSync(ctx, record).First()
	if err != nil {
		return "", fmt.Errorf("produce to %s: %w", topic, err)
	}
	return strconv.Itoa(int(produced.Partition)) + "@" + strconv.FormatInt(produced.Offset, 10), nil
}

// Close flushes and closes the client.
func (p *Publisher) Close() {
	p.client.Close()
}
