// Package pubsub receives work items and results from Google Cloud Pub/Sub subscriptions.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/regional-access/internal/analyst"
)

// Handler processes one message. Returning an error whose cause is context cancellation or
// analyst.ErrRetry leaves the message for redelivery; any other error is logged and the
// message acknowledged.
type Handler func(ctx context.Context, data []byte, attrs map[string]string) error

// Subscriber wraps a Pub/Sub subscription.
type Subscriber struct {
	sub    *pubsub.Subscription
	logger *zap.Logger
}

// NewSubscriber constructs a Subscriber.
func NewSubscriber(sub *pubsub.Subscription, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{sub: sub, logger: logger}
}

// Receive blocks, dispatching messages to h until ctx ends.
func (s *Subscriber) Receive(ctx context.Context, h Handler) error {
	err := s.sub.Receive(ctx, func(msgCtx context.Context, m *pubsub.Message) {
		msgCtx = otel.GetTextMapPropagator().Extract(msgCtx, propagation.MapCarrier(m.Attributes))
		err := h(msgCtx, m.Data, m.Attributes)
		switch {
		case err == nil:
			m.Ack()
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			m.Nack()
		case errors.Is(err, analyst.ErrRetry):
			s.logger.Warn("message will be redelivered",
				zap.String("subscription", s.sub.ID()),
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
			m.Nack()
		default:
			s.logger.Error("message rejected",
				zap.String("subscription", s.sub.ID()),
				zap.String("message_id", m.ID),
				zap.Error(err),
			)
			m.Ack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive from %s: %w", s.sub.ID(), err)
	}
	return nil
}

// Pump decodes JSON work items from the subscription into q until ctx ends.
func Pump(ctx context.Context, s *Subscriber, q analyst.Queue) error {
	return s.Receive(ctx, func(ctx context.Context, data []byte, _ map[string]string) error {
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
