package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/regional-access/internal/analyst"
)

// PublishingEnqueuer sends work items to a remote job topic instead of an in-process queue.
type PublishingEnqueuer struct {
	publisher analyst.Publisher
	topic     string
}

// NewPublishingEnqueuer builds an enqueuer that publishes JSON work items to topic.
func NewPublishingEnqueuer(publisher analyst.Publisher, topic string) (*PublishingEnqueuer, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("job topic is required")
	}
	return &PublishingEnqueuer{publisher: publisher, topic: topic}, nil
}

// Enqueue validates, encodes and publishes a work item.
func (p *PublishingEnqueuer) Enqueue(ctx context.Context, req analyst.GridRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid work item: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	if _, err := p.publisher.Publish(ctx, p.topic, body, map[string]string{"jobId": req.JobID}); err != nil {
		return fmt.Errorf("publish work item: %w", err)
	}
	return nil
}
