package notifier

import (
	"context"

	"github.com/google/uuid"

	"feed-relay/internal/usecase/delivery"
)

// NoOpDeliverer accepts every message without sending it. It is used when
// delivery is disabled so the pipeline still advances cursors.
type NoOpDeliverer struct{}

// NewNoOpDeliverer creates a new NoOpDeliverer instance.
func NewNoOpDeliverer() *NoOpDeliverer {
	return &NoOpDeliverer{}
}

// Deliver returns a synthetic message id.
func (n *NoOpDeliverer) Deliver(ctx context.Context, destination, content string) (delivery.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return delivery.DeliveryResult{}, err
	}
	return delivery.DeliveryResult{MessageID: "noop-" + uuid.NewString()}, nil
}
