package shared

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

// EventBus is the messaging surface modules publish and subscribe through.
// It satisfies watermill's Publisher and Subscriber so it can be wired
// straight into a message.Router.
type EventBus interface {
	message.Publisher
	message.Subscriber
	CreateStream(ctx context.Context, streamName string, subject string) error
}
