package messagebus

import (
	"context"

	"github.com/jordanhubbard/hubcore/pkg/messages"
)

// EventPublisher abstracts event publishing for testability.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *messages.EventMessage) error
}

// EventSubscriber abstracts event subscription for testability.
type EventSubscriber interface {
	SubscribeEvents(workspaceID string, handler func(*messages.EventMessage)) error
}

// NoopPublisher drops every event. It is used when the message bus is
// disabled.
type NoopPublisher struct{}

// PublishEvent implements EventPublisher.
func (NoopPublisher) PublishEvent(context.Context, *messages.EventMessage) error { return nil }

// Verify implementations at compile time.
var (
	_ EventPublisher  = (*NatsMessageBus)(nil)
	_ EventSubscriber = (*NatsMessageBus)(nil)
	_ EventPublisher  = NoopPublisher{}
)
