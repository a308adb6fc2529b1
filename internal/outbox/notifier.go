package outbox

import (
	"context"
	"time"

	"github.com/mbd888/rideshare/internal/notify"
)

// Notifier is a notify.Sink that queues notifications instead of delivering
// them inline. Register DeliverNotifications as the TopicNotification handler
// to hand them to the real sinks.
type Notifier struct {
	Queue *Queue
}

func (n Notifier) Notify(ctx context.Context, msg notify.Notification) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return n.Queue.Publish(ctx, TopicNotification, msg.UserID, msg)
}

// DeliverNotifications returns a handler that forwards queued notifications to sink.
func DeliverNotifications(sink notify.Sink) HandlerFunc {
	return func(ctx context.Context, e *Event) error {
		var msg notify.Notification
		if err := e.Decode(&msg); err != nil {
			return err
		}
		return sink.Notify(ctx, msg)
	}
}

var _ notify.Sink = Notifier{}
