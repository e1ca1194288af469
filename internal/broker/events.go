package broker

import (
	"context"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const notifyTimeout = 5 * time.Second

// Notifier publishes user notifications. Failures are logged and dropped.
type Notifier struct {
	producer *Producer
	logger   *zap.Logger
}

var _ service.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier writing to producer's topic
func NewNotifier(producer *Producer) *Notifier {
	return &Notifier{producer: producer, logger: util.GetLogger()}
}

// Notify publishes a Notification keyed by user, so one user's messages stay ordered
func (n *Notifier) Notify(ctx context.Context, userID int64, kind string, payload map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	event := models.Notification{
		EventID:   uuid.NewString(),
		Kind:      kind,
		UserID:    userID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := n.producer.PublishEvent(ctx, fmt.Sprintf("user-%d", userID), event); err != nil {
		util.NotificationsTotal.WithLabelValues(kind, "error").Inc()
		n.logger.Error("Failed to publish notification",
			zap.Int64("user_id", userID),
			zap.String("kind", kind),
			zap.Error(err))
		return
	}
	util.NotificationsTotal.WithLabelValues(kind, "ok").Inc()
}

// WebhookPublisher writes signed gateway events to the webhook ingest topic.
// The signature travels in a message header, as it would in an HTTP delivery.
type WebhookPublisher struct {
	producer *Producer
}

// NewWebhookPublisher creates a webhook publisher
func NewWebhookPublisher(producer *Producer) *WebhookPublisher {
	return &WebhookPublisher{producer: producer}
}

// PublishWebhook publishes one signed delivery
func (p *WebhookPublisher) PublishWebhook(ctx context.Context, key string, payload []byte, signature string) error {
	return p.producer.Publish(ctx, key, payload, kafka.Header{Key: service.SignatureHeader, Value: []byte(signature)})
}
