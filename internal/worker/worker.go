package worker

import (
	"context"
	"errors"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventHandler applies one signed gateway delivery
type EventHandler interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (service.WebhookResult, error)
}

// WebhookWorker ingests gateway webhooks relayed through Kafka
type WebhookWorker struct {
	consumer    *broker.Consumer
	handler     EventHandler
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

// NewWebhookWorker creates a new webhook worker
func NewWebhookWorker(consumer *broker.Consumer, handler EventHandler) *WebhookWorker {
	return &WebhookWorker{
		consumer:    consumer,
		handler:     handler,
		maxAttempts: 5,
		backoff:     200 * time.Millisecond,
		logger:      util.GetLogger(),
	}
}

// Start consumes until ctx is done
func (w *WebhookWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting webhook worker")
	err := w.consumer.StartConsuming(ctx, w.handleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop stops the worker
func (w *WebhookWorker) Stop() error {
	w.logger.Info("Stopping webhook worker")
	return w.consumer.Close()
}

// handleMessage retries transient failures with backoff. Authentication
// failures are final and the message is dropped.
func (w *WebhookWorker) handleMessage(ctx context.Context, msg kafka.Message) error {
	signature := broker.Header(msg, service.SignatureHeader)

	delay := w.backoff
	var err error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		var result service.WebhookResult
		result, err = w.handler.HandleEvent(ctx, msg.Value, signature)
		if err == nil {
			w.logger.Debug("Webhook delivery acknowledged",
				zap.String("event_id", result.EventID),
				zap.String("status", string(result.Status)))
			return nil
		}
		if errors.Is(err, models.ErrAuthentication) {
			w.logger.Warn("Dropping unauthenticated webhook delivery",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return nil
		}

		w.logger.Warn("Webhook delivery failed",
			zap.Int("attempt", attempt),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// IdempotencySweeper deletes processed-event markers older than the retention window
type IdempotencySweeper struct {
	events    store.ProcessedEventStore
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewIdempotencySweeper creates a sweeper
func NewIdempotencySweeper(events store.ProcessedEventStore, retention, interval time.Duration) *IdempotencySweeper {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &IdempotencySweeper{
		events:    events,
		retention: retention,
		interval:  interval,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// Start sweeps once, then every interval until ctx is done
func (s *IdempotencySweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting idempotency sweeper",
		zap.Duration("retention", s.retention),
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Idempotency sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep removes expired markers and returns how many were deleted
func (s *IdempotencySweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.events.PurgeProcessedEvents(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		util.ProcessedEventsPurgedTotal.Add(float64(n))
		s.logger.Info("Purged processed events", zap.Int64("count", n))
	}
	return n, nil
}
