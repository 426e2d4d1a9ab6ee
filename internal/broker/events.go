package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"payment-reconciler/internal/models"
	"payment-reconciler/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventWriter writes one keyed event
type EventWriter interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events, keyed by order id so all
// events of one order land on the same partition
type EventPublisher struct {
	producer EventWriter
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer EventWriter) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// PublishPaymentCaptured publishes PaymentCaptured event
func (ep *EventPublisher) PublishPaymentCaptured(ctx context.Context, event *models.PaymentCapturedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentAwaitingConfirmation publishes PaymentAwaitingConfirmation event
func (ep *EventPublisher) PublishPaymentAwaitingConfirmation(ctx context.Context, event *models.PaymentAwaitingConfirmationEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishRefundCompleted publishes RefundCompleted event
func (ep *EventPublisher) PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishManualReviewRequired publishes ManualReviewRequired event
func (ep *EventPublisher) PublishManualReviewRequired(ctx context.Context, event *models.ManualReviewRequiredEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishReconcileRequested publishes ReconcileRequested event
func (ep *EventPublisher) PublishReconcileRequested(ctx context.Context, event *models.ReconcileRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onReconcileRequested func(context.Context, *models.ReconcileRequestedEvent) error
	logger               *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnReconcileRequested registers a handler for ReconcileRequested events
func (eh *EventHandler) OnReconcileRequested(handler func(context.Context, *models.ReconcileRequestedEvent) error) {
	eh.onReconcileRequested = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeReconcileRequested:
		if eh.onReconcileRequested != nil {
			var event models.ReconcileRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal ReconcileRequested event: %w", err)
			}
			return eh.onReconcileRequested(ctx, &event)
		}

	default:
		// Other domain events are for downstream consumers.
	}

	return nil
}
