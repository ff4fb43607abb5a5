// Package worker applies provider delivery callbacks to collection activities.
package worker

import (
	"context"
	"time"

	"collections/internal/observability"
	sqsqueue "collections/internal/queue/sqs"
	"collections/internal/store"
)

type Store interface {
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
	UpdateActivityDeliveryStatus(ctx context.Context, in store.DeliveryStatusUpdate) (bool, error)
}

// DeliveryProcessor records every callback and moves the activity's delivery
// status forward for the statuses that matter.
type DeliveryProcessor struct {
	Store Store
	Now   func() time.Time
}

func (p *DeliveryProcessor) Process(ctx context.Context, ev sqsqueue.WebhookEvent) error {
	occurred := ev.ReceivedAt
	var occurredAt *time.Time
	if !occurred.IsZero() {
		occurredAt = &occurred
	}
	if err := p.Store.InsertDeliveryEvent(ctx, store.DeliveryEvent{
		Provider:      ev.Provider,
		ProviderMsgID: ev.ProviderMsgID,
		VendorStatus:  ev.Status,
		ErrorCode:     ev.ErrorCode,
		Payload:       ev.Payload,
		OccurredAt:    occurredAt,
	}); err != nil {
		return err
	}

	status := DeliveryStatus(ev.Status)
	if status == "" {
		observability.WebhookEvents.WithLabelValues("ignored").Inc()
		return nil
	}

	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now()
	}
	if _, err := p.Store.UpdateActivityDeliveryStatus(ctx, store.DeliveryStatusUpdate{
		Provider:      ev.Provider,
		ProviderMsgID: ev.ProviderMsgID,
		Status:        status,
		LastError:     ev.ErrorCode,
		Now:           now,
	}); err != nil {
		return err
	}
	observability.WebhookEvents.WithLabelValues(status).Inc()
	return nil
}

// DeliveryStatus maps a vendor status onto the activity's delivery status, or ""
// for intermediate statuses that are only logged.
func DeliveryStatus(vendor string) string {
	switch vendor {
	case "delivered":
		return "delivered"
	case "failed", "undelivered":
		return "failed"
	case "read":
		return "read"
	}
	return ""
}
