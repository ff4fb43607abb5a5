package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// WebhookEvent is an internal envelope for provider delivery callbacks.
// Keep it small; SQS has a 256KB message size limit.
type WebhookEvent struct {
	Provider      string              `json:"provider"`
	ProviderMsgID string              `json:"providerMsgId"`
	Status        string              `json:"status"`
	ErrorCode     string              `json:"errorCode,omitempty"`
	Payload       map[string][]string `json:"payload,omitempty"`
	ReceivedAt    time.Time           `json:"receivedAt"`
}

type WebhookProducer struct {
	SQS      API
	QueueURL string
}

func (p *WebhookProducer) Enqueue(ctx context.Context, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	})
	return err
}

type WebhookHandler func(ctx context.Context, ev WebhookEvent) error

// WebhookConsumer decodes WebhookEvents off the queue.
type WebhookConsumer struct {
	Consumer
}

func (c *WebhookConsumer) PollConcurrent(ctx context.Context, workers int, handler WebhookHandler) error {
	return c.Consumer.PollConcurrent(ctx, workers, func(ctx context.Context, body []byte) error {
		var ev WebhookEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			// bad payload => delete to avoid endless redrive
			slog.Warn("sqs webhook payload undecodable", "err", err)
			return fmt.Errorf("%w: %v", ErrDrop, err)
		}
		if err := handler(ctx, ev); err != nil {
			return fmt.Errorf("webhook %s/%s: %w", ev.Provider, ev.ProviderMsgID, err)
		}
		return nil
	})
}
