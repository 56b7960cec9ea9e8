package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cassiomorais/fabricshop/internal/provider"
	"github.com/redis/go-redis/v9"
)

const (
	WebhookActionStream = "payments:webhook-actions"
	DLQStream           = "payments:dlq"
)

// WebhookActionMessage is a translated webhook queued for the worker.
type WebhookActionMessage struct {
	ProviderID string                       `json:"provider_id"`
	Result     provider.WebhookActionResult `json:"result"`
	ReceivedAt time.Time                    `json:"received_at"`
}

type StreamProducer struct {
	client redis.Cmdable
	stream string
}

// NewStreamProducer publishes webhook actions to stream, or to
// WebhookActionStream when stream is empty.
func NewStreamProducer(client redis.Cmdable, stream string) *StreamProducer {
	if stream == "" {
		stream = WebhookActionStream
	}
	return &StreamProducer{client: client, stream: stream}
}

func (p *StreamProducer) PublishWebhookAction(ctx context.Context, providerID string, result provider.WebhookActionResult) (string, error) {
	payload, err := json.Marshal(WebhookActionMessage{
		ProviderID: providerID,
		Result:     result,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal webhook action: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"provider":       providerID,
			"correlation_id": result.Data.SessionID,
			"action":         string(result.Action),
			"payload":        string(payload),
			"timestamp":      time.Now().Unix(),
		},
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish webhook action: %w", err)
	}

	return id, nil
}

func (p *StreamProducer) PublishToDLQ(ctx context.Context, messageID string, reason string, values map[string]any) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ data: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: DLQStream,
		Values: map[string]any{
			"message_id": messageID,
			"stream":     p.stream,
			"reason":     reason,
			"payload":    string(payload),
			"timestamp":  time.Now().Unix(),
		},
	}

	_, err = p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	return nil
}

// DecodeWebhookAction parses a stream entry written by PublishWebhookAction.
func DecodeWebhookAction(msg redis.XMessage) (WebhookActionMessage, error) {
	var out WebhookActionMessage
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return out, fmt.Errorf("message %s has no payload", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, fmt.Errorf("message %s: decode payload: %w", msg.ID, err)
	}
	return out, nil
}

type StreamConsumer struct {
	client        redis.Cmdable
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client redis.Cmdable,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) Stream() string { return c.stream }

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	// Create stream if it doesn't exist
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (c *StreamConsumer) Read(ctx context.Context) ([]redis.XStream, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			// No new messages
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	return streams, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	err := c.client.XAck(ctx, c.stream, c.group, messageID).Err()
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// ClaimStale takes over messages another consumer read but never acked.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	return messages, nil
}

// DeliveryCount returns how many times messageID has been delivered to the
// group. Acked messages report zero.
func (c *StreamConsumer) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending entry: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return pending[0].RetryCount, nil
}
