// Package messaging consumes inbound message events from Redis Streams.
package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pipeline_server/core/domain"
)

// EventStream is the stream new-message events arrive on.
const EventStream = "mail:events"

// EventHandler processes one decoded message event.
type EventHandler interface {
	HandleEvent(ctx context.Context, event domain.MessageEvent) error
}

// EventConsumer reads message events from a Redis Stream consumer group and
// feeds them to the ingest pipeline. Delivery is at-least-once; the pipeline
// dedups downstream.
type EventConsumer struct {
	client   *redis.Client
	group    string
	consumer string
	handler  EventHandler
	log      zerolog.Logger

	pendingCheckInterval time.Duration
	pendingIdleTime      time.Duration
	maxRetries           int
}

// EventConsumerConfig holds consumer configuration.
type EventConsumerConfig struct {
	Group    string
	Consumer string
	Handler  EventHandler
	Logger   zerolog.Logger

	PendingCheckInterval time.Duration
	PendingIdleTime      time.Duration
	MaxRetries           int
}

// NewEventConsumer creates an event consumer.
func NewEventConsumer(client *redis.Client, cfg *EventConsumerConfig) *EventConsumer {
	pendingCheckInterval := cfg.PendingCheckInterval
	if pendingCheckInterval == 0 {
		pendingCheckInterval = 30 * time.Second
	}
	pendingIdleTime := cfg.PendingIdleTime
	if pendingIdleTime == 0 {
		pendingIdleTime = 2 * time.Minute
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	return &EventConsumer{
		client:               client,
		group:                cfg.Group,
		consumer:             cfg.Consumer,
		handler:              cfg.Handler,
		log:                  cfg.Logger,
		pendingCheckInterval: pendingCheckInterval,
		pendingIdleTime:      pendingIdleTime,
		maxRetries:           maxRetries,
	}
}

// Run consumes until ctx is cancelled.
func (c *EventConsumer) Run(ctx context.Context) error {
	c.log.Info().
		Str("group", c.group).
		Str("consumer", c.consumer).
		Str("stream", EventStream).
		Msg("starting event consumer")

	c.createConsumerGroup(ctx)

	go c.reclaimStuckEvents(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{EventStream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from stream")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range result {
			for _, msg := range stream.Messages {
				if err := c.processMessage(ctx, msg); err != nil {
					c.log.Error().
						Err(err).
						Str("id", msg.ID).
						Msg("error processing event")
					continue
				}

				if err := c.client.XAck(ctx, EventStream, c.group, msg.ID).Err(); err != nil {
					c.log.Error().Err(err).Str("id", msg.ID).Msg("error acknowledging event")
				}
			}
		}
	}
}

// reclaimStuckEvents periodically claims events another consumer left
// pending, retrying them up to maxRetries before parking them in the DLQ.
func (c *EventConsumer) reclaimStuckEvents(ctx context.Context) {
	ticker := time.NewTicker(c.pendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimPending(ctx)
		}
	}
}

func (c *EventConsumer) claimPending(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: EventStream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Error().Err(err).Msg("error listing pending events")
		}
		return
	}

	for _, p := range pending {
		if p.Idle < c.pendingIdleTime {
			continue
		}

		if int(p.RetryCount) >= c.maxRetries {
			c.log.Warn().
				Str("id", p.ID).
				Int64("retries", p.RetryCount).
				Msg("event exceeded max retries, moving to DLQ")
			if err := c.moveToDeadLetterQueue(ctx, p.ID); err != nil {
				c.log.Error().Err(err).Str("id", p.ID).Msg("error moving event to DLQ")
			}
			c.client.XAck(ctx, EventStream, c.group, p.ID)
			continue
		}

		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   EventStream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.pendingIdleTime,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.log.Error().Err(err).Str("id", p.ID).Msg("error claiming event")
			continue
		}

		for _, msg := range claimed {
			if err := c.processMessage(ctx, msg); err != nil {
				c.log.Error().Err(err).Str("id", msg.ID).Msg("error reprocessing event")
				continue
			}
			c.client.XAck(ctx, EventStream, c.group, msg.ID)
		}
	}
}

func (c *EventConsumer) createConsumerGroup(ctx context.Context) {
	err := c.client.XGroupCreateMkStream(ctx, EventStream, c.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		c.log.Warn().Err(err).Msg("error creating consumer group")
	}
}

func (c *EventConsumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	data, ok := msg.Values["data"]
	if !ok {
		return fmt.Errorf("invalid event format: missing data field")
	}
	dataStr, ok := data.(string)
	if !ok {
		return fmt.Errorf("invalid event format: data is not a string")
	}

	var event domain.MessageEvent
	if err := json.Unmarshal([]byte(dataStr), &event); err != nil {
		return fmt.Errorf("invalid event payload: %w", err)
	}
	if event.MailboxID == "" || event.MessageID == "" {
		return fmt.Errorf("invalid event: mailbox_id and message_id are required")
	}

	return c.handler.HandleEvent(ctx, event)
}

// moveToDeadLetterQueue copies a poisoned event to dlq:mail:events with
// failure metadata before it is acknowledged away.
func (c *EventConsumer) moveToDeadLetterQueue(ctx context.Context, msgID string) error {
	messages, err := c.client.XRange(ctx, EventStream, msgID, msgID).Result()
	if err != nil {
		return fmt.Errorf("failed to read event for DLQ: %w", err)
	}
	if len(messages) == 0 {
		return fmt.Errorf("event %s not found in stream", msgID)
	}

	dlqData := map[string]interface{}{
		"original_id": msgID,
		"failed_at":   time.Now().UTC().Format(time.RFC3339),
		"consumer":    c.consumer,
		"group":       c.group,
	}
	for k, v := range messages[0].Values {
		dlqData["original_"+k] = v
	}

	_, err = c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "dlq:" + EventStream,
		Values: dlqData,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add event to DLQ: %w", err)
	}

	return nil
}

// =============================================================================
// Producer
// =============================================================================

// EventProducer publishes message events, used by the webhook edge and tests.
type EventProducer struct {
	client *redis.Client
}

// NewEventProducer creates an event producer.
func NewEventProducer(client *redis.Client) *EventProducer {
	return &EventProducer{client: client}
}

// Publish appends one event to the stream.
func (p *EventProducer) Publish(ctx context.Context, event *domain.MessageEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStream,
		Values: map[string]interface{}{"data": string(data)},
		MaxLen: 100000,
		Approx: true,
	}).Err()
}
