package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hilthontt/codesync/internal/domain"
	"github.com/hilthontt/codesync/internal/infrastructure/contracts"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"github.com/hilthontt/codesync/internal/infrastructure/messaging"
	"github.com/rabbitmq/amqp091-go"
)

// RoomConsumer writes every published room event into the audit log.
type RoomConsumer struct {
	rabbitmq *messaging.RabbitMQ
	audit    domain.RoomAuditRepository
	logger   logging.Logger
}

func NewRoomConsumer(rabbitmq *messaging.RabbitMQ, audit domain.RoomAuditRepository, logger logging.Logger) *RoomConsumer {
	return &RoomConsumer{
		rabbitmq: rabbitmq,
		audit:    audit,
		logger:   logger,
	}
}

func (c *RoomConsumer) Listen() error {
	return c.rabbitmq.ConsumeMessages(c.rabbitmq.Queue(), func(ctx context.Context, msg amqp091.Delivery) error {
		return c.handle(ctx, msg.RoutingKey, msg.Body)
	})
}

func (c *RoomConsumer) handle(ctx context.Context, routingKey string, body []byte) error {
	var message contracts.AmqpMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	var payload messaging.RoomEventData
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal room event: %w", err)
	}

	eventType, ok := contracts.EventTypeFor(routingKey)
	if !ok {
		return fmt.Errorf("unknown routing key %q", routingKey)
	}

	entry := domain.FromEvent(payload.RoomKey, eventType, payload.OccurredAt, payload.Metadata)
	if err := c.audit.Log(ctx, entry); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}

	c.logger.Debug(logging.RabbitMQ, logging.Consume, "room event recorded", map[logging.ExtraKey]any{
		logging.RoomKey:   payload.RoomKey,
		logging.EventType: routingKey,
	})

	return nil
}
