package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hilthontt/codesync/internal/infrastructure/contracts"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	RoomsExchange      = "codesync.rooms"
	DeadLetterExchange = "dlx"

	maxDialAttempts = 5
)

type RabbitMQ struct {
	conn     *amqp.Connection
	Channel  *amqp.Channel
	exchange string
	queue    string
	logger   logging.Logger

	// amqp channels are not safe for concurrent publishing.
	publishMu sync.Mutex
}

func NewRabbitMQ(ctx context.Context, uri, exchange, queue string, logger logging.Logger) (*RabbitMQ, error) {
	if exchange == "" {
		exchange = RoomsExchange
	}
	if queue == "" {
		queue = RoomEventsQueue
	}

	dial := func() (*amqp.Connection, error) {
		return amqp.Dial(uri)
	}

	conn, err := backoff.Retry(ctx, dial,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxDialAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn(logging.RabbitMQ, logging.Startup, "rabbitmq not ready, retrying", map[logging.ExtraKey]any{
				logging.ErrorMessage: err.Error(),
				"retry_in":           next.String(),
			})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	rmq := &RabbitMQ{
		conn:     conn,
		Channel:  ch,
		exchange: exchange,
		queue:    queue,
		logger:   logger,
	}

	if err := rmq.setupExchangesAndQueues(); err != nil {
		rmq.Close()
		return nil, err
	}

	return rmq, nil
}

func (r *RabbitMQ) Close() {
	if r.Channel != nil {
		r.Channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

func (r *RabbitMQ) setupExchangesAndQueues() error {
	if err := r.Channel.ExchangeDeclare(
		DeadLetterExchange, // name
		"fanout",           // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", DeadLetterExchange, err)
	}

	dlq, err := r.Channel.QueueDeclare(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", DeadLetterQueue, err)
	}
	if err := r.Channel.QueueBind(dlq.Name, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", DeadLetterQueue, err)
	}

	if err := r.Channel.ExchangeDeclare(r.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", r.exchange, err)
	}

	return r.declareAndBindQueue(r.queue, contracts.RoutingKeys(), r.exchange)
}

// Queue is the room events queue this connection declared.
func (r *RabbitMQ) Queue() string {
	return r.queue
}

func (r *RabbitMQ) declareAndBindQueue(queueName string, messageTypes []string, exchange string) error {
	// Add dead letter configuration
	args := amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
	}

	q, err := r.Channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		args,      // arguments with DLX config
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	for _, msg := range messageTypes {
		if err := r.Channel.QueueBind(
			q.Name,   // queue name
			msg,      // routing key
			exchange, // exchange
			false,
			nil,
		); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", queueName, err)
		}
	}

	return nil
}

func (r *RabbitMQ) PublishMessage(ctx context.Context, routingKey string, message contracts.AmqpMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	return r.Channel.PublishWithContext(ctx,
		r.exchange, // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

type MessageHandler func(ctx context.Context, msg amqp.Delivery) error

// ConsumeMessages delivers queueName to handler on its own goroutine until the
// channel closes. Failed messages are rejected to the dead letter exchange.
func (r *RabbitMQ) ConsumeMessages(queueName string, handler MessageHandler) error {
	if err := r.Channel.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := r.Channel.Consume(
		queueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queueName, err)
	}

	go func() {
		for msg := range msgs {
			if err := handler(context.Background(), msg); err != nil {
				r.logger.Error(logging.RabbitMQ, logging.Consume, "failed to handle message", map[logging.ExtraKey]any{
					logging.EventType:    msg.RoutingKey,
					logging.ErrorMessage: err.Error(),
				})
				_ = msg.Nack(false, false)
				continue
			}
			_ = msg.Ack(false)
		}
	}()

	return nil
}
