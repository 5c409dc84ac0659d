package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hilthontt/codesync/internal/domain"
	"github.com/hilthontt/codesync/internal/infrastructure/contracts"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"github.com/hilthontt/codesync/internal/infrastructure/messaging"
)

const (
	defaultBuffer  = 256
	publishTimeout = 5 * time.Second
)

// Publisher announces room lifecycle events. Publishing never blocks the
// caller and never fails it.
type Publisher interface {
	Publish(ctx context.Context, event *domain.RoomAuditLog)
}

// Sender is the broker side of a RoomPublisher.
type Sender interface {
	PublishMessage(ctx context.Context, routingKey string, message contracts.AmqpMessage) error
}

type outgoing struct {
	routingKey string
	message    contracts.AmqpMessage
}

// RoomPublisher queues events and sends them from a single goroutine, so slow
// brokers never hold a room or lifecycle lock.
type RoomPublisher struct {
	rabbitmq Sender
	logger   logging.Logger

	mu     sync.Mutex
	closed bool
	queue  chan outgoing
	done   chan struct{}
}

func NewRoomPublisher(rabbitmq Sender, logger logging.Logger, buffer int) *RoomPublisher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	p := &RoomPublisher{
		rabbitmq: rabbitmq,
		logger:   logger,
		queue:    make(chan outgoing, buffer),
		done:     make(chan struct{}),
	}
	go p.run()

	return p
}

func encodeEvent(event *domain.RoomAuditLog) (outgoing, error) {
	routingKey, ok := contracts.RoutingKeyFor(event.EventType)
	if !ok {
		return outgoing{}, fmt.Errorf("unknown room event type %q", event.EventType)
	}

	payload := messaging.RoomEventData{
		RoomKey:    event.RoomKey,
		EventType:  event.EventType,
		OccurredAt: event.Timestamp,
		Metadata:   event.Metadata,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return outgoing{}, err
	}

	return outgoing{
		routingKey: routingKey,
		message: contracts.AmqpMessage{
			RoomKey: event.RoomKey,
			Data:    data,
		},
	}, nil
}

func (p *RoomPublisher) Publish(_ context.Context, event *domain.RoomAuditLog) {
	out, err := encodeEvent(event)
	if err != nil {
		p.logger.Error(logging.RabbitMQ, logging.Publish, "failed to encode room event", map[logging.ExtraKey]any{
			logging.RoomKey:      event.RoomKey,
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.queue <- out:
	default:
		p.logger.Warn(logging.RabbitMQ, logging.Publish, "event queue full, dropping room event", map[logging.ExtraKey]any{
			logging.RoomKey:   event.RoomKey,
			logging.EventType: out.routingKey,
		})
	}
}

func (p *RoomPublisher) run() {
	defer close(p.done)

	for out := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.rabbitmq.PublishMessage(ctx, out.routingKey, out.message)
		cancel()

		if err != nil {
			p.logger.Error(logging.RabbitMQ, logging.Publish, "failed to publish room event", map[logging.ExtraKey]any{
				logging.RoomKey:      out.message.RoomKey,
				logging.EventType:    out.routingKey,
				logging.ErrorMessage: err.Error(),
			})
		}
	}
}

// Close stops accepting events and waits until the queued ones are sent.
func (p *RoomPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
}

type nopPublisher struct{}

// NewNopPublisher is used when lifecycle events are disabled.
func NewNopPublisher() Publisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, *domain.RoomAuditLog) {}
