package contracts

import "github.com/hilthontt/codesync/internal/domain"

// AmqpMessage is the message structure for AMQP.
type AmqpMessage struct {
	RoomKey string `json:"roomKey"`
	Data    []byte `json:"data"`
}

// Routing keys - using consistent event/command patterns
const (
	EventRoomCreated  = "room.created"
	EventRoomEvicted  = "room.evicted"
	EventMemberJoined = "member.joined"
	EventMemberLeft   = "member.left"
	EventCodeExecuted = "code.executed"
)

var routingKeys = map[domain.RoomEventType]string{
	domain.EventRoomCreated:  EventRoomCreated,
	domain.EventRoomEvicted:  EventRoomEvicted,
	domain.EventMemberJoined: EventMemberJoined,
	domain.EventMemberLeft:   EventMemberLeft,
	domain.EventCodeExecuted: EventCodeExecuted,
}

// RoutingKeys lists every routing key the room events queue is bound to.
func RoutingKeys() []string {
	return []string{
		EventRoomCreated,
		EventRoomEvicted,
		EventMemberJoined,
		EventMemberLeft,
		EventCodeExecuted,
	}
}

func RoutingKeyFor(t domain.RoomEventType) (string, bool) {
	key, ok := routingKeys[t]
	return key, ok
}

func EventTypeFor(routingKey string) (domain.RoomEventType, bool) {
	for t, key := range routingKeys {
		if key == routingKey {
			return t, true
		}
	}
	return "", false
}
