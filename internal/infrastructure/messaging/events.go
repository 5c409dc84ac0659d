package messaging

import (
	"time"

	"github.com/hilthontt/codesync/internal/domain"
)

const (
	RoomEventsQueue = "room_events"
	DeadLetterQueue = "dead_letter_queue"
)

type RoomEventData struct {
	RoomKey    string               `json:"roomKey"`
	EventType  domain.RoomEventType `json:"eventType"`
	OccurredAt time.Time            `json:"occurredAt"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
}
