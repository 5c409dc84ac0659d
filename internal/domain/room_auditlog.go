package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type RoomEventType string

const (
	EventRoomCreated  RoomEventType = "room_created"
	EventRoomEvicted  RoomEventType = "room_evicted"
	EventMemberJoined RoomEventType = "member_joined"
	EventMemberLeft   RoomEventType = "member_left"
	EventCodeExecuted RoomEventType = "code_executed"
)

type RoomAuditLog struct {
	ID        string         `bson:"_id" json:"id"`
	RoomKey   string         `bson:"room_key" json:"roomKey"`
	EventType RoomEventType  `bson:"event_type" json:"eventType"`
	Timestamp time.Time      `bson:"timestamp" json:"timestamp"`
	Metadata  map[string]any `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

type RoomAuditRepository interface {
	Log(ctx context.Context, log *RoomAuditLog) error
	GetByRoomKey(ctx context.Context, roomKey string, limit int) ([]RoomAuditLog, error)
	EnsureIndexes(ctx context.Context) error
}

func newAuditLog(roomKey string, eventType RoomEventType, at time.Time, metadata map[string]any) *RoomAuditLog {
	if at.IsZero() {
		at = time.Now()
	}
	if metadata == nil {
		metadata = map[string]any{}
	}

	return &RoomAuditLog{
		ID:        uuid.NewString(),
		RoomKey:   roomKey,
		EventType: eventType,
		Timestamp: at,
		Metadata:  metadata,
	}
}

func NewRoomCreatedLog(roomKey string, fileCount int) *RoomAuditLog {
	return newAuditLog(roomKey, EventRoomCreated, time.Now(), map[string]any{
		"file_count": fileCount,
	})
}

func NewRoomEvictedLog(roomKey string, idleFor time.Duration) *RoomAuditLog {
	return newAuditLog(roomKey, EventRoomEvicted, time.Now(), map[string]any{
		"idle_seconds": idleFor.Seconds(),
	})
}

func NewMemberJoinedLog(roomKey string, memberCount int) *RoomAuditLog {
	return newAuditLog(roomKey, EventMemberJoined, time.Now(), map[string]any{
		"member_count": memberCount,
	})
}

func NewMemberLeftLog(roomKey string, memberCount int) *RoomAuditLog {
	return newAuditLog(roomKey, EventMemberLeft, time.Now(), map[string]any{
		"member_count": memberCount,
	})
}

func NewCodeExecutedLog(roomKey, language string, failed bool) *RoomAuditLog {
	return newAuditLog(roomKey, EventCodeExecuted, time.Now(), map[string]any{
		"language": language,
		"failed":   failed,
	})
}

// FromEvent rebuilds an audit entry from a published room event.
func FromEvent(roomKey string, eventType RoomEventType, at time.Time, metadata map[string]any) *RoomAuditLog {
	return newAuditLog(roomKey, eventType, at, metadata)
}
