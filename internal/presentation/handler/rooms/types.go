package rooms

import "github.com/hilthontt/codesync/internal/domain"

// roomResponse is a read-only view of a room. File contents are left out.
type roomResponse struct {
	RoomID       string          `json:"roomId"`
	Files        []string        `json:"files"`
	ActiveFile   *string         `json:"activeFile"`
	MessageCount int             `json:"messageCount"`
	Members      []domain.Member `json:"members"`
	Live         bool            `json:"live"`         // held in memory right now
	PendingWrite bool            `json:"pendingWrite"` // live changes not yet in storage
}

type roomEventsResponse struct {
	RoomID string                `json:"roomId"`
	Events []domain.RoomAuditLog `json:"events"`
}
