package ws

import (
	"encoding/json"
	"time"

	"github.com/hilthontt/codesync/internal/domain"
)

type WSMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Inbound is a client event whose payload is decoded by the handler for its type.
type Inbound struct {
	Type   string          `json:"type"`
	RoomID string          `json:"roomId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload into v. An empty payload leaves v untouched.
func (m *Inbound) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Inbound payloads
type JoinPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type FilePayload struct {
	FileName string `json:"fileName"`
}

type FileChangePayload struct {
	FileName string `json:"fileName"`
	NewCode  string `json:"newCode"`
}

type FileRenamePayload struct {
	OldFileName string `json:"oldFileName"`
	NewFileName string `json:"newFileName"`
}

type CodeRunPayload struct {
	FileName string `json:"fileName"`
	Code     string `json:"code"`
}

type CursorPayload struct {
	Cursor   json.RawMessage `json:"cursor"`
	Username string          `json:"username,omitempty"`
	SocketID string          `json:"socketId,omitempty"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

// Outbound payloads
type JoinedPayload struct {
	Clients  []domain.Member `json:"clients"`
	Username string          `json:"username"`
	SocketID string          `json:"socketId"`
}

type DisconnectedPayload struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type CodeRunResultPayload struct {
	Result string `json:"result"`
}

type ErrorPayload struct {
	Code         string `json:"code,omitempty"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func NewJoined(roomID string, clients []domain.Member, joiner domain.Member) *WSMessage {
	return &WSMessage{
		Type:   Joined,
		RoomID: roomID,
		Data: JoinedPayload{
			Clients:  clients,
			Username: joiner.Username,
			SocketID: joiner.ConnID,
		},
	}
}

func NewFilesSync(roomID string, snapshot domain.Snapshot) *WSMessage {
	return &WSMessage{
		Type:   FilesSync,
		RoomID: roomID,
		Data:   snapshot,
	}
}

func NewFileChange(roomID, fileName, newCode string) *WSMessage {
	return &WSMessage{
		Type:   FileChange,
		RoomID: roomID,
		Data: FileChangePayload{
			FileName: fileName,
			NewCode:  newCode,
		},
	}
}

func NewCursorMove(roomID string, cursor json.RawMessage, from domain.Member) *WSMessage {
	return &WSMessage{
		Type:   CursorMove,
		RoomID: roomID,
		Data: CursorPayload{
			Cursor:   cursor,
			Username: from.Username,
			SocketID: from.ConnID,
		},
	}
}

func NewReceiveMessage(roomID string, msg domain.Message) *WSMessage {
	return &WSMessage{
		Type:   ReceiveMessage,
		RoomID: roomID,
		Data:   msg,
	}
}

func NewCodeRunResult(roomID, result string) *WSMessage {
	return &WSMessage{
		Type:   CodeRun,
		RoomID: roomID,
		Data:   CodeRunResultPayload{Result: result},
	}
}

func NewDisconnected(roomID string, member domain.Member) *WSMessage {
	return &WSMessage{
		Type:   Disconnected,
		RoomID: roomID,
		Data: DisconnectedPayload{
			SocketID: member.ConnID,
			Username: member.Username,
		},
	}
}

func NewError(roomID, code, message string) *WSMessage {
	return &WSMessage{
		Type:   ErrorEvent,
		RoomID: roomID,
		Data: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}

func NewRateLimited(roomID string, retryAfter time.Duration) *WSMessage {
	return &WSMessage{
		Type:   RateLimited,
		RoomID: roomID,
		Data: ErrorPayload{
			Code:         "RATE_LIMITED",
			Message:      "Too many code executions, slow down.",
			RetryAfterMs: retryAfter.Milliseconds(),
		},
	}
}
