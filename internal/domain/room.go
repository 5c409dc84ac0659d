package domain

import (
	"context"
	"errors"
	"maps"
	"time"
)

const (
	DefaultMaxPathLength    = 50
	DefaultMaxFileSize      = 1_000_000
	DefaultMaxMessageLength = 2000
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomNotLoaded   = errors.New("room not loaded")
	ErrInvalidPath     = errors.New("invalid file path")
	ErrFileExists      = errors.New("file already exists")
	ErrFileNotFound    = errors.New("file not found")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrMessageTooLong  = errors.New("message too long")
	ErrEmptyMessage    = errors.New("message is empty")
)

// Message is one chat line. Messages are append-only and keep insertion order.
type Message struct {
	Username string    `json:"username" bson:"username"`
	Text     string    `json:"text" bson:"text"`
	Time     time.Time `json:"time" bson:"time"`
}

// Room is the shared workspace: a flat path-keyed file tree, the active file
// pointer and the chat transcript. An empty ActiveFile means no active file.
type Room struct {
	Key        string            `json:"roomId" bson:"_id"`
	Files      map[string]string `json:"files" bson:"files"`
	ActiveFile string            `json:"activeFile" bson:"activeFile"`
	Messages   []Message         `json:"messages" bson:"messages"`
}

// RoomRepository is the durable copy of rooms. FindByKey returns ErrRoomNotFound
// when the key has never been persisted.
type RoomRepository interface {
	FindByKey(ctx context.Context, key string) (*Room, error)
	Upsert(ctx context.Context, room *Room) error
}

// Snapshot is the wire form of a room sent with files-sync.
type Snapshot struct {
	Files      map[string]string `json:"files"`
	ActiveFile *string           `json:"activeFile"`
	Messages   []Message         `json:"messages"`
}

func defaultFiles() map[string]string {
	return map[string]string{
		"src/index.js": "// Welcome to your new project!\nconsole.log('Hello from src!');",
		"README.md":    "# Project Documentation\nStart editing to see changes in real-time.",
	}
}

// NewRoom returns a room seeded with the starter project.
func NewRoom(key string) *Room {
	return &Room{
		Key:        key,
		Files:      defaultFiles(),
		ActiveFile: "src/index.js",
		Messages:   make([]Message, 0),
	}
}

// Normalize repairs a room loaded from storage so the in-memory invariants hold.
func (r *Room) Normalize() {
	if r.Files == nil {
		r.Files = make(map[string]string)
	}
	if r.Messages == nil {
		r.Messages = make([]Message, 0)
	}
	r.ensureActiveFile()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *Room) Clone() *Room {
	messages := make([]Message, len(r.Messages))
	copy(messages, r.Messages)

	return &Room{
		Key:        r.Key,
		Files:      maps.Clone(r.Files),
		ActiveFile: r.ActiveFile,
		Messages:   messages,
	}
}

func (r *Room) Snapshot() Snapshot {
	c := r.Clone()

	var active *string
	if c.ActiveFile != "" {
		active = &c.ActiveFile
	}

	return Snapshot{
		Files:      c.Files,
		ActiveFile: active,
		Messages:   c.Messages,
	}
}

// AppendMessage adds a chat line stamped with at.
func (r *Room) AppendMessage(username, text string, at time.Time, maxLength int) (Message, error) {
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	if maxLength > 0 && len([]rune(text)) > maxLength {
		return Message{}, ErrMessageTooLong
	}

	msg := Message{
		Username: username,
		Text:     text,
		Time:     at,
	}
	r.Messages = append(r.Messages, msg)

	return msg, nil
}
