package domain

import (
	"strings"
	"time"

	"github.com/hilthontt/codesync/internal/infrastructure/validate"
)

const (
	maxUsernameLength = 32
	maxRoomKeyLength  = 128
)

// Member is a live connection bound to a display name. ConnID is the socket id
// that other clients see.
type Member struct {
	ConnID   string    `json:"socketId"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

func NewMember(connID, rawName string) (*Member, error) {
	validateUsername := validate.Field("username",
		validate.Required(),
		validate.MaxLength(maxUsernameLength),
		validate.NoControlChars(),
	)

	if err := validateUsername(rawName); err != nil {
		return nil, err
	}

	return &Member{
		ConnID:   connID,
		Username: strings.TrimSpace(rawName),
		JoinedAt: time.Now(),
	}, nil
}

// ValidateRoomKey checks an opaque room key supplied by a client.
func ValidateRoomKey(key string) error {
	return validate.Field("roomId",
		validate.Required(),
		validate.NoSpaces(),
		validate.MaxLength(maxRoomKeyLength),
	)(key)
}
