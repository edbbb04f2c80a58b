// Package model defines data structure.
package model

import (
	"strconv"
	"strings"
	"time"
)

// TempIDPrefix marks ids assigned by a client before the server confirms a message.
const TempIDPrefix = "temp-"

// ChatMessage holds a single message exchanged inside a match room. It is
// used for REST payloads, broker payloads and socket frames alike.
type ChatMessage struct {
	ID         string    `json:"id"`
	MatchID    string    `json:"matchId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
	Read       bool      `json:"read"`

	// ClientTempID is the temporary id the sender displayed the message
	// under. The server echoes it back so the sender can correlate exactly.
	ClientTempID string `json:"clientTempId,omitempty"`
}

// Pending reports whether the message is still waiting for server confirmation.
func (m ChatMessage) Pending() bool {
	return IsTempID(m.ID)
}

// IsFrom reports whether userID sent the message.
func (m ChatMessage) IsFrom(userID string) bool {
	return m.SenderID == userID
}

// IsTempID reports whether id was assigned client side.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// TempID builds a temporary id from a timestamp.
func TempID(t time.Time) string {
	return TempIDPrefix + strconv.FormatInt(t.UnixMilli(), 10)
}

// SendMessageRequest is the body of a send request.
type SendMessageRequest struct {
	Text         string `json:"text" validate:"required,max=2000"`
	ClientTempID string `json:"clientTempId,omitempty" validate:"omitempty,max=64"`
}
