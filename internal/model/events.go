package model

import (
	"encoding/json"
	"fmt"
)

// Socket event names. Connection lifecycle events are produced locally by
// the client connection manager and never cross the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"

	EventJoinRoom           = "joinRoom"
	EventTyping             = "typing"
	EventStopTyping         = "stopTyping"
	EventMarkMessagesAsRead = "markMessagesAsRead"

	EventJoinRoomError              = "joinRoomError"
	EventRoomJoined                 = "roomJoined"
	EventNewMessage                 = "newMessage"
	EventUserTyping                 = "userTyping"
	EventUserStopTyping             = "userStopTyping"
	EventMessagesAcknowledgedAsRead = "messagesAcknowledgedAsRead"
	EventError                      = "error"
)

// Disconnect reasons carried by EventDisconnect.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
)

// Envelope is a single socket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes data under the given event name.
func NewEnvelope(event string, data any) (Envelope, error) {
	p, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("could not encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: p}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("could not decode %s payload: %w", e.Event, err)
	}
	return nil
}

// TypingEvent is sent by a composing user and relayed as userTyping.
type TypingEvent struct {
	MatchID  string `json:"matchId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// StopTypingEvent is sent when a user goes idle and relayed as userStopTyping.
type StopTypingEvent struct {
	MatchID string `json:"matchId"`
	UserID  string `json:"userId"`
}

// ReadReceiptEvent marks a room as read by ReaderUserID. The same shape is
// used for the request and for the acknowledgement broadcast.
type ReadReceiptEvent struct {
	MatchID      string `json:"matchId"`
	ReaderUserID string `json:"readerUserId"`
}

// RoomJoinedEvent confirms a join.
type RoomJoinedEvent struct {
	MatchID string `json:"matchId"`
}

// ErrorEvent carries a user facing failure, e.g. a rejected join. MatchID
// is set when the failure concerns one room.
type ErrorEvent struct {
	MatchID string `json:"matchId,omitempty"`
	Message string `json:"message"`
}

// DisconnectEvent describes why a connection went away.
type DisconnectEvent struct {
	Reason string `json:"reason"`
}

// ConnectErrorEvent reports a failed (re)connection attempt.
type ConnectErrorEvent struct {
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// RoomEvent is the broker payload used to fan a frame out to one match room
// across server instances.
type RoomEvent struct {
	MatchID string   `json:"matchId"`
	Frame   Envelope `json:"frame"`

	// ExcludeUserID suppresses delivery to every connection of that user.
	ExcludeUserID string `json:"excludeUserId,omitempty"`
}
