package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/swipehire/matchchat/internal/model"
)

// Send shows text immediately under a temporary id and persists it. On
// failure the entry is removed and the text handed back to the input.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.disabled:
		s.mu.Unlock()
		return ErrSendingDisabled
	case text == "":
		s.mu.Unlock()
		return nil
	}

	flush := s.stopTypingLocked()
	pending := model.ChatMessage{
		ID:         s.nextTempIDLocked(),
		MatchID:    s.cfg.MatchID,
		SenderID:   s.cfg.Self.ID,
		ReceiverID: s.cfg.OtherID,
		Text:       text,
		CreatedAt:  s.now(),
	}
	s.messages = append(s.messages, pending)
	snapshot := slices.Clone(s.messages)
	s.mu.Unlock()

	if flush {
		s.emitStopTyping()
	}
	s.view.MessagesChanged(snapshot)

	msg, err := s.api.Send(ctx, s.cfg.MatchID, model.SendMessageRequest{
		Text:         text,
		ClientTempID: pending.ID,
	})
	if err != nil {
		s.rollback(pending.ID, text)
		return fmt.Errorf("chat: send: %w", err)
	}

	s.reconcile(msg)
	return nil
}

// nextTempIDLocked returns a temporary id unique within the session even
// for sends in the same millisecond.
func (s *Session) nextTempIDLocked() string {
	ms := max(s.now().UnixMilli(), s.lastTempMillis+1)
	s.lastTempMillis = ms
	return model.TempID(time.UnixMilli(ms))
}

func (s *Session) rollback(tempID, text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	i := slices.IndexFunc(s.messages, func(m model.ChatMessage) bool { return m.ID == tempID })
	if i < 0 {
		// Already confirmed by the socket echo.
		s.mu.Unlock()
		return
	}
	s.messages = slices.Delete(s.messages, i, i+1)
	snapshot := slices.Clone(s.messages)
	s.mu.Unlock()

	s.view.MessagesChanged(snapshot)
	s.view.RestoreInput(text)
	s.view.Notify(Notice{Level: LevelError, Message: "Your message could not be sent. Please try again."})
}

// reconcile merges a server confirmed message into the visible list.
func (s *Session) reconcile(msg model.ChatMessage) {
	s.mu.Lock()
	if s.closed || msg.MatchID != s.cfg.MatchID {
		s.mu.Unlock()
		return
	}

	live := false
	if i := s.matchIndexLocked(msg); i >= 0 {
		msg.Read = msg.Read || s.messages[i].Read
		s.messages[i] = msg
		// History may have delivered the stored copy before the send
		// returned; the entry it was displayed under is now redundant.
		if msg.ClientTempID != "" {
			s.messages = slices.DeleteFunc(s.messages, func(m model.ChatMessage) bool {
				return m.Pending() && m.ID == msg.ClientTempID
			})
		}
	} else {
		// While history loads, Open does the read check for everything at once.
		if !s.loading && msg.ReceiverID == s.cfg.Self.ID && !msg.IsFrom(s.cfg.Self.ID) && !msg.Read {
			msg.Read = true
			live = true
		}
		s.messages = append(s.messages, msg)
	}
	snapshot := slices.Clone(s.messages)
	s.mu.Unlock()

	s.view.MessagesChanged(snapshot)
	if live {
		s.emitMarkRead()
	}
}

// matchIndexLocked finds the entry msg confirms: the same stored message,
// the pending entry named by its client temp id or, when the server did not
// echo one, the first pending entry with the same sender and text.
func (s *Session) matchIndexLocked(msg model.ChatMessage) int {
	if i := slices.IndexFunc(s.messages, func(m model.ChatMessage) bool { return m.ID == msg.ID }); i >= 0 {
		return i
	}

	if msg.ClientTempID != "" {
		return slices.IndexFunc(s.messages, func(m model.ChatMessage) bool {
			return m.Pending() && m.ID == msg.ClientTempID
		})
	}

	return slices.IndexFunc(s.messages, func(m model.ChatMessage) bool {
		return m.Pending() && m.SenderID == msg.SenderID && m.Text == msg.Text
	})
}

func (s *Session) onNewMessage(data json.RawMessage) {
	var msg model.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("dropping malformed message", "error", err)
		return
	}
	if msg.ID == "" {
		return
	}
	s.reconcile(msg)
}

// markReceivedReadLocked flags every unread message addressed to self as
// read and reports whether there was any.
func (s *Session) markReceivedReadLocked() bool {
	found := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.ReceiverID == s.cfg.Self.ID && !m.IsFrom(s.cfg.Self.ID) && !m.Read {
			m.Read = true
			found = true
		}
	}
	return found
}

func (s *Session) emitMarkRead() {
	s.emit(model.EventMarkMessagesAsRead, model.ReadReceiptEvent{
		MatchID:      s.cfg.MatchID,
		ReaderUserID: s.cfg.Self.ID,
	})
}

// onReadAck flips the read flag on own confirmed messages once the other
// participant has read the room.
func (s *Session) onReadAck(data json.RawMessage) {
	var ev model.ReadReceiptEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	s.mu.Lock()
	if s.closed || ev.MatchID != s.cfg.MatchID || ev.ReaderUserID == s.cfg.Self.ID {
		s.mu.Unlock()
		return
	}
	changed := false
	for i := range s.messages {
		m := &s.messages[i]
		if m.IsFrom(s.cfg.Self.ID) && !m.Pending() && !m.Read {
			m.Read = true
			changed = true
		}
	}
	snapshot := slices.Clone(s.messages)
	s.mu.Unlock()

	if changed {
		s.view.MessagesChanged(snapshot)
	}
}
