package chat

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/swipehire/matchchat/internal/model"
)

// KeyStroke records local typing. The first stroke after idle emits typing;
// stopTyping follows once no stroke arrived for the typing timeout.
func (s *Session) KeyStroke() {
	s.mu.Lock()
	if !s.opened || s.closed || s.disabled {
		s.mu.Unlock()
		return
	}

	start := !s.typing
	s.typing = true
	s.typingGen++
	gen := s.typingGen
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.typingTimeout, func() { s.typingExpired(gen) })
	s.mu.Unlock()

	if start {
		s.emit(model.EventTyping, model.TypingEvent{
			MatchID:  s.cfg.MatchID,
			UserID:   s.cfg.Self.ID,
			UserName: s.cfg.Self.Name,
		})
	}
}

func (s *Session) typingExpired(gen int) {
	s.mu.Lock()
	if gen != s.typingGen || !s.typing || s.closed {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.typingTimer = nil
	s.mu.Unlock()

	s.emitStopTyping()
}

// stopTypingLocked ends local typing and reports whether stopTyping is owed.
func (s *Session) stopTypingLocked() bool {
	if !s.typing {
		return false
	}
	s.typing = false
	s.typingGen++
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	return true
}

func (s *Session) emitStopTyping() {
	s.emit(model.EventStopTyping, model.StopTypingEvent{
		MatchID: s.cfg.MatchID,
		UserID:  s.cfg.Self.ID,
	})
}

func (s *Session) onUserTyping(data json.RawMessage) {
	var ev model.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	s.mu.Lock()
	if s.closed || ev.MatchID != s.cfg.MatchID || ev.UserID == "" || ev.UserID == s.cfg.Self.ID {
		s.mu.Unlock()
		return
	}
	if name, ok := s.remoteTyping[ev.UserID]; ok && name == ev.UserName {
		s.mu.Unlock()
		return
	}
	s.remoteTyping[ev.UserID] = ev.UserName
	snapshot := maps.Clone(s.remoteTyping)
	s.mu.Unlock()

	s.view.TypingChanged(snapshot)
}

func (s *Session) onUserStopTyping(data json.RawMessage) {
	var ev model.StopTypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	s.mu.Lock()
	if _, ok := s.remoteTyping[ev.UserID]; s.closed || ev.MatchID != s.cfg.MatchID || !ok {
		s.mu.Unlock()
		return
	}
	delete(s.remoteTyping, ev.UserID)
	snapshot := maps.Clone(s.remoteTyping)
	s.mu.Unlock()

	s.view.TypingChanged(snapshot)
}
