// Package chat runs the client side of one match chat: room membership,
// optimistic sends, typing presence and read receipts.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/swipehire/matchchat/internal/model"
	"github.com/swipehire/matchchat/internal/socket"
)

var (
	ErrSendingDisabled = errors.New("chat: sending is disabled for this match")
	ErrClosed          = errors.New("chat: session closed")
)

const (
	DefaultTypingTimeout = 2 * time.Second

	// connectWarnAfter consecutive failed connection attempts surface a warning.
	connectWarnAfter = 3
	emitTimeout      = 5 * time.Second
)

// Socket is the shared real-time connection.
type Socket interface {
	On(event string, h socket.Handler) (off func())
	Emit(ctx context.Context, event string, data any) error
	Connected() bool
}

// API is the REST side of the chat.
type API interface {
	History(ctx context.Context, matchID string, limit int) ([]model.ChatMessage, error)
	Send(ctx context.Context, matchID string, req model.SendMessageRequest) (model.ChatMessage, error)
}

type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// Notice is a user visible message.
type Notice struct {
	Level   Level
	Message string
}

// View renders the session. Callbacks are never invoked with the session
// lock held and always receive copies.
type View interface {
	MessagesChanged(msgs []model.ChatMessage)
	TypingChanged(users map[string]string)
	RestoreInput(text string)
	Notify(n Notice)
	// Closed is called once when the session is closed by the server side.
	Closed(reason string)
}

type Config struct {
	MatchID string
	Self    model.Participant
	// OtherID is the receiver of messages sent from this session.
	OtherID string
}

type Option func(*Session)

// WithTypingTimeout changes the idle time after which stopTyping is sent.
func WithTypingTimeout(d time.Duration) Option {
	return func(s *Session) { s.typingTimeout = d }
}

// WithClock replaces time.Now for temporary ids.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithHistoryLimit sets how many messages are loaded on open.
func WithHistoryLimit(n int) Option {
	return func(s *Session) { s.historyLimit = n }
}

type Session struct {
	cfg  Config
	sock Socket
	api  API
	view View

	typingTimeout time.Duration
	historyLimit  int
	now           func() time.Time

	mu              sync.Mutex
	opened          bool
	closed          bool
	disabled        bool
	loading         bool
	messages        []model.ChatMessage
	remoteTyping    map[string]string
	typing          bool
	typingTimer     *time.Timer
	typingGen       int
	lastTempMillis  int64
	connectFailures int
	dropped         bool
	offs            []func()
}

func NewSession(sock Socket, api API, view View, cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:           cfg,
		sock:          sock,
		api:           api,
		view:          view,
		typingTimeout: DefaultTypingTimeout,
		now:           time.Now,
		remoteTyping:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open joins the room and loads history. A match id that is not a stored
// object id disables sending for good; Open still succeeds.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true

	if !model.IsObjectID(s.cfg.MatchID) {
		s.disabled = true
		s.mu.Unlock()
		s.view.Notify(Notice{
			Level:   LevelError,
			Message: "This match has not been saved yet, so messaging is unavailable.",
		})
		return nil
	}

	s.offs = []func(){
		s.sock.On(model.EventConnect, s.onConnect),
		s.sock.On(model.EventDisconnect, s.onDisconnect),
		s.sock.On(model.EventConnectError, s.onConnectError),
		s.sock.On(model.EventJoinRoomError, s.onJoinRoomError),
		s.sock.On(model.EventError, s.onServerError),
		s.sock.On(model.EventNewMessage, s.onNewMessage),
		s.sock.On(model.EventUserTyping, s.onUserTyping),
		s.sock.On(model.EventUserStopTyping, s.onUserStopTyping),
		s.sock.On(model.EventMessagesAcknowledgedAsRead, s.onReadAck),
	}
	s.loading = true
	s.mu.Unlock()

	// Otherwise the join is sent from onConnect.
	if s.sock.Connected() {
		s.emit(model.EventJoinRoom, s.cfg.MatchID)
	}

	history, err := s.api.History(ctx, s.cfg.MatchID, s.historyLimit)

	s.mu.Lock()
	s.loading = false
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.mu.Unlock()
		s.view.Notify(Notice{Level: LevelError, Message: "Could not load messages."})
		return fmt.Errorf("chat: load history: %w", err)
	}

	// Live messages may have arrived while history was loading.
	s.messages = mergeHistory(history, s.messages)
	unread := s.markReceivedReadLocked()
	snapshot := slices.Clone(s.messages)
	s.mu.Unlock()

	s.view.MessagesChanged(snapshot)
	if unread {
		s.emitMarkRead()
	}
	return nil
}

// Close ends the session. Pending stop typing is flushed; in-flight sends
// are left alone and their results dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	flush := s.stopTypingLocked()
	s.closed = true
	offs := s.offs
	s.offs = nil
	s.mu.Unlock()

	if flush {
		s.emitStopTyping()
	}
	for _, off := range offs {
		off()
	}
}

// Messages returns a copy of the visible list.
func (s *Session) Messages() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// TypingUsers returns who is composing in the room, by user id.
func (s *Session) TypingUsers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.remoteTyping)
}

func (s *Session) SendingDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disabled
}

func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// forceClose closes the session and tells the view why.
func (s *Session) forceClose(reason string) {
	s.mu.Lock()
	already := s.closed
	s.mu.Unlock()
	if already {
		return
	}

	s.Close()
	s.view.Notify(Notice{Level: LevelError, Message: reason})
	s.view.Closed(reason)
}

func (s *Session) onConnect(json.RawMessage) {
	s.mu.Lock()
	if s.closed || s.disabled {
		s.mu.Unlock()
		return
	}
	s.connectFailures = 0
	dropped := s.dropped
	s.dropped = false
	s.mu.Unlock()

	s.emit(model.EventJoinRoom, s.cfg.MatchID)
	if dropped {
		s.view.Notify(Notice{Level: LevelInfo, Message: "Reconnected."})
	}
}

func (s *Session) onDisconnect(data json.RawMessage) {
	var ev model.DisconnectEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	switch ev.Reason {
	case model.ReasonServerDisconnect:
		s.forceClose("The chat server ended the connection. Please reopen the chat.")
	case model.ReasonTransportClose:
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.dropped = true
		// Remote typing state is stale once the room is left.
		cleared := len(s.remoteTyping) > 0
		clear(s.remoteTyping)
		s.mu.Unlock()

		if cleared {
			s.view.TypingChanged(map[string]string{})
		}
		s.view.Notify(Notice{Level: LevelInfo, Message: "Connection lost. Reconnecting..."})
	}
}

func (s *Session) onConnectError(json.RawMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connectFailures++
	warn := s.connectFailures == connectWarnAfter
	s.mu.Unlock()

	if warn {
		s.view.Notify(Notice{Level: LevelWarning, Message: "Having trouble connecting to chat. Still trying..."})
	}
}

func (s *Session) onJoinRoomError(data json.RawMessage) {
	var ev model.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	if ev.MatchID != "" && ev.MatchID != s.cfg.MatchID {
		return
	}

	reason := ev.Message
	if reason == "" {
		reason = "You cannot join this chat."
	}
	s.forceClose(reason)
}

// onServerError reports a failure the server expects to recover from. The
// session stays open and joins again on the next connect.
func (s *Session) onServerError(data json.RawMessage) {
	var ev model.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.MatchID != s.cfg.MatchID {
		return
	}
	if s.Closed() {
		return
	}
	s.view.Notify(Notice{Level: LevelWarning, Message: ev.Message})
}

func (s *Session) emit(event string, data any) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	if err := s.sock.Emit(ctx, event, data); err != nil {
		slog.Debug("chat emit failed",
			"error", err,
			"event", event,
			"match_id", s.cfg.MatchID)
	}
}


// mergeHistory appends to history the live entries it does not already
// hold. A pending entry is dropped when history carries its confirmation,
// named by client temp id or, lacking one, by the same sender and text.
func mergeHistory(history, live []model.ChatMessage) []model.ChatMessage {
	merged := slices.Clone(history)
	claimed := make([]bool, len(history))
	for _, m := range live {
		if slices.ContainsFunc(history, func(h model.ChatMessage) bool { return h.ID == m.ID }) {
			continue
		}
		if m.Pending() && claimPending(history, claimed, m) {
			continue
		}
		merged = append(merged, m)
	}
	return merged
}

func claimPending(history []model.ChatMessage, claimed []bool, pending model.ChatMessage) bool {
	i := slices.IndexFunc(history, func(h model.ChatMessage) bool { return h.ClientTempID == pending.ID })
	if i < 0 {
		for j, h := range history {
			if !claimed[j] && h.ClientTempID == "" && h.SenderID == pending.SenderID && h.Text == pending.Text {
				i = j
				break
			}
		}
	}
	if i < 0 {
		return false
	}
	claimed[i] = true
	return true
}
