package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swipehire/matchchat/internal/model"
	"github.com/swipehire/matchchat/internal/socket"
)

const (
	matchID = "64b7f0a1c2d3e4f5a6b7c8d9"
	selfID  = "cand-1"
	otherID = "comp-1"
)

type emitted struct {
	event string
	data  any
}

type fakeSocket struct {
	mu        sync.Mutex
	handlers  map[string]map[int]socket.Handler
	next      int
	emits     []emitted
	connected bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: map[string]map[int]socket.Handler{}, connected: true}
}

func (f *fakeSocket) On(event string, h socket.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[event] == nil {
		f.handlers[event] = map[int]socket.Handler{}
	}
	id := f.next
	f.next++
	f.handlers[event][id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeSocket) Emit(_ context.Context, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return socket.ErrNotConnected
	}
	f.emits = append(f.emits, emitted{event: event, data: data})
	return nil
}

func (f *fakeSocket) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSocket) fire(t *testing.T, event string, data any) {
	t.Helper()
	p, err := json.Marshal(data)
	require.NoError(t, err)

	f.mu.Lock()
	var hs []socket.Handler
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(p)
	}
}

func (f *fakeSocket) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeSocket) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

type fakeAPI struct {
	mu        sync.Mutex
	history   []model.ChatMessage
	histErr   error
	histCalls int
	onHistory func()
	sendErr   error
	onSend    func(req model.SendMessageRequest)
	sent      []model.SendMessageRequest
	seq       int
}

func (f *fakeAPI) History(context.Context, string, int) ([]model.ChatMessage, error) {
	if f.onHistory != nil {
		f.onHistory()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histCalls++
	return f.history, f.histErr
}

func (f *fakeAPI) Send(_ context.Context, matchID string, req model.SendMessageRequest) (model.ChatMessage, error) {
	if f.onSend != nil {
		f.onSend(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return model.ChatMessage{}, f.sendErr
	}
	f.seq++
	return serverMessage(f.seq, req.Text, req.ClientTempID), nil
}

// serverMessage is what the server stores for a message sent by self.
func serverMessage(seq int, text, tempID string) model.ChatMessage {
	return model.ChatMessage{
		ID:           fmt.Sprintf("aaaaaaaaaaaaaaaaaaaaaa%02d", seq),
		MatchID:      matchID,
		SenderID:     selfID,
		ReceiverID:   otherID,
		Text:         text,
		CreatedAt:    time.Now(),
		ClientTempID: tempID,
	}
}

type fakeView struct {
	mu       sync.Mutex
	messages []model.ChatMessage
	typing   map[string]string
	restored []string
	notices  []Notice
	closed   []string
}

func (v *fakeView) MessagesChanged(msgs []model.ChatMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.messages = msgs
}

func (v *fakeView) TypingChanged(users map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.typing = users
}

func (v *fakeView) RestoreInput(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.restored = append(v.restored, text)
}

func (v *fakeView) Notify(n Notice) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notices = append(v.notices, n)
}

func (v *fakeView) Closed(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = append(v.closed, reason)
}

func (v *fakeView) noticesAt(level Level) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for _, n := range v.notices {
		if n.Level == level {
			out = append(out, n.Message)
		}
	}
	return out
}

type harness struct {
	sock    *fakeSocket
	api     *fakeAPI
	view    *fakeView
	session *Session
}

func newHarness(t *testing.T, id string, opts ...Option) *harness {
	t.Helper()
	h := &harness{sock: newFakeSocket(), api: &fakeAPI{}, view: &fakeView{}}
	h.session = NewSession(h.sock, h.api, h.view, Config{
		MatchID: id,
		Self:    model.Participant{ID: selfID, Name: "Casey"},
		OtherID: otherID,
	}, opts...)
	t.Cleanup(h.session.Close)
	return h
}

func openHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := newHarness(t, matchID, opts...)
	require.NoError(t, h.session.Open(context.Background()))
	return h
}

func texts(msgs []model.ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestOpenJoinsAndLoadsHistory(t *testing.T) {
	h := newHarness(t, matchID)
	h.api.history = []model.ChatMessage{
		{ID: "111111111111111111111111", MatchID: matchID, SenderID: otherID, ReceiverID: selfID, Text: "hi"},
		{ID: "222222222222222222222222", MatchID: matchID, SenderID: selfID, ReceiverID: otherID, Text: "hello"},
	}

	require.NoError(t, h.session.Open(context.Background()))

	assert.Equal(t, 1, h.sock.count(model.EventJoinRoom))
	assert.Equal(t, []string{"hi", "hello"}, texts(h.session.Messages()))
	assert.Equal(t, []string{"hi", "hello"}, texts(h.view.messages))
	assert.False(t, h.session.Loading())

	// One batched read receipt for the unread incoming message.
	assert.Equal(t, 1, h.sock.count(model.EventMarkMessagesAsRead))
	assert.Equal(t, emitted{
		event: model.EventMarkMessagesAsRead,
		data:  model.ReadReceiptEvent{MatchID: matchID, ReaderUserID: selfID},
	}, h.sock.emits[1])
}

func TestOpenWithoutUnreadSendsNoReceipt(t *testing.T) {
	h := newHarness(t, matchID)
	h.api.history = []model.ChatMessage{
		{ID: "111111111111111111111111", MatchID: matchID, SenderID: otherID, ReceiverID: selfID, Text: "hi", Read: true},
		{ID: "222222222222222222222222", MatchID: matchID, SenderID: selfID, ReceiverID: otherID, Text: "hello"},
	}
	require.NoError(t, h.session.Open(context.Background()))
	assert.Zero(t, h.sock.count(model.EventMarkMessagesAsRead))
}

func TestOpenHistoryFailure(t *testing.T) {
	h := newHarness(t, matchID)
	h.api.histErr = errors.New("offline")

	err := h.session.Open(context.Background())
	require.ErrorIs(t, err, h.api.histErr)
	assert.Equal(t, []string{"Could not load messages."}, h.view.noticesAt(LevelError))
	assert.False(t, h.session.Closed())
}

func TestOpenWaitsForConnectToJoin(t *testing.T) {
	h := newHarness(t, matchID)
	h.sock.connected = false

	require.NoError(t, h.session.Open(context.Background()))
	assert.Zero(t, h.sock.count(model.EventJoinRoom))

	h.sock.mu.Lock()
	h.sock.connected = true
	h.sock.mu.Unlock()
	h.sock.fire(t, model.EventConnect, struct{}{})
	assert.Equal(t, 1, h.sock.count(model.EventJoinRoom))
}

// Scenario: opening a chat for a match id that was never stored.
func TestUnpersistedMatchDisablesSending(t *testing.T) {
	h := newHarness(t, "not-a-mongo-id")
	require.NoError(t, h.session.Open(context.Background()))

	assert.True(t, h.session.SendingDisabled())
	assert.Zero(t, h.api.histCalls)
	assert.Zero(t, h.sock.count(model.EventJoinRoom))
	assert.Len(t, h.view.noticesAt(LevelError), 1)

	assert.ErrorIs(t, h.session.Send(context.Background(), "Hello"), ErrSendingDisabled)
	assert.Empty(t, h.api.sent)
	assert.Empty(t, h.session.Messages())

	// Reconnects do not retry the join either.
	h.sock.fire(t, model.EventConnect, struct{}{})
	assert.Zero(t, h.sock.count(model.EventJoinRoom))
}

func TestSendPreservesOrder(t *testing.T) {
	h := openHarness(t)

	for _, text := range []string{"one", "two", "three", "two"} {
		require.NoError(t, h.session.Send(context.Background(), text))
	}

	msgs := h.session.Messages()
	assert.Equal(t, []string{"one", "two", "three", "two"}, texts(msgs))
	for _, m := range msgs {
		assert.False(t, m.Pending(), m.ID)
	}
}

func TestTempIDsAreUnique(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	h := openHarness(t, WithClock(func() time.Time { return now }))

	require.NoError(t, h.session.Send(context.Background(), "a"))
	require.NoError(t, h.session.Send(context.Background(), "b"))

	require.Len(t, h.api.sent, 2)
	assert.Equal(t, "temp-1700000000000", h.api.sent[0].ClientTempID)
	assert.Equal(t, "temp-1700000000001", h.api.sent[1].ClientTempID)
}

// Scenario: the echo for "Hello" arrives before the send request returns.
func TestEchoReplacesPendingEntry(t *testing.T) {
	h := openHarness(t)

	var during []model.ChatMessage
	h.api.onSend = func(req model.SendMessageRequest) {
		before := len(h.session.Messages())
		// Older servers do not echo the temp id.
		h.sock.fire(t, model.EventNewMessage, serverMessage(1, "Hello", ""))
		during = h.session.Messages()
		assert.Len(t, during, before)
	}

	require.NoError(t, h.session.Send(context.Background(), "Hello"))

	require.Len(t, during, 1)
	assert.False(t, during[0].Pending())

	msgs := h.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].Text)
	assert.False(t, msgs[0].Pending())
}

func TestEchoAfterResponseIsDeduplicated(t *testing.T) {
	h := openHarness(t)
	require.NoError(t, h.session.Send(context.Background(), "Hello"))

	// The broadcast of the same stored message arrives afterwards.
	h.sock.fire(t, model.EventNewMessage, serverMessage(1, "Hello", h.api.sent[0].ClientTempID))

	msgs := h.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, serverMessage(1, "Hello", "").ID, msgs[0].ID)
}

func TestClientTempIDCorrelatesExactly(t *testing.T) {
	h := openHarness(t)

	// Two pending entries with identical text.
	h.session.mu.Lock()
	h.session.messages = []model.ChatMessage{
		{ID: "temp-1", MatchID: matchID, SenderID: selfID, Text: "ok"},
		{ID: "temp-2", MatchID: matchID, SenderID: selfID, Text: "ok"},
	}
	h.session.mu.Unlock()

	h.sock.fire(t, model.EventNewMessage, serverMessage(7, "ok", "temp-2"))

	msgs := h.session.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "temp-1", msgs[0].ID)
	assert.Equal(t, serverMessage(7, "ok", "").ID, msgs[1].ID)
}

// Scenario: "Hello" is stored and shows up in history before its send returns.
func TestSendOverlappingHistoryLoad(t *testing.T) {
	h := newHarness(t, matchID)

	loading := make(chan struct{})
	issued := make(chan model.SendMessageRequest)
	release := make(chan struct{})
	h.api.onHistory = func() {
		close(loading)
		req := <-issued
		h.api.mu.Lock()
		h.api.history = []model.ChatMessage{serverMessage(1, "Hello", req.ClientTempID)}
		h.api.mu.Unlock()
	}
	h.api.onSend = func(req model.SendMessageRequest) {
		issued <- req
		<-release
	}

	opened := make(chan error, 1)
	go func() { opened <- h.session.Open(context.Background()) }()
	<-loading

	sent := make(chan error, 1)
	go func() { sent <- h.session.Send(context.Background(), "Hello") }()
	require.NoError(t, <-opened)

	msgs := h.session.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Pending())

	close(release)
	require.NoError(t, <-sent)

	msgs = h.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, serverMessage(1, "Hello", "").ID, msgs[0].ID)
	assert.Equal(t, msgs, h.view.messages)
}

func TestMergeHistoryDropsConfirmedPending(t *testing.T) {
	stored := serverMessage(1, "Hello", "temp-5")
	pending := model.ChatMessage{ID: "temp-5", MatchID: matchID, SenderID: selfID, Text: "Hello"}
	incoming := model.ChatMessage{ID: "bbbbbbbbbbbbbbbbbbbbbb01", MatchID: matchID, SenderID: otherID, Text: "hey"}

	tests := []struct {
		name    string
		history []model.ChatMessage
		live    []model.ChatMessage
		want    []string
	}{
		{
			name:    "temp id echoed",
			history: []model.ChatMessage{stored},
			live:    []model.ChatMessage{pending},
			want:    []string{stored.ID},
		},
		{
			name:    "no temp id falls back to sender and text",
			history: []model.ChatMessage{serverMessage(1, "Hello", "")},
			live:    []model.ChatMessage{pending},
			want:    []string{stored.ID},
		},
		{
			name:    "one stored copy claims one pending entry",
			history: []model.ChatMessage{serverMessage(1, "Hello", "")},
			live:    []model.ChatMessage{pending, {ID: "temp-6", MatchID: matchID, SenderID: selfID, Text: "Hello"}},
			want:    []string{stored.ID, "temp-6"},
		},
		{
			name:    "unconfirmed pending and live entries kept",
			history: []model.ChatMessage{serverMessage(2, "Other", "temp-1")},
			live:    []model.ChatMessage{pending, incoming},
			want:    []string{serverMessage(2, "", "").ID, "temp-5", incoming.ID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for _, m := range mergeHistory(tt.history, tt.live) {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestConfirmationDropsStalePending(t *testing.T) {
	h := openHarness(t)

	// The stored copy is already visible next to the entry it was sent under.
	h.session.mu.Lock()
	h.session.messages = []model.ChatMessage{
		serverMessage(1, "Hello", "temp-9"),
		{ID: "temp-9", MatchID: matchID, SenderID: selfID, Text: "Hello"},
	}
	h.session.mu.Unlock()

	h.sock.fire(t, model.EventNewMessage, serverMessage(1, "Hello", "temp-9"))

	msgs := h.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, serverMessage(1, "Hello", "").ID, msgs[0].ID)
}

// Scenario: the send request fails on the network.
func TestSendFailureRollsBack(t *testing.T) {
	h := openHarness(t)
	h.api.sendErr = errors.New("network down")

	err := h.session.Send(context.Background(), "Hello")
	require.ErrorIs(t, err, h.api.sendErr)

	assert.Empty(t, h.session.Messages())
	assert.Empty(t, h.view.messages)
	assert.Equal(t, []string{"Hello"}, h.view.restored)
	assert.Len(t, h.view.noticesAt(LevelError), 1)
}

func TestIncomingMessages(t *testing.T) {
	h := openHarness(t)

	incoming := model.ChatMessage{ID: "333333333333333333333333", MatchID: matchID, SenderID: otherID, ReceiverID: selfID, Text: "yo"}
	h.sock.fire(t, model.EventNewMessage, incoming)
	h.sock.fire(t, model.EventNewMessage, incoming)

	msgs := h.session.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
	assert.Equal(t, 1, h.sock.count(model.EventMarkMessagesAsRead))

	// Other rooms never leak in.
	other := incoming
	other.ID = "444444444444444444444444"
	other.MatchID = "ffffffffffffffffffffffff"
	h.sock.fire(t, model.EventNewMessage, other)
	assert.Len(t, h.session.Messages(), 1)
}

func TestLateConfirmationAfterCloseIsDropped(t *testing.T) {
	h := openHarness(t)
	h.api.onSend = func(model.SendMessageRequest) { h.session.Close() }

	require.NoError(t, h.session.Send(context.Background(), "bye"))
	h.sock.fire(t, model.EventNewMessage, serverMessage(2, "late", ""))

	msgs := h.session.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending())
	assert.Zero(t, h.sock.listeners())
	assert.ErrorIs(t, h.session.Send(context.Background(), "again"), ErrClosed)
}

func TestReadAcknowledgement(t *testing.T) {
	h := openHarness(t)
	require.NoError(t, h.session.Send(context.Background(), "one"))
	require.NoError(t, h.session.Send(context.Background(), "two"))

	// Our own acknowledgement is not about our messages.
	h.sock.fire(t, model.EventMessagesAcknowledgedAsRead, model.ReadReceiptEvent{MatchID: matchID, ReaderUserID: selfID})
	for _, m := range h.session.Messages() {
		assert.False(t, m.Read)
	}

	h.sock.fire(t, model.EventMessagesAcknowledgedAsRead, model.ReadReceiptEvent{MatchID: matchID, ReaderUserID: otherID})
	for _, m := range h.session.Messages() {
		assert.True(t, m.Read, m.Text)
	}
}

func TestJoinRejectedClosesSession(t *testing.T) {
	h := openHarness(t)

	// Rejections for other rooms on the shared socket are ignored.
	h.sock.fire(t, model.EventJoinRoomError, model.ErrorEvent{MatchID: "ffffffffffffffffffffffff", Message: "nope"})
	assert.False(t, h.session.Closed())

	h.sock.fire(t, model.EventJoinRoomError, model.ErrorEvent{MatchID: matchID, Message: "You are not authorized to join this chat."})

	assert.True(t, h.session.Closed())
	assert.Equal(t, []string{"You are not authorized to join this chat."}, h.view.closed)
	assert.Contains(t, h.view.noticesAt(LevelError), "You are not authorized to join this chat.")
	assert.Zero(t, h.sock.listeners())
}

func TestJoinStoreFailureKeepsSessionOpen(t *testing.T) {
	h := openHarness(t)

	h.sock.fire(t, model.EventError, model.ErrorEvent{MatchID: "ffffffffffffffffffffffff", Message: "elsewhere"})
	h.sock.fire(t, model.EventError, model.ErrorEvent{MatchID: matchID, Message: "Could not join the chat right now."})

	assert.False(t, h.session.Closed())
	assert.Empty(t, h.view.closed)
	assert.Equal(t, []string{"Could not join the chat right now."}, h.view.noticesAt(LevelWarning))

	h.sock.fire(t, model.EventConnect, struct{}{})
	assert.Equal(t, 2, h.sock.count(model.EventJoinRoom))
}

func TestServerDisconnectClosesSession(t *testing.T) {
	h := openHarness(t)
	h.sock.fire(t, model.EventDisconnect, model.DisconnectEvent{Reason: model.ReasonServerDisconnect})

	assert.True(t, h.session.Closed())
	assert.Len(t, h.view.closed, 1)
}

func TestTransientDisconnectRejoins(t *testing.T) {
	h := openHarness(t)
	h.sock.fire(t, model.EventUserTyping, model.TypingEvent{MatchID: matchID, UserID: otherID, UserName: "Acme"})

	h.sock.fire(t, model.EventDisconnect, model.DisconnectEvent{Reason: model.ReasonTransportClose})
	assert.False(t, h.session.Closed())
	assert.Empty(t, h.session.TypingUsers())
	assert.Len(t, h.view.noticesAt(LevelInfo), 1)

	for range 2 {
		h.sock.fire(t, model.EventConnectError, model.ConnectErrorEvent{Message: "refused"})
	}
	assert.Empty(t, h.view.noticesAt(LevelWarning))
	h.sock.fire(t, model.EventConnectError, model.ConnectErrorEvent{Message: "refused"})
	h.sock.fire(t, model.EventConnectError, model.ConnectErrorEvent{Message: "refused"})
	assert.Len(t, h.view.noticesAt(LevelWarning), 1)

	h.sock.fire(t, model.EventConnect, struct{}{})
	assert.Equal(t, 2, h.sock.count(model.EventJoinRoom))
	assert.Len(t, h.view.noticesAt(LevelInfo), 2)
}

func TestRemoteTyping(t *testing.T) {
	h := openHarness(t)

	h.sock.fire(t, model.EventUserTyping, model.TypingEvent{MatchID: matchID, UserID: selfID, UserName: "Casey"})
	assert.Empty(t, h.session.TypingUsers())

	h.sock.fire(t, model.EventUserTyping, model.TypingEvent{MatchID: "ffffffffffffffffffffffff", UserID: otherID, UserName: "Acme"})
	assert.Empty(t, h.session.TypingUsers())

	h.sock.fire(t, model.EventUserTyping, model.TypingEvent{MatchID: matchID, UserID: otherID, UserName: "Acme"})
	assert.Equal(t, map[string]string{otherID: "Acme"}, h.session.TypingUsers())
	assert.Equal(t, map[string]string{otherID: "Acme"}, h.view.typing)

	h.sock.fire(t, model.EventUserStopTyping, model.StopTypingEvent{MatchID: matchID, UserID: otherID})
	assert.Empty(t, h.session.TypingUsers())
	assert.Empty(t, h.view.typing)
}

func TestTypingStopsOnceAfterIdle(t *testing.T) {
	h := openHarness(t, WithTypingTimeout(100*time.Millisecond))

	for range 5 {
		h.session.KeyStroke()
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 1, h.sock.count(model.EventTyping))

	require.Eventually(t, func() bool { return h.sock.count(model.EventStopTyping) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, h.sock.count(model.EventStopTyping))

	// The next burst starts over.
	h.session.KeyStroke()
	assert.Equal(t, 2, h.sock.count(model.EventTyping))
}

func TestSendFlushesTyping(t *testing.T) {
	h := openHarness(t, WithTypingTimeout(time.Hour))

	h.session.KeyStroke()
	require.NoError(t, h.session.Send(context.Background(), "hi"))
	assert.Equal(t, 1, h.sock.count(model.EventStopTyping))
}

func TestCloseFlushesTyping(t *testing.T) {
	h := openHarness(t, WithTypingTimeout(time.Hour))

	h.session.KeyStroke()
	h.session.Close()
	h.session.Close()
	assert.Equal(t, 1, h.sock.count(model.EventStopTyping))

	h.session.KeyStroke()
	assert.Equal(t, 1, h.sock.count(model.EventTyping))
}
