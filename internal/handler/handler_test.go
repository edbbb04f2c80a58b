package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swipehire/matchchat/internal/auth"
	"github.com/swipehire/matchchat/internal/database"
	"github.com/swipehire/matchchat/internal/model"
)

const testMatchID = "64b7f0a1c2d3e4f5a6b7c8d9"

type fakeStore struct {
	mu       sync.Mutex
	matches  map[string]model.Match
	messages []model.ChatMessage
	created  []database.CreateMessageParams
	getErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{matches: map[string]model.Match{
		testMatchID: {
			ID:          testMatchID,
			CandidateID: "cand-1",
			CompanyID:   "comp-1",
			History: []model.StatusEntry{
				{Stage: "Interview", Timestamp: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
				{Stage: "Matched", Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
			},
		},
	}}
}

func (f *fakeStore) GetMatch(_ context.Context, id string) (model.Match, error) {
	if f.getErr != nil {
		return model.Match{}, f.getErr
	}
	m, ok := f.matches[id]
	if !ok {
		return model.Match{}, database.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) ListMessages(_ context.Context, matchID string, limit int) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ChatMessage
	for _, m := range f.messages {
		if m.MatchID == matchID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, arg database.CreateMessageParams) (model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, arg)
	msg := model.ChatMessage{
		ID:           model.NewObjectID(),
		MatchID:      arg.MatchID,
		SenderID:     arg.SenderID,
		ReceiverID:   arg.ReceiverID,
		Text:         arg.Content,
		ClientTempID: arg.ClientTempID.String,
		CreatedAt:    time.Now(),
	}
	f.messages = append(f.messages, msg)
	return msg, nil
}

type published struct {
	matchID string
	event   string
	data    any
}

type fakePublisher struct {
	events []published
	err    error
}

func (p *fakePublisher) PublishEvent(_ context.Context, matchID, event string, data any, _ string) error {
	p.events = append(p.events, published{matchID: matchID, event: event, data: data})
	return p.err
}

func asUser(id string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id != "" {
				r = r.WithContext(auth.WithUser(r.Context(), auth.User{ID: id, Name: id}))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newTestRouter(userID string, store MatchStore, pub Publisher) http.Handler {
	r := chi.NewRouter()
	r.Use(asUser(userID))
	r.Get("/api/matches/{matchID}", ServeMatch(store))
	r.Get("/api/matches/{matchID}/messages", ServeMessages(store))
	r.Post("/api/matches/{matchID}/messages", ServeSendMessage(store, pub))
	return r
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestServeMatch(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		matchID  string
		getErr   error
		wantCode int
	}{
		{name: "participant", userID: "cand-1", matchID: testMatchID, wantCode: http.StatusOK},
		{name: "other side", userID: "comp-1", matchID: testMatchID, wantCode: http.StatusOK},
		{name: "malformed id", userID: "cand-1", matchID: "not-an-id", wantCode: http.StatusBadRequest},
		{name: "unknown match", userID: "cand-1", matchID: "ffffffffffffffffffffffff", wantCode: http.StatusNotFound},
		{name: "not participant", userID: "someone", matchID: testMatchID, wantCode: http.StatusForbidden},
		{name: "no user", matchID: testMatchID, wantCode: http.StatusUnauthorized},
		{name: "store failure", userID: "cand-1", matchID: testMatchID, getErr: errors.New("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.getErr = tt.getErr
			w := do(newTestRouter(tt.userID, store, &fakePublisher{}), http.MethodGet, "/api/matches/"+tt.matchID, "")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
		})
	}
}

func TestServeMatchSortsHistory(t *testing.T) {
	w := do(newTestRouter("cand-1", newFakeStore(), &fakePublisher{}), http.MethodGet, "/api/matches/"+testMatchID, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Less(t, strings.Index(body, `"Matched"`), strings.Index(body, `"Interview"`))
}

func TestServeMessages(t *testing.T) {
	store := newFakeStore()
	for i := range 3 {
		store.messages = append(store.messages, model.ChatMessage{
			ID:      model.NewObjectID(),
			MatchID: testMatchID,
			Text:    strings.Repeat("x", i+1),
		})
	}
	h := newTestRouter("comp-1", store, &fakePublisher{})

	t.Run("default limit", func(t *testing.T) {
		w := do(h, http.MethodGet, "/api/matches/"+testMatchID+"/messages", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 3, strings.Count(w.Body.String(), `"text"`))
	})

	t.Run("explicit limit keeps the latest", func(t *testing.T) {
		w := do(h, http.MethodGet, "/api/matches/"+testMatchID+"/messages?limit=1", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"text":"xxx"`)
		assert.NotContains(t, w.Body.String(), `"text":"x"`)
	})

	t.Run("bad limit", func(t *testing.T) {
		w := do(h, http.MethodGet, "/api/matches/"+testMatchID+"/messages?limit=-4", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty history is an empty list", func(t *testing.T) {
		w := do(newTestRouter("comp-1", newFakeStore(), &fakePublisher{}), http.MethodGet, "/api/matches/"+testMatchID+"/messages", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `[]`, w.Body.String())
	})
}

func TestServeSendMessage(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantText  string
		published bool
	}{
		{
			name:      "stored and published",
			body:      `{"text":"hello there","clientTempId":"temp-1700000000000"}`,
			wantCode:  http.StatusCreated,
			wantText:  "hello there",
			published: true,
		},
		{
			name:      "markup is stripped",
			body:      `{"text":"<b>hi</b><script>alert(1)</script>"}`,
			wantCode:  http.StatusCreated,
			wantText:  "hi",
			published: true,
		},
		{name: "missing text", body: `{"clientTempId":"temp-1"}`, wantCode: http.StatusBadRequest},
		{name: "only markup", body: `{"text":"<script></script>"}`, wantCode: http.StatusBadRequest},
		{name: "too long", body: `{"text":"` + strings.Repeat("a", 2001) + `"}`, wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"text":"hi","admin":true}`, wantCode: http.StatusBadRequest},
		{name: "not json", body: `hello`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			pub := &fakePublisher{}
			w := do(newTestRouter("cand-1", store, pub), http.MethodPost, "/api/matches/"+testMatchID+"/messages", tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())

			if !tt.published {
				assert.Empty(t, pub.events)
				assert.Empty(t, store.created)
				return
			}

			require.Len(t, store.created, 1)
			assert.Equal(t, tt.wantText, store.created[0].Content)
			assert.Equal(t, "cand-1", store.created[0].SenderID)
			assert.Equal(t, "comp-1", store.created[0].ReceiverID)

			require.Len(t, pub.events, 1)
			assert.Equal(t, testMatchID, pub.events[0].matchID)
			assert.Equal(t, model.EventNewMessage, pub.events[0].event)
		})
	}
}

func TestServeSendMessageEchoesTempID(t *testing.T) {
	store := newFakeStore()
	w := do(newTestRouter("comp-1", store, &fakePublisher{}), http.MethodPost,
		"/api/matches/"+testMatchID+"/messages", `{"text":"hi","clientTempId":"temp-42"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"clientTempId":"temp-42"`)
	assert.Equal(t, "cand-1", store.created[0].ReceiverID)
}

func TestServeSendMessagePublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	w := do(newTestRouter("cand-1", newFakeStore(), pub), http.MethodPost,
		"/api/matches/"+testMatchID+"/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestServeSendMessageForbidden(t *testing.T) {
	store := newFakeStore()
	w := do(newTestRouter("intruder", store, &fakePublisher{}), http.MethodPost,
		"/api/matches/"+testMatchID+"/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, store.created)
}

type fakePrefs struct {
	values map[string]map[string]string
}

func (f *fakePrefs) Get(_ context.Context, userID string) (model.Preferences, error) {
	return model.Preferences{UserID: userID, Values: f.values[userID]}, nil
}

func (f *fakePrefs) Update(_ context.Context, userID string, values map[string]string) (model.Preferences, error) {
	if f.values[userID] == nil {
		f.values[userID] = map[string]string{}
	}
	for k, v := range values {
		if v == "" {
			delete(f.values[userID], k)
			continue
		}
		f.values[userID][k] = v
	}
	return f.Get(context.Background(), userID)
}

func TestPreferences(t *testing.T) {
	store := &fakePrefs{values: map[string]map[string]string{}}
	r := chi.NewRouter()
	r.Use(asUser("cand-1"))
	r.Get("/api/me/preferences", ServeGetPreferences(store))
	r.Put("/api/me/preferences", ServeUpdatePreferences(store))

	w := do(r, http.MethodPut, "/api/me/preferences", `{"values":{"theme":"dark"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"cand-1","values":{"theme":"dark"}}`, w.Body.String())

	w = do(r, http.MethodGet, "/api/me/preferences", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"cand-1","values":{"theme":"dark"}}`, w.Body.String())

	w = do(r, http.MethodPut, "/api/me/preferences", `{"values":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeHealth(t *testing.T) {
	w := do(ServeHealth(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
