// Package chatapi is the REST client of the chat server.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/swipehire/matchchat/internal/model"
)

var (
	ErrUnauthorized = errors.New("chatapi: unauthorized")
	ErrForbidden    = errors.New("chatapi: forbidden")
	ErrNotFound     = errors.New("chatapi: not found")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatapi: unexpected status %d", e.Code)
	}
	return fmt.Sprintf("chatapi: %s (status %d)", e.Message, e.Code)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient}
}

// Match fetches a match record.
func (c *Client) Match(ctx context.Context, matchID string) (model.Match, error) {
	var m model.Match
	err := c.do(ctx, http.MethodGet, "/api/matches/"+url.PathEscape(matchID), nil, &m)
	return m, err
}

// History fetches up to limit recent messages, oldest first. A limit of
// zero uses the server default.
func (c *Client) History(ctx context.Context, matchID string, limit int) ([]model.ChatMessage, error) {
	path := "/api/matches/" + url.PathEscape(matchID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var msgs []model.ChatMessage
	err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

// Send persists a message and returns the server copy.
func (c *Client) Send(ctx context.Context, matchID string, req model.SendMessageRequest) (model.ChatMessage, error) {
	var msg model.ChatMessage
	err := c.do(ctx, http.MethodPost, "/api/matches/"+url.PathEscape(matchID)+"/messages", req, &msg)
	return msg, err
}

func (c *Client) GetPreferences(ctx context.Context) (model.Preferences, error) {
	var p model.Preferences
	err := c.do(ctx, http.MethodGet, "/api/me/preferences", nil, &p)
	return p, err
}

func (c *Client) UpdatePreferences(ctx context.Context, values map[string]string) (model.Preferences, error) {
	var p model.Preferences
	err := c.do(ctx, http.MethodPut, "/api/me/preferences", model.UpdatePreferencesRequest{Values: values}, &p)
	return p, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		p, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chatapi: encode request: %w", err)
		}
		rd = bytes.NewReader(p)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("chatapi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chatapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("chatapi: decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&body)

	var sentinel error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case http.StatusForbidden:
		sentinel = ErrForbidden
	case http.StatusNotFound:
		sentinel = ErrNotFound
	default:
		return &StatusError{Code: resp.StatusCode, Message: body.Error}
	}
	if body.Error != "" {
		return fmt.Errorf("%w: %s", sentinel, body.Error)
	}
	return sentinel
}
