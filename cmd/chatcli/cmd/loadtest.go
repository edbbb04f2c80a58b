package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/swipehire/matchchat/internal/auth"
	"github.com/swipehire/matchchat/internal/chatapi"
	"github.com/swipehire/matchchat/internal/model"
	"github.com/swipehire/matchchat/internal/socket"
)

var (
	loadSecret      string
	loadCandidate   string
	loadCompany     string
	loadMessages    int
	loadConcurrency int
	loadTimeout     time.Duration
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest <match-id>",
	Short: "Drive traffic through one match room",
	Long: `Connect both participants of a match, send messages from both sides
concurrently and report how long the broadcasts took to arrive.

Tokens are minted locally, so the server's JWT_SECRET is required.

Examples:
  chatcli loadtest 64b7f0a1c2d3e4f5a6b7c8d9 --candidate cand-1 --company comp-1 --secret dev-secret`,
	Args: cobra.ExactArgs(1),
	RunE: runLoadtest,
}

func init() {
	loadtestCmd.Flags().StringVar(&loadSecret, "secret", os.Getenv("JWT_SECRET"), "signing secret shared with the server")
	loadtestCmd.Flags().StringVar(&loadCandidate, "candidate", "", "candidate user id of the match")
	loadtestCmd.Flags().StringVar(&loadCompany, "company", "", "company user id of the match")
	loadtestCmd.Flags().IntVar(&loadMessages, "messages", 100, "messages per participant")
	loadtestCmd.Flags().IntVar(&loadConcurrency, "concurrency", 8, "concurrent send requests per participant")
	loadtestCmd.Flags().DurationVar(&loadTimeout, "timeout", time.Minute, "overall deadline")
	rootCmd.AddCommand(loadtestCmd)
}

// participant is one connected side of the match.
type participant struct {
	id   string
	api  *chatapi.Client
	sock *socket.Manager

	mu       sync.Mutex
	received map[string]time.Duration
	done     chan struct{}
	expected int
}

func (p *participant) onNewMessage(data json.RawMessage) {
	var msg model.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.received[msg.ID]; seen {
		return
	}
	p.received[msg.ID] = time.Since(msg.CreatedAt)
	if len(p.received) == p.expected {
		close(p.done)
	}
}

func runLoadtest(cmd *cobra.Command, args []string) error {
	matchID := args[0]
	if loadSecret == "" {
		return errors.New("--secret or $JWT_SECRET is required")
	}
	if loadCandidate == "" || loadCompany == "" {
		return errors.New("--candidate and --company are required")
	}
	if loadMessages <= 0 || loadConcurrency <= 0 {
		return errors.New("--messages and --concurrency must be positive")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), loadTimeout)
	defer cancel()

	base := strings.TrimRight(serverURL, "/")

	registry := socket.NewRegistry(socket.Config{URL: socketURL(serverURL)})
	defer registry.Reset()

	total := 2 * loadMessages
	var sides []*participant
	for _, id := range []string{loadCandidate, loadCompany} {
		tok, err := auth.MakeJWT(auth.User{ID: id, Name: "load-" + id}, loadSecret, os.Getenv("JWT_ISS"), time.Hour)
		if err != nil {
			return err
		}

		p := &participant{
			id:       id,
			api:      chatapi.New(base, tok, nil),
			received: map[string]time.Duration{},
			done:     make(chan struct{}),
			expected: total,
		}

		joined := make(chan struct{}, 1)
		p.sock, err = registry.Obtain(ctx, id, tok)
		if err != nil {
			return err
		}
		p.sock.On(model.EventNewMessage, p.onNewMessage)
		p.sock.On(model.EventRoomJoined, func(json.RawMessage) {
			select {
			case joined <- struct{}{}:
			default:
			}
		})
		p.sock.On(model.EventConnect, func(json.RawMessage) {
			_ = p.sock.Emit(ctx, model.EventJoinRoom, matchID)
		})
		if p.sock.Connected() {
			_ = p.sock.Emit(ctx, model.EventJoinRoom, matchID)
		}

		select {
		case <-joined:
		case <-ctx.Done():
			return fmt.Errorf("participant %s could not join the room: %w", id, ctx.Err())
		}
		sides = append(sides, p)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range sides {
		sem := make(chan struct{}, loadConcurrency)
		for i := range loadMessages {
			sem <- struct{}{}
			g.Go(func() error {
				defer func() { <-sem }()
				_, err := p.api.Send(gctx, matchID, model.SendMessageRequest{
					Text: fmt.Sprintf("load %s #%d", p.id, i),
				})
				return err
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	sendTime := time.Since(start)

	for _, p := range sides {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.mu.Lock()
			got := len(p.received)
			p.mu.Unlock()
			return fmt.Errorf("participant %s received %d of %d messages", p.id, got, total)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "sent %d messages in %s (%.0f msg/s)\n", total, sendTime.Round(time.Millisecond), float64(total)/sendTime.Seconds())
	for _, p := range sides {
		p.mu.Lock()
		lat := make([]time.Duration, 0, len(p.received))
		for _, d := range p.received {
			lat = append(lat, d)
		}
		p.mu.Unlock()
		slices.Sort(lat)
		fmt.Fprintf(out, "%s: p50 %s p95 %s max %s\n", p.id,
			percentile(lat, 50), percentile(lat, 95), lat[len(lat)-1].Round(time.Millisecond))
	}
	return nil
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := (len(sorted) - 1) * p / 100
	return sorted[i].Round(time.Millisecond)
}
