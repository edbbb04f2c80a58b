package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/swipehire/matchchat/internal/auth"
	"github.com/swipehire/matchchat/internal/chat"
	"github.com/swipehire/matchchat/internal/chatapi"
	"github.com/swipehire/matchchat/internal/model"
	"github.com/swipehire/matchchat/internal/preferences"
	"github.com/swipehire/matchchat/internal/socket"
)

var chatCmd = &cobra.Command{
	Use:   "chat <match-id>",
	Short: "Open an interactive chat for one match",
	Long: `Open the chat of a match and read lines from stdin. Every line is
sent as a message; /quit leaves the chat and /pref <key> [value] changes a
preference (an empty value removes it). Setting clock to 12h prints times in
12 hour format.

Examples:
  chatcli chat 64b7f0a1c2d3e4f5a6b7c8d9 --token "$(chatcli token cand-1 --name Casey)"`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// tokenUser reads the identity from the token. The server verifies it; the
// client only needs to know who it is.
func tokenUser(tok string) (model.Participant, error) {
	claims := &auth.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return model.Participant{}, fmt.Errorf("unreadable token: %w", err)
	}
	if claims.Subject == "" {
		return model.Participant{}, errors.New("token has no subject")
	}
	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return model.Participant{ID: claims.Subject, Name: name}, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	matchID := args[0]
	if token == "" {
		return errors.New("--token or $CHAT_TOKEN is required")
	}
	self, err := tokenUser(token)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	api := chatapi.New(strings.TrimRight(serverURL, "/"), token, nil)

	view := newTermView(out, self.ID)
	prefs := preferences.NewStore(api)
	defer prefs.Subscribe(view.PreferencesChanged)()
	// Failures are reported by the view; the chat works without a profile.
	_ = prefs.Load(ctx, self.ID)

	var otherID string
	if model.IsObjectID(matchID) {
		match, err := api.Match(ctx, matchID)
		if err != nil {
			return fmt.Errorf("could not load match: %w", err)
		}
		otherID = match.OtherParticipant(self.ID)
		if stage, ok := match.CurrentStage(); ok {
			fmt.Fprintf(out, "* %s: %s\n", stage.Stage, stage.Description)
		}
	}

	registry := socket.NewRegistry(socket.Config{URL: socketURL(serverURL)})
	defer registry.Reset()

	sock, err := registry.Obtain(ctx, self.ID, token)
	if err != nil {
		return err
	}

	session := chat.NewSession(sock, api, view, chat.Config{
		MatchID: matchID,
		Self:    self,
		OtherID: otherID,
	})
	defer session.Close()

	if err := session.Open(ctx); err != nil {
		fmt.Fprintf(out, "! %v\n", err)
	}

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-view.done:
			return nil
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			if strings.HasPrefix(line, prefCommand) {
				setPreference(ctx, out, prefs, line)
				continue
			}
			session.KeyStroke()
			if err := session.Send(ctx, line); err != nil && !errors.Is(err, chat.ErrSendingDisabled) {
				fmt.Fprintf(out, "! %v\n", err)
			}
		}
	}
}

const (
	prefCommand = "/pref"
	clockKey    = "clock"
)

// setPreference handles "/pref <key> [value]".
func setPreference(ctx context.Context, out io.Writer, prefs *preferences.Store, line string) {
	fields := strings.Fields(strings.TrimPrefix(line, prefCommand))
	if len(fields) == 0 {
		fmt.Fprintln(out, "! usage: /pref <key> [value]")
		return
	}
	key, value := fields[0], strings.Join(fields[1:], " ")

	err := prefs.Set(ctx, key, value)
	switch {
	case errors.Is(err, preferences.ErrNotReady):
		fmt.Fprintf(out, "! preferences not loaded (%s), %s was not changed\n", prefs.State().Kind(), key)
	case err != nil:
		fmt.Fprintf(out, "! could not save %s: %v\n", key, err)
	case value == "":
		fmt.Fprintf(out, "* %s cleared\n", key)
	default:
		fmt.Fprintf(out, "* %s set to %s\n", key, value)
	}
}

// clockLayout is the time layout the profile asks for.
func clockLayout(p model.Preferences) string {
	if p.Values[clockKey] == "12h" {
		return "3:04PM"
	}
	return "15:04"
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

// termView prints the chat as plain lines. Each message is printed once
// when first seen and again only when it gets confirmed or read.
type termView struct {
	out    io.Writer
	selfID string

	mu       sync.Mutex
	layout   string
	rendered map[string]string
	done     chan struct{}
	once     sync.Once
}

func newTermView(out io.Writer, selfID string) *termView {
	return &termView{
		out:      out,
		selfID:   selfID,
		layout:   clockLayout(model.Preferences{}),
		rendered: map[string]string{},
		done:     make(chan struct{}),
	}
}

// PreferencesChanged follows the preferences store.
func (v *termView) PreferencesChanged(st preferences.State) {
	if reason, failed := st.Reason(); failed {
		fmt.Fprintf(v.out, "! preferences unavailable: %s\n", reason)
		return
	}
	p, ok := st.Profile()
	if !ok {
		return
	}
	v.mu.Lock()
	v.layout = clockLayout(p)
	v.mu.Unlock()
}

func (v *termView) MessagesChanged(msgs []model.ChatMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, m := range msgs {
		key := m.ID
		if m.ClientTempID != "" {
			key = m.ClientTempID
		}
		status := v.status(m)
		if prev, ok := v.rendered[key]; ok && prev == status {
			continue
		}
		v.rendered[key] = status
		fmt.Fprintf(v.out, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format(v.layout), v.who(m), m.Text, status)
	}
}

func (v *termView) who(m model.ChatMessage) string {
	if m.IsFrom(v.selfID) {
		return "you"
	}
	return "them"
}

func (v *termView) status(m model.ChatMessage) string {
	switch {
	case m.Pending():
		return " (sending)"
	case m.IsFrom(v.selfID) && m.Read:
		return " (read)"
	}
	return ""
}

func (v *termView) TypingChanged(users map[string]string) {
	for _, name := range users {
		fmt.Fprintf(v.out, "* %s is typing...\n", name)
	}
}

func (v *termView) RestoreInput(text string) {
	fmt.Fprintf(v.out, "! not sent, retype to retry: %s\n", text)
}

func (v *termView) Notify(n chat.Notice) {
	prefix := "*"
	if n.Level != chat.LevelInfo {
		prefix = "!"
	}
	fmt.Fprintf(v.out, "%s %s\n", prefix, n.Message)
}

func (v *termView) Closed(string) {
	v.once.Do(func() { close(v.done) })
}
