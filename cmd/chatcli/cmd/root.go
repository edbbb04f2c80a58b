// Package cmd holds the chatcli commands.
package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/swipehire/matchchat/internal/logging"
)

var (
	serverURL string
	token     string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Terminal client for the match chat server",
	Long: `chatcli talks to a match chat server over its REST API and socket.

Available commands:
  chat       Open an interactive chat for one match
  token      Mint a development access token
  loadtest   Drive traffic through one match room

Use "chatcli [command] --help" for more information about a command.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(logging.NewWithWriter(os.Stderr, "text", logLevel))
	},
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("CHAT_SERVER", "http://localhost:8080"), "chat server base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CHAT_TOKEN"), "access token (defaults to $CHAT_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// socketURL maps the server base URL to its socket endpoint.
func socketURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return base + "/ws"
}
