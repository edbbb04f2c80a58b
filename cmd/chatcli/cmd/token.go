package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/swipehire/matchchat/internal/auth"
)

var (
	tokenSecret string
	tokenIssuer string
	tokenName   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a development access token",
	Long: `Mint an HS256 access token the way the identity provider does.
Only useful against a server that shares the same JWT_SECRET.

Examples:
  chatcli token cand-1 --name Casey --secret dev-secret`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			return fmt.Errorf("--secret or $JWT_SECRET is required")
		}
		tok, err := auth.MakeJWT(auth.User{ID: args[0], Name: tokenName}, tokenSecret, tokenIssuer, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("JWT_SECRET"), "signing secret")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", os.Getenv("JWT_ISS"), "token issuer")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
