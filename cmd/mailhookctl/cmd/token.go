package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/mailhook/internal/auth"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a JWT for the webhook request log API",
	Long: `Sign a token granting read access to one server's webhook request log.
The private key must pair with the worker's JWT_PUBLIC_KEY_PEM.

Example:
  mailhookctl token --private-key jwt.pem --server-id srv_123
  export JWT_TOKEN=$(mailhookctl token --private-key jwt.pem --server-id srv_123)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("private-key")
		serverID, _ := cmd.Flags().GetString("server-id")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		raw, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("failed to read private key: %w", err)
		}
		key, err := auth.ParsePrivateKey(string(raw))
		if err != nil {
			return err
		}
		tok, err := auth.IssueToken(key, issuer, audience, serverID, ttl)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(w, map[string]any{
				"token":      tok,
				"expires_in": int(ttl.Seconds()),
				"token_type": "Bearer",
			})
		}
		_, err = fmt.Fprintln(w, tok)
		return err
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("private-key", "", "RSA private key PEM file (required)")
	tokenCmd.Flags().String("server-id", "", "server the token grants access to (required)")
	tokenCmd.Flags().String("issuer", "mailhook", "token issuer, must match JWT_ISSUER")
	tokenCmd.Flags().String("audience", "mailhook-api", "token audience, must match JWT_AUDIENCE")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	tokenCmd.MarkFlagRequired("private-key")
	tokenCmd.MarkFlagRequired("server-id")
}
