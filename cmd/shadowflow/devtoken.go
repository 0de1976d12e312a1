package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BuzzLyutic/shadowflow/internal/auth"
)

// devtoken mints tokens for local development against a server that shares
// the secret.
func newDevTokenCmd() *cobra.Command {
	var (
		userID string
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "devtoken",
		Short: "Mint a development bearer token",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.NewIssuer(secret).Issue(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&secret, "secret", "", "server JWT_SECRET (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "token lifetime")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("secret")
	return cmd
}
