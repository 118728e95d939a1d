package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-reservation/internal/config"
	"github.com/iliyamo/slot-reservation/internal/utils"
)

func newTokenCmd() *cobra.Command {
	var (
		session string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := config.LoadSession()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = sc.SessionTTL
			}
			tok, err := utils.NewSessionToken(sc.JWTSecret, session, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "session=%s role=%s expires=%s\n", tok.SessionID, role, tok.Exp.Format(time.RFC3339))
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id (random when empty)")
	cmd.Flags().StringVar(&role, "role", utils.RoleClient, "role claim: client or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default SESSION_TOKEN_TTL)")
	return cmd
}
