package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/chat-relay/internal/httpapi/middleware"
)

// newTokenCmd mints a bearer token for local testing against JWT_SECRET.
func newTokenCmd() *cobra.Command {
	var uid uint64
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if uid == 0 {
				return errors.New("--uid is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := middleware.SignToken(cfg.JWTSecret, uid, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&uid, "uid", 0, "user id to put in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
