package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/imaginario/searchd/internal/auth"
	"github.com/imaginario/searchd/internal/config"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Long: `Issue a signed bearer token for the HTTP API and the notification socket.

The token is printed to stdout so it can be captured:
  TOKEN=$(searchd token --user alice)
  curl -H "Authorization: Bearer $TOKEN" http://127.0.0.1:8080/api/v1/search/jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			user = cliUser()
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		tokens := auth.NewTokenAuthority(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
		token, err := tokens.Issue(user)
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}

		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user to issue the token for (default: $SEARCHD_USER or \"local\")")
}
