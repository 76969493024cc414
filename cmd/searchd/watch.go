package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/imaginario/searchd/internal/auth"
	"github.com/imaginario/searchd/internal/config"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live job status updates",
	Long: `Stream live job status updates over the notification socket.

Runs until interrupted. Example:
  searchd watch &
  searchd jobs submit "kitten care" --strategy fuzzy_search`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		tokens := auth.NewTokenAuthority(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
		token, err := tokens.Issue(cliUser())
		if err != nil {
			return fmt.Errorf("issuing token: %w", err)
		}

		wsURL := fmt.Sprintf("ws://127.0.0.1:%d/api/v1/notifications", cfg.Server.Port)
		conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
		if err != nil {
			return fmt.Errorf("server not reachable — is searchd running? (%w)", err)
		}
		defer conn.Close()

		send := func(typ string, data any) error {
			return conn.WriteJSON(map[string]any{"type": typ, "data": data})
		}
		if err := send("authenticate", map[string]string{"token": token}); err != nil {
			return err
		}
		if err := send("subscribe_jobs", nil); err != nil {
			return err
		}

		printStep("Watching job updates for user %s", cliUser())

		for {
			var frame struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return fmt.Errorf("connection closed: %w", err)
			}

			switch frame.Type {
			case "authenticated", "subscribed":
				// Handshake acknowledgements.
			case "error":
				var e struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				}
				json.Unmarshal(frame.Data, &e)
				return fmt.Errorf("server error: %s (%s)", e.Message, e.Code)
			case "job_update":
				var ev struct {
					JobID     string `json:"job_id"`
					Status    string `json:"status"`
					Message   string `json:"message"`
					Timestamp string `json:"timestamp"`
				}
				if err := json.Unmarshal(frame.Data, &ev); err != nil {
					continue
				}
				color := colorCyan
				switch ev.Status {
				case "completed":
					color = colorGreen
				case "failed":
					color = colorRed
				case "cancelled":
					color = colorYellow
				}
				fmt.Printf("%s  %s  %-10s  %s\n",
					ev.Timestamp,
					colorize(colorCyan, shortID(ev.JobID)),
					colorize(color, ev.Status),
					ev.Message,
				)
			}
		}
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
