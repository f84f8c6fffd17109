package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func sendCmd() *cobra.Command {
	var (
		gatewayURL string
		token      string
		room       string
		sender     string
		turn       string
		agents     []string
		newTurn    bool
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Submit a message to a room on a running gateway",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if room == "" {
				return fmt.Errorf("--room is required")
			}
			if newTurn && turn == "" {
				turn = uuid.NewString()
			}
			body, err := json.Marshal(map[string]interface{}{
				"sender_id": sender,
				"content":   strings.Join(args, " "),
				"turn_id":   turn,
				"agent_ids": agents,
			})
			if err != nil {
				return err
			}

			endpoint := strings.TrimRight(gatewayURL, "/") + "/v1/rooms/" + url.PathEscape(room) + "/messages"
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			defer resp.Body.Close()

			out, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			fmt.Printf("%s %s\n", resp.Status, bytes.TrimSpace(out))
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				fmt.Fprintf(os.Stderr, "retry after %ss\n", ra)
			}
			if resp.StatusCode >= 300 {
				return fmt.Errorf("gateway returned %d", resp.StatusCode)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "url", envOr("ROOMGATE_URL", "http://localhost:18800"), "gateway base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ROOMGATE_GATEWAY_TOKEN"), "gateway bearer token")
	cmd.Flags().StringVar(&room, "room", "", "room ID")
	cmd.Flags().StringVar(&sender, "sender", "cli", "sender ID")
	cmd.Flags().StringVar(&turn, "turn", "", "client turn ID (idempotency key)")
	cmd.Flags().BoolVar(&newTurn, "new-turn", false, "generate a random turn ID")
	cmd.Flags().StringSliceVar(&agents, "agent", nil, "agent IDs to address (repeatable)")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
