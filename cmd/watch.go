package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/roomgate/pkg/protocol"
)

func watchCmd() *cobra.Command {
	var (
		gatewayURL  string
		token       string
		rooms       []string
		lastEventID uint64
		raw         bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live room events from a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsURL, err := watchURL(gatewayURL, rooms, lastEventID)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			header := http.Header{}
			if token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
			conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
			if err != nil {
				return fmt.Errorf("watch: ws dial: %w", err)
			}
			defer conn.CloseNow()
			conn.SetReadLimit(1 << 20)

			for {
				var frame protocol.EventFrame
				if err := wsjson.Read(ctx, conn, &frame); err != nil {
					var ce websocket.CloseError
					if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
						return nil
					}
					if ctx.Err() != nil {
						conn.Close(websocket.StatusNormalClosure, "bye")
						return nil
					}
					return fmt.Errorf("watch: read: %w", err)
				}
				printFrame(frame, raw)
			}
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "url", envOr("ROOMGATE_URL", "http://localhost:18800"), "gateway base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("ROOMGATE_GATEWAY_TOKEN"), "gateway bearer token")
	cmd.Flags().StringSliceVar(&rooms, "room", nil, "rooms to watch (repeatable, default all)")
	cmd.Flags().Uint64Var(&lastEventID, "last-event-id", 0, "resume after this event ID")
	cmd.Flags().BoolVar(&raw, "raw", false, "print frames as JSON")
	return cmd
}

// watchURL turns an http(s) gateway base URL into the /ws endpoint.
func watchURL(base string, rooms []string, lastEventID uint64) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("watch: bad url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws"
	q := u.Query()
	if len(rooms) > 0 {
		q.Set("rooms", strings.Join(rooms, ","))
	}
	if lastEventID > 0 {
		q.Set("last_event_id", strconv.FormatUint(lastEventID, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func printFrame(f protocol.EventFrame, raw bool) {
	if raw {
		b, _ := json.Marshal(f)
		fmt.Println(string(b))
		return
	}
	payload, _ := json.Marshal(f.Payload)
	room := f.RoomID
	if room == "" {
		room = "*"
	}
	fmt.Printf("#%-6d %-8s %-16s %s\n", f.Seq, room, f.Event, payload)
}
