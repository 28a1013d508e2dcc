package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"github.com/user/chronicle/internal/lifecycle"
	"github.com/user/chronicle/internal/types"
)

var tailFilter string

func init() {
	tailCmd.Flags().StringVarP(&tailFilter, "filter", "f", "", `CEL filter, e.g. eventType == "tool_use-pre"`)
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow live events from the running server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		addr := cfg.Server.Addr
		if rec, err := lifecycle.ReadRecord(cfg.RunDir()); err == nil && rec.Addr != "" {
			addr = rec.Addr
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		u := url.URL{Scheme: "ws", Host: addr, Path: "/api/ws"}
		if tailFilter != "" {
			u.RawQuery = url.Values{"filter": {tailFilter}}.Encode()
		}
		dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		conn, _, err := websocket.Dial(dctx, u.String(), nil)
		cancel()
		if err != nil {
			return fmt.Errorf("connect %s: %w", u.String(), err)
		}
		defer conn.CloseNow()

		style := newUI(os.Stdout)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
			var msg types.BroadcastMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				fmt.Fprintln(os.Stderr, style.Warn("undecodable message: "+err.Error()))
				continue
			}
			fmt.Fprintf(os.Stdout, "%s %s %s %s\n",
				style.Dim(fmt.Sprintf("%6d", msg.Sequence)),
				msg.Timestamp.Local().Format(time.TimeOnly),
				style.Bold(string(msg.EventType)),
				style.Dim(string(msg.SessionID)),
			)
		}
	},
}
