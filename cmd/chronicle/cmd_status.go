package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/chronicle/internal/backend"
	"github.com/user/chronicle/internal/broadcast"
	"github.com/user/chronicle/internal/lifecycle"
	"github.com/user/chronicle/internal/scheduler"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

type serverStatus struct {
	Status      string                `json:"status"`
	UptimeSec   int64                 `json:"uptime_sec"`
	Backend     *backend.Status       `json:"backend"`
	Connections int                   `json:"connections"`
	Broadcaster broadcast.Stats       `json:"broadcaster"`
	Jobs        []scheduler.JobStatus `json:"jobs"`
}

func fetchStatus(ctx context.Context, addr string) (*serverStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var st serverStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and backend status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		u := newUI(os.Stdout)

		rec, err := lifecycle.ReadRecord(cfg.RunDir())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if rec == nil {
			fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("server:"), u.state("stopped"))
			return nil
		}
		fmt.Fprintf(os.Stdout, "%s %s (PID %d, since %s)\n", u.Label("server:"),
			u.state(string(rec.State)), rec.PID, rec.UpdatedAt.Format(time.DateTime))
		if rec.State != lifecycle.StateRunning {
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		st, err := fetchStatus(ctx, rec.Addr)
		if err != nil {
			fmt.Fprintf(os.Stdout, "%s %s\n", u.Label("api:"), u.Error(err.Error()))
			return nil
		}
		fmt.Fprintf(os.Stdout, "%s %s on %s, up %s\n", u.Label("api:"), u.state(st.Status), rec.Addr,
			(time.Duration(st.UptimeSec) * time.Second).String())
		fmt.Fprintf(os.Stdout, "%s %d subscribers, %d broadcast, watermark %d\n", u.Label("stream:"),
			st.Connections, st.Broadcaster.Broadcast, st.Broadcaster.Watermark)

		if b := st.Backend; b != nil {
			fmt.Fprintf(os.Stdout, "%s %s, store %s (%d bytes)\n", u.Label("backend:"), b.Mode, b.StorePath, b.StoreSizeBytes)
			for _, bs := range b.Backends {
				health := "unknown"
				if bs.Checked {
					health = "unhealthy"
					if bs.Healthy {
						health = "healthy"
					}
				}
				line := fmt.Sprintf("  %-8s %s  writes=%d failures=%d", bs.Name, u.state(health), bs.Writes, bs.Failures)
				if bs.LastError != "" {
					line += " " + u.Dim(bs.LastError)
				}
				fmt.Fprintln(os.Stdout, line)
			}
		}
		if len(st.Jobs) > 0 {
			fmt.Fprintln(os.Stdout, u.Label("jobs:"))
		}
		for _, j := range st.Jobs {
			line := fmt.Sprintf("  %s %s runs=%d failures=%d", u.Bold(j.Name), u.Dim(j.Schedule), j.Runs, j.Failures)
			if j.LastErr != "" {
				line += " " + u.Warn(j.LastErr)
			}
			fmt.Fprintln(os.Stdout, line)
		}
		return nil
	},
}
