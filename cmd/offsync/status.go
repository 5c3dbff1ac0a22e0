package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"offsync/internal/offsync"
)

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine state and queue backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(addr + "/statusz")
			if err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}
			defer resp.Body.Close()

			var st offsync.Status
			if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			fmt.Printf("Lifecycle: %s\n", st.Lifecycle)
			fmt.Printf("Replayer:  %s\n", st.Replayer)
			fmt.Printf("Online:    %v\n", st.Online)
			fmt.Printf("Attached:  %d\n", st.Attached)
			fmt.Printf("Backlog:   %d\n", st.Backlog)
			fmt.Printf("Hits:      %d\nMisses:    %d\nStale:     %d\nOffline:   %d\nQueued:    %d\nReplayed:  %d\n",
				st.Stats.Hits, st.Stats.Misses, st.Stats.Stale, st.Stats.Offline, st.Stats.Queued, st.Stats.Replayed)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "address of the running daemon")
	return cmd
}
