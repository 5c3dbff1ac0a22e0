package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger a replay of the queued mutations",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(addr+"/sync", "application/json", nil)
			if err != nil {
				return fmt.Errorf("trigger sync: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("trigger sync: unexpected status %d", resp.StatusCode)
			}
			fmt.Println("Sync triggered.")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "address of the running daemon")
	return cmd
}
