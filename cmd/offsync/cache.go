package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all cache generations",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Post(addr+"/cache/clear", "application/json", nil)
			if err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				return fmt.Errorf("clear cache: unexpected status %d", resp.StatusCode)
			}
			fmt.Println("All cache generations cleared.")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "address of the running daemon")
	cmd.AddCommand(clearCmd)
	return cmd
}
