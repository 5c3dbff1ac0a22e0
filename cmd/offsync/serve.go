package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"offsync/internal/offsync"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the interception daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := offsync.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			svc, err := offsync.NewService(cfg)
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}
			defer svc.Close()

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}

			srv := &http.Server{
				Handler:           svc.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Install/activate runs alongside the server: a promote-gated
			// activation needs the control endpoint to already be up.
			go func() {
				if err := svc.Startup(ctx); err != nil {
					log.Printf("startup: %v", err)
				}
			}()

			go func() {
				log.Printf("offsync listening on %s, origin=%s", addr, cfg.Server.Origin)
				err := srv.Serve(ln)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("server error: %v", err)
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c",
		getenvDefault("OFFSYNC_CONFIG", "offsync.yaml"), "path to offsync.yaml")
	return cmd
}
