package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medbridge/medsync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the authoritative sync store",
	Long: `Run the authoritative store that devices push to and pull from.

The store applies each operation in its own transaction under optimistic
concurrency: an op whose base version no longer matches the stored version
is rejected as a conflict, never silently overwritten. Replayed op ids
return their original outcome.

Endpoints:
  POST /sync/push   apply a batch of queued ops
  GET  /sync/pull   fetch records changed since a watermark
  GET  /healthz     liveness probe (no auth)`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(log.Writer(), "[serve] ", log.LstdFlags)

		store, err := server.Open(cfg.StorePath, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := store.InitSchema(); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		handler := server.NewHandler(store, cfg.AuthToken, logger)
		srv := &http.Server{
			Addr:        cfg.ListenAddr,
			Handler:     handler.Router(),
			ReadTimeout: 30 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Printf("Listening on %s (store: %s)", cfg.ListenAddr, cfg.StorePath)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		fmt.Printf("Sync store listening on %s\n", cfg.ListenAddr)
		fmt.Println("Press Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		select {
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "Error: server failed: %v\n", err)
			os.Exit(1)
		case <-ctx.Done():
		}

		fmt.Println("\nShutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
