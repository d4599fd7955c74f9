package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/medbridge/medsync/internal/conflict"
	"github.com/medbridge/medsync/internal/device"
	"github.com/medbridge/medsync/internal/engine"
	"github.com/medbridge/medsync/internal/entity"
	"github.com/medbridge/medsync/internal/monitor"
	"github.com/medbridge/medsync/internal/queue"
	"github.com/medbridge/medsync/internal/watcher"
)

var agentCmd = &cobra.Command{
	Use:     "agent",
	GroupID: "sync",
	Short:   "Run the background sync agent",
	Long: `Run the device-side sync daemon.

The agent pushes the durable op queue to the authoritative store and pulls
incremental deltas on a fixed interval, and immediately after local writes.
Cycles are skipped silently while the device is offline; queued ops survive
restarts and are retried on the next cycle.

With a spool directory configured, JSON op files dropped there are ingested
into the queue and removed. With a monitor port configured, sync activity
is broadcast over WebSocket for operator dashboards.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.New(log.Writer(), "[agent] ", log.LstdFlags)

		store, err := openState()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		q := queue.New(store, logger)
		ident := device.New(store, logger)
		conflicts := conflict.New(store, logger)
		collections := entity.NewCollections(store, logger)
		client := engine.NewClient(cfg.ServerURL, nil)

		deviceID, err := ident.EnsureID()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var events engine.Events
		var mon *monitor.Server
		if cfg.MonitorPort > 0 {
			mon = monitor.NewServer(&monitor.Config{
				Port:   cfg.MonitorPort,
				Logger: log.New(log.Writer(), "[monitor] ", log.LstdFlags),
			})
			if err := mon.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting monitor: %v\n", err)
				os.Exit(1)
			}
			defer mon.Stop()
			events = monitor.NewHandler(mon, logger)
			fmt.Printf("Monitor: ws://localhost:%d/ws\n", cfg.MonitorPort)
		}

		eng := engine.New(q, ident, conflicts, collections, client, engine.Config{
			Interval: cfg.SyncInterval,
			Token: func(ctx context.Context) (string, error) {
				return cfg.AuthToken, nil
			},
			Events: events,
			Logger: logger,
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var wg sync.WaitGroup

		if cfg.SpoolDir != "" {
			spool := cfg.SpoolDir
			if !filepath.IsAbs(spool) {
				spool = filepath.Join(cfg.DataDir, spool)
			}
			w, err := watcher.New(spool, q, eng, &watcher.Config{Logger: logger})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error starting watcher: %v\n", err)
				os.Exit(1)
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := w.Start(ctx); err != nil {
					logger.Printf("Watcher stopped: %v", err)
				}
			}()
			fmt.Printf("Spool: %s\n", spool)
		}

		fmt.Printf("Agent running (device %s, server %s, every %s)\n",
			deviceID, cfg.ServerURL, cfg.SyncInterval)
		fmt.Println("Press Ctrl+C to stop...")

		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Run(ctx)
		}()

		<-ctx.Done()
		fmt.Println("\nShutting down agent...")
		wg.Wait()
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
}
