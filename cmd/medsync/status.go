package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/medbridge/medsync/internal/conflict"
	"github.com/medbridge/medsync/internal/device"
	"github.com/medbridge/medsync/internal/engine"
	"github.com/medbridge/medsync/internal/entity"
	"github.com/medbridge/medsync/internal/queue"
	"github.com/medbridge/medsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show device sync state",
	Long: `Display the device's local sync state.

Shows the device id, queue depth, pull watermark, recorded conflicts, and
per-entity local record counts, plus whether the authoritative store is
currently reachable.`,
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openState()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		q := queue.New(store, nil)
		ident := device.New(store, nil)
		conflicts := conflict.New(store, nil)
		collections := entity.NewCollections(store, nil)

		deviceID, err := ident.EnsureID()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nDevice:    %s\n", deviceID)
		fmt.Printf("Server:    %s\n", cfg.ServerURL)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if engine.NewClient(cfg.ServerURL, nil).Healthy(ctx) {
			fmt.Printf("Online:    %s\n", ui.RenderPass("yes"))
		} else {
			fmt.Printf("Online:    %s\n", ui.RenderWarn("no"))
		}

		if mark := ident.Watermark(); mark != "" {
			fmt.Printf("Watermark: %s\n", mark)
		} else {
			fmt.Printf("Watermark: %s\n", ui.RenderAccent("(none; next pull is a full snapshot)"))
		}

		if depth := q.Len(); depth > 0 {
			fmt.Printf("Queued:    %s\n", ui.RenderWarn(fmt.Sprintf("%d pending ops", depth)))
		} else {
			fmt.Printf("Queued:    %s\n", ui.RenderPass("0"))
		}

		if count := conflicts.Count(); count > 0 {
			fmt.Printf("Conflicts: %s\n", ui.RenderWarn(fmt.Sprintf("%d (see 'medsync conflicts')", count)))
		} else {
			fmt.Printf("Conflicts: %s\n", ui.RenderPass("0"))
		}

		fmt.Println("\nLocal records:")
		for _, tag := range entity.Tags() {
			fmt.Printf("  %-14s %d\n", tag, len(collections.Load(tag)))
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
