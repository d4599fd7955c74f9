package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/medbridge/medsync/internal/conflict"
	"github.com/medbridge/medsync/internal/device"
	"github.com/medbridge/medsync/internal/engine"
	"github.com/medbridge/medsync/internal/entity"
	"github.com/medbridge/medsync/internal/queue"
	"github.com/medbridge/medsync/internal/syncproto"
	"github.com/medbridge/medsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one push/pull cycle now",
	Long: `Run a single sync cycle: push the queued ops, then pull and merge
deltas since the stored watermark.

The watermark can be overridden for this run with --since, which accepts
natural language ("yesterday", "2 hours ago") as well as timestamps. Use
--full to discard the watermark and pull a complete snapshot.`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")
		full, _ := cmd.Flags().GetBool("full")

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
		client := engine.NewClient(cfg.ServerURL, nil)

		if full {
			if err := ident.ClearWatermark(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		} else if since != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)
			r, err := w.Parse(since, time.Now())
			if err != nil || r == nil {
				fmt.Fprintf(os.Stderr, "Error: could not parse --since %q\n", since)
				os.Exit(1)
			}
			if err := ident.SetWatermark(syncproto.FormatTime(r.Time)); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		eng := engine.New(q, ident, conflicts, collections, client, engine.Config{
			Token: func(ctx context.Context) (string, error) {
				return cfg.AuthToken, nil
			},
		})

		queued := q.Len()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		// An interactive run should report unreachability, not skip silently.
		probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
		online := client.Healthy(probeCtx)
		probeCancel()
		if !online {
			fmt.Fprintf(os.Stderr, "Error: %s is unreachable; %d ops remain queued\n", cfg.ServerURL, queued)
			os.Exit(1)
		}

		start := time.Now()
		if err := eng.RunCycle(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
			os.Exit(1)
		}
		elapsed := time.Since(start)

		remaining := q.Len()
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		fmt.Printf("   Pushed:    %d ops (%d still queued)\n", queued-remaining, remaining)
		fmt.Printf("   Watermark: %s\n", ident.Watermark())
		if count := conflicts.Count(); count > 0 {
			fmt.Printf("   %s %d recorded conflicts\n", ui.RenderWarn("⚠"), count)
		}
	},
}

func init() {
	syncCmd.Flags().String("since", "", "Pull changes since this time (natural language accepted)")
	syncCmd.Flags().Bool("full", false, "Discard the watermark and pull a full snapshot")
	rootCmd.AddCommand(syncCmd)
}
