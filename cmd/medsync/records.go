package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/medbridge/medsync/internal/conflict"
	"github.com/medbridge/medsync/internal/device"
	"github.com/medbridge/medsync/internal/engine"
	"github.com/medbridge/medsync/internal/entity"
	"github.com/medbridge/medsync/internal/queue"
	"github.com/medbridge/medsync/internal/ui"
)

// buildService wires the client-side stack for one entity tag and returns
// the service plus the engine driving opportunistic sync.
func buildService(tag string) (*entity.Service, *engine.Engine, func(), error) {
	store, err := openState()
	if err != nil {
		return nil, nil, nil, err
	}

	q := queue.New(store, nil)
	ident := device.New(store, nil)
	conflicts := conflict.New(store, nil)
	collections := entity.NewCollections(store, nil)
	client := engine.NewClient(cfg.ServerURL, nil)

	eng := engine.New(q, ident, conflicts, collections, client, engine.Config{
		Token: func(ctx context.Context) (string, error) {
			return cfg.AuthToken, nil
		},
	})

	svc, err := entity.NewService(tag, q, eng, collections)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return svc, eng, func() { store.Close() }, nil
}

var putCmd = &cobra.Command{
	Use:     "put <entity> <id>",
	GroupID: "data",
	Short:   "Save an entity record locally and queue it for sync",
	Long: `Save a record into the local collection and enqueue an upsert op.

The write succeeds immediately whether or not the store is reachable; a
sync attempt follows opportunistically. --base must carry the version the
record had when it was read (0 for a new record), so the store can detect
concurrent edits.

Known entities: ` + strings.Join(entity.Tags(), ", ") + `.

Example:
  medsync put appointment A-100 --base 2 --data '{"patient":"P-9","time":"09:30"}'`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		data, _ := cmd.Flags().GetString("data")
		base, _ := cmd.Flags().GetInt64("base")

		if data == "" || !json.Valid([]byte(data)) {
			fmt.Fprintf(os.Stderr, "Error: --data must be a JSON object\n")
			os.Exit(1)
		}

		svc, eng, closeState, err := buildService(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer closeState()

		opID, err := svc.Save(args[1], base, json.RawMessage(data))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Queued upsert %s for %s/%s\n", ui.RenderPass("✓"), opID, args[0], args[1])

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.RunCycle(ctx); err != nil {
			fmt.Printf("%s Sync deferred: %v\n", ui.RenderWarn("⚠"), err)
		}
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <entity> <id>",
	GroupID: "data",
	Short:   "Delete an entity record and queue the deletion for sync",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		base, _ := cmd.Flags().GetInt64("base")

		svc, eng, closeState, err := buildService(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer closeState()

		opID, err := svc.Delete(args[1], base)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Queued delete %s for %s/%s\n", ui.RenderPass("✓"), opID, args[0], args[1])

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.RunCycle(ctx); err != nil {
			fmt.Printf("%s Sync deferred: %v\n", ui.RenderWarn("⚠"), err)
		}
	},
}

var lsCmd = &cobra.Command{
	Use:     "ls <entity>",
	GroupID: "data",
	Short:   "List the local records for an entity",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, _, closeState, err := buildService(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer closeState()

		records := svc.Local()
		if len(records) == 0 {
			fmt.Printf("No local %s records\n", args[0])
			return
		}

		for _, r := range records {
			fmt.Printf("  %-20s v%-4d updated=%s  %s\n", r.ID, r.Version, r.Updated, r.Data)
		}
	},
}

func init() {
	putCmd.Flags().String("data", "", "Record payload as a JSON object")
	putCmd.Flags().Int64("base", 0, "Version the record had when read (0 for new)")
	rmCmd.Flags().Int64("base", 0, "Version the record had when read")

	rootCmd.AddCommand(putCmd, rmCmd, lsCmd)
}
