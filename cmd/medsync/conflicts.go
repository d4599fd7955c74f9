package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/medbridge/medsync/internal/conflict"
	"github.com/medbridge/medsync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List and export recorded sync conflicts",
	Long: `List operations the authoritative store rejected.

Each record carries the rejected op id, the entity, the version the store
holds, the rejection reason, and (for version mismatches) the store's
current data so a clinician can reconcile by hand.

Export the full log with --export jsonl or --export yaml, or walk through
records one at a time with --interactive.`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("export")
		out, _ := cmd.Flags().GetString("out")
		interactive, _ := cmd.Flags().GetBool("interactive")

		store, err := openState()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()

		conflicts := conflict.New(store, nil)

		if format != "" {
			exportConflicts(conflicts, format, out)
			return
		}

		records, err := conflicts.All()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(records) == 0 {
			fmt.Printf("%s No recorded conflicts\n", ui.RenderPass("✓"))
			return
		}

		if interactive {
			reviewConflicts(records)
			return
		}

		fmt.Printf("\n%d recorded conflicts:\n\n", len(records))
		for _, r := range records {
			fmt.Printf("  %s %s  entity=%s  serverVersion=%d  reason=%s  at=%s\n",
				ui.RenderWarn("⚠"), r.OpID, r.EntityID, r.ServerVersion, r.Reason, r.RecordedAt)
		}
		fmt.Println()
	},
}

func exportConflicts(conflicts *conflict.Store, format, out string) {
	w := os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	var err error
	switch format {
	case "jsonl":
		err = conflicts.ExportJSONL(w)
	case "yaml":
		err = conflicts.ExportYAML(w)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown export format %q (want jsonl or yaml)\n", format)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: export failed: %v\n", err)
		os.Exit(1)
	}
}

// reviewConflicts walks the operator through the conflict log one record at
// a time, showing the store's current data for manual reconciliation.
func reviewConflicts(records []conflict.Record) {
	for {
		options := make([]huh.Option[int], 0, len(records)+1)
		for i, r := range records {
			label := fmt.Sprintf("%s  entity=%s  v%d  %s", r.OpID, r.EntityID, r.ServerVersion, r.Reason)
			options = append(options, huh.NewOption(label, i))
		}
		options = append(options, huh.NewOption("(done)", -1))

		var selected int
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[int]().
				Title(fmt.Sprintf("Recorded conflicts (%d)", len(records))).
				Options(options...).
				Value(&selected),
		))
		if err := form.Run(); err != nil || selected < 0 {
			return
		}

		r := records[selected]
		fmt.Printf("\nOp:            %s\n", r.OpID)
		fmt.Printf("Entity id:     %s\n", r.EntityID)
		fmt.Printf("Server version: %d\n", r.ServerVersion)
		fmt.Printf("Reason:        %s\n", r.Reason)
		fmt.Printf("Recorded at:   %s\n", r.RecordedAt)
		if len(r.ServerData) > 0 {
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, r.ServerData, "", "  "); err == nil {
				fmt.Printf("Server data:\n%s\n", pretty.String())
			} else {
				fmt.Printf("Server data: %s\n", r.ServerData)
			}
		}
		fmt.Println()
	}
}

func init() {
	conflictsCmd.Flags().String("export", "", "Export format: jsonl or yaml")
	conflictsCmd.Flags().String("out", "", "Write export to this file instead of stdout")
	conflictsCmd.Flags().Bool("interactive", false, "Review conflicts one at a time")
	rootCmd.AddCommand(conflictsCmd)
}
