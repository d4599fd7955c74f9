// Command medsync is the offline-first synchronization CLI for clinic
// devices. It runs the client agent, the authoritative store, and the
// inspection commands around the durable op queue.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/medbridge/medsync/internal/config"
	"github.com/medbridge/medsync/internal/kvstore"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "medsync",
	Short: "Offline-first sync for clinic devices",
	Long: `medsync keeps intermittently connected clinic devices converged with an
authoritative store. Local writes land in a durable queue and are pushed
when connectivity allows; remote changes are pulled incrementally and
merged last-writer-wins.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg.LogFile != "" {
			log.SetOutput(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			})
		}
		return nil
	},
}

// openState opens the device-local state database under the data directory
// and makes sure the schema exists.
func openState() (*kvstore.Store, error) {
	store, err := kvstore.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}
	return store, nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default: ./medsync.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
