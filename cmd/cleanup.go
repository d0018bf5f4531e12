package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired session transcripts and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := initConfig()
			setupLogging()

			store, err := buildStore(cfg)
			if err != nil {
				return fmt.Errorf("init history store: %w", err)
			}
			if store == nil {
				fmt.Println("history store disabled, nothing to clean")
				return nil
			}
			defer store.Close()

			purged, err := store.CleanupExpired()
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			fmt.Printf("purged %d expired session(s)\n", purged)
			return nil
		},
	}
}
