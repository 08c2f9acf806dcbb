package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"swarm-dl/internal/config"
	"swarm-dl/internal/history"
	"swarm-dl/internal/units"
)

// resolveHistoryPath returns the journal location, falling back to the
// user config directory. An empty result disables the journal.
func resolveHistoryPath(configured string) string {
	if configured != "" {
		return configured
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "swarm-dl")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, "history.db")
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.LoadFromFile(configPath); err != nil {
					return err
				}
			}
			if err := cfg.LoadFromEnv(); err != nil {
				return err
			}
			dbPath := resolveHistoryPath(cfg.Merge(config.Config{History: historyPath}).History)
			if dbPath == "" {
				return fmt.Errorf("no history location available")
			}

			store, err := history.Open(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List()
			if err != nil {
				return err
			}
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tSTATE\tSIZE\tDURATION\tDESTINATION")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID[:min(8, len(r.ID))],
					r.Started.Format("2006-01-02 15:04"),
					r.State,
					units.FormatBytes(r.Size),
					units.FormatDuration(r.Duration()),
					r.Destination)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Show at most this many jobs (0 for all)")
	return cmd
}
