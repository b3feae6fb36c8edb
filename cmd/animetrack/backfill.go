package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/justyntemme/animetrack/internal/covers"
)

func newBackfillCmd(configPath *string) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Download covers for every record without a cached one",
		Long: `Resolves and caches the cover of every stored record whose cover is not
already a local file, then writes the local path back to the record.

Lookups share the Jikan throttle, so a large list takes at least one
interval per uncached title.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.covers.Backfill(cmd.Context(), concurrency)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, item := range report.Results {
				switch item.Status {
				case covers.StatusSuccess:
					fmt.Fprintf(out, "  ok         %-40s %s\n", item.Title, item.CoverPath)
				case covers.StatusNotFound:
					fmt.Fprintf(out, "  not found  %s\n", item.Title)
				default:
					fmt.Fprintf(out, "  failed     %-40s %s\n", item.Title, item.Reason)
				}
			}
			fmt.Fprintf(out, "\nProcessed %d: %d cached, %d not found, %d failed\n",
				report.Processed, report.Succeeded, report.NotFound, report.Failed)
			return nil
		},
	}

	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 4, "Records resolved in parallel (0 = unbounded)")

	return cmd
}
