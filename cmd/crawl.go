package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCrawlCmd() *cobra.Command {
	var (
		rounds int
		seeds  []string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Alternate generate and fetch passes",
		Long: `crawl repeatedly selects due records and fetches them with the worker
pool. It stops after --rounds passes, or when a pass selects nothing if
--rounds is 0. Seeds given with --seed are stored and loaded first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if len(seeds) > 0 {
				if _, err := appInstance.Seed(cmd.Context(), seeds); err != nil {
					return err
				}
				opts, err := appInstance.Options("")
				if err != nil {
					return err
				}
				if _, err := appInstance.Load(cmd.Context(), seeds, opts); err != nil {
					appInstance.Logger().Warn("seed load finished with errors", zap.Error(err))
				}
			}

			report, err := appInstance.Crawl(cmd.Context(), rounds)
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rounds=%d generated=%d\n", report.Rounds, report.Generated)
			for _, name := range slices.Sorted(maps.Keys(report.Counters)) {
				fmt.Fprintf(out, "%s\t%d\n", name, report.Counters[name])
			}
			appInstance.Logger().Info("crawl command finished",
				zap.Int("rounds", report.Rounds),
				zap.Int("generated", report.Generated),
			)
			return nil
		},
	}
	cmd.Flags().IntVar(&rounds, "rounds", 0, "maximum generate/fetch passes; 0 runs until nothing is due")
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed URL to inject before crawling (repeatable)")
	return cmd
}
