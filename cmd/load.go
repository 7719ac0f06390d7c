package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
)

func newLoadCmd() *cobra.Command {
	var (
		options string
		seed    bool
	)
	cmd := &cobra.Command{
		Use:   "load URL...",
		Short: "Load URLs, fetching those that are new or due",
		Long: `load looks each URL up in the store and fetches it when the load options
call for it. Options use the same syntax stored on records, for example
--options "--expires 1d --parse".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, urls []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			opts, err := appInstance.Options(options)
			if err != nil {
				return err
			}
			if seed {
				if _, err := appInstance.Seed(cmd.Context(), urls); err != nil {
					return err
				}
			}
			records, err := appInstance.Load(cmd.Context(), urls, opts)
			printRecords(cmd.OutOrStdout(), records)
			if err != nil {
				appInstance.Logger().Warn("load finished with errors", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&options, "options", "", "load options, e.g. \"--expires 1d --parse\"")
	cmd.Flags().BoolVar(&seed, "seed", false, "store unknown URLs as seeds before loading")
	return cmd
}

func printRecords(w io.Writer, records []*crawler.Record) {
	for _, r := range records {
		if r == nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\tfetches=%d\n", r.URL, r.CrawlStatus, r.ProtocolStatus, r.FetchCount)
	}
}
