package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Select and claim the next batch of due records",
		Long: `generate runs one selection pass over the store and prints the claimed
URLs without fetching them. Claimed records are skipped by later passes until
the claim ages out.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			batch, err := appInstance.Generate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "batch %s scanned=%d selected=%d\n", batch.ID, batch.Scanned, len(batch.Entries))
			for _, e := range batch.Entries {
				fmt.Fprintln(out, e.URL)
			}
			return nil
		},
	}
}
