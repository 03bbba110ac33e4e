package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd runs one pipeline pass and exits.
func newCrawlCmd() *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a single crawl, ingest and push pass",
		Long: `Crawls the newest listing pages once, stores unseen records and pushes
every undelivered record to its subscribers, then exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res, err := appInstance.RunOnce(cmd.Context(), pages)
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			appInstance.Logger().Info("crawl command finished",
				zap.Int("crawled", res.Crawled),
				zap.Int("new", res.Ingest.NewCount()),
				zap.Int("duplicates", res.Ingest.Duplicates),
				zap.Int("sent", res.Push.Sent),
				zap.Int("failed_sends", res.Push.Failed),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "crawled=%d new=%d sent=%d failed=%d\n",
				res.Crawled, res.Ingest.NewCount(), res.Push.Sent, res.Push.Failed)
			return nil
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 0, "listing pages to crawl (default crawler.initial_pages)")
	return cmd
}
