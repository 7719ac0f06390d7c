// Package cmd defines the frontier command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/app"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is what the subcommands need from the application. Tests substitute a
// fake through newApp.
type App interface {
	Logger() *zap.Logger
	Options(args string) (crawler.LoadOptions, error)
	Seed(ctx context.Context, urls []string) (int, error)
	Load(ctx context.Context, urls []string, opts crawler.LoadOptions) ([]*crawler.Record, error)
	Generate(ctx context.Context) (frontier.Batch, error)
	Crawl(ctx context.Context, rounds int) (app.CrawlReport, error)
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

// session owns the App built for one command run.
type session struct {
	app App
}

// close releases the App if one was built.
func (s *session) close(ctx context.Context) error {
	if s.app == nil {
		return nil
	}
	err := s.app.Close(ctx)
	s.app = nil
	return err
}

func newRootCmd() (*cobra.Command, *session) {
	var (
		cfgFile string
		sess    session
	)
	cmd := &cobra.Command{
		Use:   "frontier",
		Short: "Crawl frontier and fetch scheduler",
		Long: `frontier keeps a store of crawl records, decides which URLs are due,
fetches them over HTTP or a headless browser, and feeds discovered links back
into the store.`,
		SilenceUsage: true,

		// Builds the App once flags are parsed and hands it to the subcommand
		// through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			sess.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (settings may also come from FRONTIER_* variables)")

	cmd.AddCommand(newLoadCmd(), newGenerateCmd(), newCrawlCmd(), newServeCmd())
	return cmd, &sess
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command.
func Execute() {
	root, sess := newRootCmd()
	err := root.ExecuteContext(context.Background())
	if cerr := sess.close(context.Background()); cerr != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", cerr)
		err = errors.Join(err, cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}
