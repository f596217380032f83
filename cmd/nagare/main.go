// Package main is the nagare CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/app"
	"github.com/hyperjump/nagare/internal/cli"
	"github.com/hyperjump/nagare/internal/config"
	"github.com/hyperjump/nagare/internal/docid"
	"github.com/hyperjump/nagare/internal/ingest"
	"github.com/hyperjump/nagare/internal/models"
	"github.com/hyperjump/nagare/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/nagare/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory wins if it exists, so "nagare serve" from a project directory uses that config.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	serverURL  string
	output     string
}

func (f *rootFlags) format() (cli.OutputFormat, error) {
	return cli.ParseFormat(f.output)
}

func (f *rootFlags) client() *cli.Client {
	return cli.NewClient(f.serverURL)
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:          "nagare",
		Short:        "Document ingestion pipeline and hybrid search",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath, "config file path")
	root.PersistentFlags().StringVar(&flags.serverURL, "server", defaultServerURL, "server URL")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "output format: text or json")

	root.AddCommand(
		newServeCmd(flags),
		newSubmitCmd(flags),
		newSearchCmd(flags),
		newBatchCmd(flags),
		newDocumentCmd(flags),
		newDLQCmd(flags),
		newStatsCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "nagare version %s\n", version)
			},
		},
	)
	return root
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline workers and the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, resolved, err := loadConfig(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			debugMode := cfg.Debug || debug
			logger, err := utils.NewLogger(debugMode)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()
			logger.Info("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					logger.Warn("shutdown incomplete", zap.Error(cerr))
				}
			}()
			err = a.Run(ctx)
			logger.Info("Shutting down...")
			return err
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func newSubmitCmd(flags *rootFlags) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "submit <path-or-uri>...",
		Short: "Submit documents as one batch",
		Long: `Submits local files or s3:// URIs to a running server as one batch.
Local paths are sent as absolute file:// references.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := flags.format()
			if err != nil {
				return err
			}
			docs, err := submissions(args, title)
			if err != nil {
				return err
			}
			receipt, err := flags.client().Submit(cmd.Context(), docs)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			w := cmd.OutOrStdout()
			if format == cli.OutputJSON {
				return cli.WriteJSON(w, receipt)
			}
			if receipt.CorrelationID != "" {
				fmt.Fprintf(w, "batch:      %s\n", receipt.CorrelationID)
			}
			fmt.Fprintf(w, "accepted:   %d\n", len(receipt.Accepted))
			fmt.Fprintf(w, "duplicates: %d\n", len(receipt.Duplicates))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title (single document only)")
	return cmd
}

// submissions turns arguments into documents. Anything with a scheme is passed through.
func submissions(args []string, title string) ([]ingest.NewDocument, error) {
	if title != "" && len(args) > 1 {
		return nil, fmt.Errorf("--title applies to a single document")
	}
	docs := make([]ingest.NewDocument, 0, len(args))
	for _, arg := range args {
		ref := arg
		if !strings.Contains(arg, "://") {
			var err error
			if ref, err = docid.FromPath(arg); err != nil {
				return nil, err
			}
		}
		docs = append(docs, ingest.NewDocument{SourceRef: ref, Title: title})
	}
	return docs, nil
}

func newSearchCmd(flags *rootFlags) *cobra.Command {
	var q models.SearchQuery
	var mode string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed documents",
		Long: `Runs a keyword, semantic, or hybrid (default) search.
With --server "" the search runs against local storage without a running server.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := flags.format()
			if err != nil {
				return err
			}
			q.Query = buildSearchQuery(args)
			if q.Query == "" {
				return fmt.Errorf("search query is required")
			}
			q.Mode = models.SearchMode(mode)

			var resp *models.SearchResponse
			if flags.serverURL != "" {
				resp, err = flags.client().Search(cmd.Context(), &q)
			} else {
				resp, err = searchLocal(cmd.Context(), flags.configPath, &q)
			}
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), resp, format)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeHybrid), "keyword, semantic, or hybrid")
	cmd.Flags().StringVar(&q.Category, "category", "", "only documents of this category")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 0, "results per page (default from config)")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "results to skip")
	cmd.Flags().Float64Var(&q.KeywordWeight, "keyword-weight", 0, "keyword ranking weight in hybrid mode")
	cmd.Flags().Float64Var(&q.SemanticWeight, "semantic-weight", 0, "semantic ranking weight in hybrid mode")
	return cmd
}

// buildSearchQuery joins positional args into one query string, trimmed.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchLocal opens storage directly. The vector half is rebuilt first so semantic ranking
// is available.
func searchLocal(ctx context.Context, configPath string, q *models.SearchQuery) (*models.SearchResponse, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Inbox.Directories = nil
	a, err := app.New(ctx, cfg, app.WithoutHTTP())
	if err != nil {
		return nil, err
	}
	defer a.Close()
	if err := a.Index.Rebuild(ctx, a.Store); err != nil {
		return nil, err
	}
	return a.Engine.Search(ctx, q)
}

func newBatchCmd(flags *rootFlags) *cobra.Command {
	var cancel bool
	cmd := &cobra.Command{
		Use:   "batch <correlation-id>",
		Short: "Show or cancel batch progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := flags.format()
			if err != nil {
				return err
			}
			var p models.BatchProgress
			if cancel {
				p, err = flags.client().CancelBatch(cmd.Context(), args[0])
			} else {
				p, err = flags.client().Batch(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return cli.WriteBatch(cmd.OutOrStdout(), p, format)
		},
	}
	cmd.Flags().BoolVar(&cancel, "cancel", false, "cancel the batch")
	return cmd
}

func newDocumentCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "document <id>",
		Short: "Show a document's processing state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := flags.format()
			if err != nil {
				return err
			}
			doc, err := flags.client().Document(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return cli.WriteDocument(cmd.OutOrStdout(), doc, format)
		},
	}
}

func newDLQCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered events",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list <queue>",
			Short: "List a queue's dead letters",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				format, err := flags.format()
				if err != nil {
					return err
				}
				letters, err := flags.client().DeadLetters(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return cli.WriteDeadLetters(cmd.OutOrStdout(), args[0], letters, format)
			},
		},
		&cobra.Command{
			Use:   "replay <queue> <message-id>",
			Short: "Move a dead letter back onto its queue",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := flags.client().Replay(cmd.Context(), args[0], args[1]); err != nil {
					var apiErr *cli.APIError
					if errors.As(err, &apiErr) {
						return fmt.Errorf("replay %s: %s", args[1], apiErr.Message)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s on %s\n", args[1], args[0])
				return nil
			},
		},
	)
	return cmd
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show document, queue, and index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := flags.format()
			if err != nil {
				return err
			}
			s, err := flags.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if format == cli.OutputJSON {
				return cli.WriteJSON(w, s)
			}
			fmt.Fprintln(w, "# documents")
			for _, st := range models.AllStatuses() {
				if n := s.Documents[st]; n > 0 {
					fmt.Fprintf(w, "%-14s %d\n", st, n)
				}
			}
			fmt.Fprintln(w, "\n# queues")
			for _, name := range sortedKeys(s.Queues) {
				q := s.Queues[name]
				fmt.Fprintf(w, "%-14s ready=%d delayed=%d in_flight=%d dead=%d\n", name, q.Ready, q.Delayed, q.InFlight, q.DeadLettered)
			}
			if s.Index != nil {
				fmt.Fprintf(w, "\n# index\nstatus:        %s\ndocuments:     %d\nvectors:       %d\n", s.Index.Status, s.Index.Documents, s.Index.Vectors)
				if s.Index.Reason != "" {
					fmt.Fprintf(w, "reason:        %s\n", s.Index.Reason)
				}
			}
			if len(s.DiskUsageBytes) > 0 {
				fmt.Fprintln(w, "\n# disk usage (bytes)")
				for _, name := range sortedKeys(s.DiskUsageBytes) {
					fmt.Fprintf(w, "%-14s %d\n", name, s.DiskUsageBytes[name])
				}
			}
			return nil
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
