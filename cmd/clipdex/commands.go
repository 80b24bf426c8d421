package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/cli"
	"github.com/hyperjump/clipdex/internal/indexer"
	"github.com/hyperjump/clipdex/internal/models"
	"github.com/hyperjump/clipdex/internal/review"
	"github.com/hyperjump/clipdex/internal/server"
	"github.com/hyperjump/clipdex/internal/watcher"
)

const defaultServerURL = "http://localhost:8080"

func newServerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP server and watch the configured media folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, cfg, resolved, logger, err := openIndex(opts)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer func() {
				if err := c.Close(); err != nil {
					logger.Warn("close index failed", zap.Error(err))
				}
			}()
			logger.Info("config loaded", zap.String("config_path", resolved))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := watcher.NewWatcher(
				cfg.Watch.Directories,
				cfg.Ingest.Extensions,
				cfg.Watch.RecursiveOrDefault(),
				c.Indexer,
				watcher.WithLogger(logger),
			)
			if err := w.Start(ctx); err != nil {
				return fmt.Errorf("failed to start watcher: %w", err)
			}
			defer w.Stop()
			go w.SyncExistingFiles()

			srvOpts := []server.Option{server.WithWatch(w, resolved)}
			if c.Reviews != nil {
				srvOpts = append(srvOpts, server.WithReviews(c.Reviews))
			}
			srv := server.NewServer(c.Engine, c.Indexer, c.Store, c.Grouper, cfg, logger, srvOpts...)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("Shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "ingest <file-or-directory>...",
		Short: "Index clips; unchanged files are skipped",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			files, dirs, err := splitPaths(args)
			if err != nil {
				return err
			}

			var reports []*indexer.RunReport
			if opts.serverURL != "" {
				client := newAPIClient(opts.serverURL)
				if len(files) > 0 {
					var r indexer.RunReport
					if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/ingest", map[string]any{"paths": files}, &r); err != nil {
						return err
					}
					reports = append(reports, &r)
				}
				for _, dir := range dirs {
					var r indexer.RunReport
					body := map[string]any{"directory": dir, "recursive": recursive}
					if err := client.do(cmd.Context(), http.MethodPost, "/api/v1/ingest", body, &r); err != nil {
						return err
					}
					reports = append(reports, &r)
				}
			} else {
				c, _, _, logger, err := openIndex(opts)
				if err != nil {
					return err
				}
				defer logger.Sync()
				defer c.Close()
				for _, dir := range dirs {
					found, err := c.Indexer.CollectFiles(dir, recursive)
					if err != nil {
						return fmt.Errorf("failed to list %s: %w", dir, err)
					}
					files = append(files, found...)
				}
				r, err := c.Indexer.IngestAll(cmd.Context(), files)
				if err != nil {
					return err
				}
				reports = append(reports, r)
			}

			failed := 0
			for _, r := range reports {
				if err := cli.WriteRunReport(cmd.OutOrStdout(), r, format); err != nil {
					return err
				}
				failed += r.Failed
			}
			if failed > 0 {
				return fmt.Errorf("%d file(s) failed to ingest", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", true, "descend into subdirectories")
	return cmd
}

// splitPaths resolves args to absolute paths and separates directories from files.
func splitPaths(args []string) (files, dirs []string, err error) {
	for _, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid path %q: %w", a, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to stat path: %w", err)
		}
		if info.IsDir() {
			dirs = append(dirs, abs)
		} else {
			files = append(files, abs)
		}
	}
	return files, dirs, nil
}

type searchFlags struct {
	embeddingFile string
	similarTo     string
	topK          int
	minDuration   float64
	minQuality    float64
	tags          []string
	pathPrefix    string
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	f := &searchFlags{}
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find the segments most similar to a query embedding",
		Example: `  clipdex search --embedding-file query.json --top-k 5 --tags beach --min-quality 0.6
  extractor --embed prompt.txt | clipdex search --embedding-file - -o json
  clipdex search --similar-to 3f2a... --top-k 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			if (f.embeddingFile == "") == (f.similarTo == "") {
				return errors.New("exactly one of --embedding-file or --similar-to is required")
			}

			var req *models.SearchRequest
			if f.embeddingFile != "" {
				emb, err := readEmbedding(cmd.InOrStdin(), f.embeddingFile)
				if err != nil {
					return err
				}
				req = buildSearchRequest(cmd, f, emb)
			}

			var resp *models.SearchResponse
			if opts.serverURL != "" {
				resp, err = searchViaHTTP(cmd.Context(), newAPIClient(opts.serverURL), f, req)
			} else {
				c, _, _, logger, oerr := openIndex(opts)
				if oerr != nil {
					return oerr
				}
				defer logger.Sync()
				defer c.Close()
				if req != nil {
					resp, err = c.Engine.Search(cmd.Context(), req)
				} else {
					resp, err = c.Engine.SimilarTo(cmd.Context(), f.similarTo, f.topK)
				}
			}
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return cli.WriteSearchResults(cmd.OutOrStdout(), resp, format)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.embeddingFile, "embedding-file", "e", "", `JSON file holding the query embedding ("-" reads stdin)`)
	fl.StringVar(&f.similarTo, "similar-to", "", "use the embedding of an indexed segment as the query")
	fl.IntVarP(&f.topK, "top-k", "k", 0, "number of results (0 = server default)")
	fl.Float64Var(&f.minDuration, "min-duration", 0, "minimum segment duration in seconds")
	fl.Float64Var(&f.minQuality, "min-quality", 0, "minimum quality score in [0,1]")
	fl.StringSliceVarP(&f.tags, "tags", "t", nil, "tags every result must carry (comma separated)")
	fl.StringVar(&f.pathPrefix, "path-prefix", "", "only segments whose source path starts with this prefix")
	return cmd
}

// buildSearchRequest sets optional filters only when their flags were given.
func buildSearchRequest(cmd *cobra.Command, f *searchFlags, embedding []float32) *models.SearchRequest {
	req := &models.SearchRequest{
		QueryEmbedding: embedding,
		TopK:           f.topK,
		RequiredTags:   f.tags,
		PathPrefix:     f.pathPrefix,
	}
	if cmd.Flags().Changed("min-duration") {
		d := f.minDuration
		req.MinDuration = &d
	}
	if cmd.Flags().Changed("min-quality") {
		q := f.minQuality
		req.MinQuality = &q
	}
	return req
}

func searchViaHTTP(ctx context.Context, client *apiClient, f *searchFlags, req *models.SearchRequest) (*models.SearchResponse, error) {
	var resp models.SearchResponse
	if req != nil {
		if err := client.do(ctx, http.MethodPost, "/api/v1/search", req, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	}
	path := "/api/v1/segments/" + url.PathEscape(f.similarTo) + "/similar"
	if f.topK > 0 {
		path += "?top_k=" + strconv.Itoa(f.topK)
	}
	if err := client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// readEmbedding loads a query embedding from path, or from stdin when path is "-".
func readEmbedding(stdin io.Reader, path string) ([]float32, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding: %w", err)
	}
	return parseEmbedding(data)
}

// parseEmbedding accepts a bare JSON array of numbers or an object carrying one under
// "query_embedding" or "embedding".
func parseEmbedding(data []byte) ([]float32, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("embedding file is not valid JSON")
	}
	res := gjson.ParseBytes(data)
	if !res.IsArray() {
		for _, key := range []string{"query_embedding", "embedding"} {
			if v := res.Get(key); v.IsArray() {
				res = v
				break
			}
		}
	}
	if !res.IsArray() {
		return nil, errors.New(`embedding must be a JSON array of numbers or an object with an "embedding" array`)
	}
	var (
		out []float32
		bad error
	)
	res.ForEach(func(_, v gjson.Result) bool {
		if v.Type != gjson.Number {
			bad = fmt.Errorf("embedding element %d is not a number", len(out))
			return false
		}
		out = append(out, float32(v.Float()))
		return true
	})
	if bad != nil {
		return nil, bad
	}
	if len(out) == 0 {
		return nil, errors.New("embedding is empty")
	}
	return out, nil
}

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair derived indexes and retry partially ingested files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			var report *indexer.ReconcileReport
			if opts.serverURL != "" {
				report = &indexer.ReconcileReport{}
				err = newAPIClient(opts.serverURL).do(cmd.Context(), http.MethodPost, "/api/v1/reconcile", nil, report)
			} else {
				c, _, _, logger, oerr := openIndex(opts)
				if oerr != nil {
					return oerr
				}
				defer logger.Sync()
				defer c.Close()
				report, err = c.Indexer.Reconcile(cmd.Context())
			}
			if report != nil {
				if werr := cli.WriteReconcileReport(cmd.OutOrStdout(), report, format); werr != nil {
					return werr
				}
			}
			return err
		},
	}
}

func newDuplicatesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "duplicates",
		Short: "List groups of near-identical segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			var groups []*models.DuplicateGroup
			if opts.serverURL != "" {
				var body struct {
					Groups []*models.DuplicateGroup `json:"groups"`
				}
				if err := newAPIClient(opts.serverURL).do(cmd.Context(), http.MethodGet, "/api/v1/duplicates", nil, &body); err != nil {
					return err
				}
				groups = body.Groups
			} else {
				c, _, _, logger, err := openIndex(opts)
				if err != nil {
					return err
				}
				defer logger.Sync()
				defer c.Close()
				groups = c.Grouper.Duplicates()
			}
			return cli.WriteDuplicates(cmd.OutOrStdout(), groups, format)
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show index counts, disk usage and effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			var st *models.IndexStatus
			if opts.serverURL != "" {
				st = &models.IndexStatus{}
				if err := newAPIClient(opts.serverURL).do(cmd.Context(), http.MethodGet, "/api/v1/status", nil, st); err != nil {
					return err
				}
			} else {
				c, cfg, _, logger, err := openIndex(opts)
				if err != nil {
					return err
				}
				defer logger.Sync()
				defer c.Close()
				if st, err = c.Indexer.Status(cmd.Context()); err != nil {
					return err
				}
				server.AttachConfig(st, cfg)
			}
			return cli.WriteStatus(cmd.OutOrStdout(), st, format)
		},
	}
}

// serverOnly returns the server URL for commands that manage server-side state.
func serverOnly(opts *rootOptions) string {
	if opts.serverURL != "" {
		return opts.serverURL
	}
	return defaultServerURL
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Manage the folders a running server watches",
	}
	var noSync bool
	add := &cobra.Command{
		Use:   "add <dir>",
		Short: "Watch a directory and index the clips already in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			body := map[string]any{"path": abs, "sync": !noSync}
			if err := newAPIClient(serverOnly(opts)).do(cmd.Context(), http.MethodPost, "/api/v1/watch/directories", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s\n", abs)
			return nil
		},
	}
	add.Flags().BoolVar(&noSync, "no-sync", false, "do not index files already in the directory")

	remove := &cobra.Command{
		Use:   "remove <dir>",
		Short: "Stop watching a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			abs, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			path := "/api/v1/watch/directories?path=" + url.QueryEscape(abs)
			if err := newAPIClient(serverOnly(opts)).do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped watching %s\n", abs)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List watched directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body struct {
				Directories []string `json:"directories"`
			}
			if err := newAPIClient(serverOnly(opts)).do(cmd.Context(), http.MethodGet, "/api/v1/watch/directories", nil, &body); err != nil {
				return err
			}
			if len(body.Directories) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No directories watched.")
				return nil
			}
			for _, d := range body.Directories {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
	cmd.AddCommand(add, remove, list)
	return cmd
}

func newReviewCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Drive review sessions on a running server",
	}
	writeOne := func(cmd *cobra.Command, s *review.Session) error {
		format, err := opts.format()
		if err != nil {
			return err
		}
		return cli.WriteSessions(cmd.OutOrStdout(), []*review.Session{s}, format)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List review sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := opts.format()
			if err != nil {
				return err
			}
			var body struct {
				Sessions []*review.Session `json:"sessions"`
			}
			if err := newAPIClient(serverOnly(opts)).do(cmd.Context(), http.MethodGet, "/api/v1/reviews", nil, &body); err != nil {
				return err
			}
			return cli.WriteSessions(cmd.OutOrStdout(), body.Sessions, format)
		},
	}

	var (
		title    string
		segments []string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a review session over a set of segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s review.Session
			body := map[string]any{"title": title, "segment_ids": segments}
			if err := newAPIClient(serverOnly(opts)).do(cmd.Context(), http.MethodPost, "/api/v1/reviews", body, &s); err != nil {
				return err
			}
			return writeOne(cmd, &s)
		},
	}
	create.Flags().StringVar(&title, "title", "", "session title")
	create.Flags().StringSliceVar(&segments, "segments", nil, "segment ids under review (comma separated)")

	var note string
	action := func(verb string) *cobra.Command {
		return &cobra.Command{
			Use:   verb + " <session-id>",
			Short: fmt.Sprintf("%s the current stage of a session", verb),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var s review.Session
				path := "/api/v1/reviews/" + url.PathEscape(args[0]) + "/" + verb
				if err := newAPIClient(serverOnly(opts)).do(cmd.Context(), http.MethodPost, path, map[string]string{"note": note}, &s); err != nil {
					return err
				}
				return writeOne(cmd, &s)
			},
		}
	}
	approve, reject := action("approve"), action("reject")
	approve.Flags().StringVar(&note, "note", "", "note recorded with the transition")
	reject.Flags().StringVar(&note, "note", "", "note recorded with the transition")

	cmd.AddCommand(list, create, approve, reject)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "clipdex version %s\n", version)
		},
	}
}
