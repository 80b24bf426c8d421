// Package main is the clipdex CLI entry point.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/clipdex/internal/cli"
	"github.com/hyperjump/clipdex/internal/config"
	"github.com/hyperjump/clipdex/internal/dedup"
	"github.com/hyperjump/clipdex/internal/extract"
	"github.com/hyperjump/clipdex/internal/indexer"
	"github.com/hyperjump/clipdex/internal/keyword"
	"github.com/hyperjump/clipdex/internal/review"
	"github.com/hyperjump/clipdex/internal/search"
	"github.com/hyperjump/clipdex/internal/storage"
	"github.com/hyperjump/clipdex/internal/vector"
	"github.com/hyperjump/clipdex/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/clipdex/config.yaml"

// lshSeed fixes the hyperplanes so a replayed vector log hashes to the same buckets.
const lshSeed = 0x636c6970646578

// rootOptions holds the persistent flags shared by all commands.
type rootOptions struct {
	configPath string
	serverURL  string
	output     string
	debug      bool
}

func (o *rootOptions) format() (cli.OutputFormat, error) {
	return cli.ParseOutputFormat(o.output)
}

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded (for saving).
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
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "clipdex",
		Short:        "clipdex - asset index for video clips",
		Long:         "clipdex indexes video segments by perceptual fingerprint and embedding, groups near-duplicates and answers similarity searches.",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "config file path")
	pf.StringVar(&opts.serverURL, "server", "", "server URL (empty = open the index directly)")
	pf.StringVarP(&opts.output, "output", "o", "text", "output format: text, compact, or json")
	pf.BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServerCmd(opts),
		newIngestCmd(opts),
		newSearchCmd(opts),
		newReconcileCmd(opts),
		newDuplicatesCmd(opts),
		newStatusCmd(opts),
		newWatchCmd(opts),
		newReviewCmd(opts),
		newVersionCmd(),
	)
	return root
}

// Components holds the opened index and its collaborators.
type Components struct {
	Store     *storage.SQLiteStore
	Grouper   *dedup.Grouper
	Vectors   vector.VectorIndex
	Tags      *keyword.BleveIndex
	Extractor extract.Extractor
	Indexer   *indexer.Indexer
	Engine    *search.Engine
	Reviews   *review.Manager
}

// Close releases all resources in reverse order of opening.
func (c *Components) Close() error {
	var errs []error
	if c.Reviews != nil {
		errs = append(errs, c.Reviews.Close())
	}
	if c.Tags != nil {
		errs = append(errs, c.Tags.Close())
	}
	if c.Vectors != nil {
		errs = append(errs, c.Vectors.Close())
	}
	if c.Grouper != nil {
		errs = append(errs, c.Grouper.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}

// openIndex loads the config and opens every component. Callers must Close the result.
func openIndex(opts *rootOptions) (*Components, *config.Config, string, *zap.Logger, error) {
	cfg, resolved, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.Debug || opts.debug)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("failed to create logger: %w", err)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, "", nil, err
	}
	return components, cfg, resolved, logger, nil
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}
	fail := func(err error) (*Components, error) {
		_ = c.Close()
		return nil, err
	}

	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize feature store: %w", err))
	}
	c.Store = store

	c.Grouper, err = dedup.NewGrouper(
		cfg.Index.FingerprintBits,
		*cfg.Index.DupThreshold,
		cfg.Index.CanonicalPolicy,
		dedup.WithJournal(cfg.Storage.GroupJournalPath),
		dedup.WithLogger(logger),
	)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize duplicate grouper: %w", err))
	}

	c.Vectors, err = vector.NewVectorIndex(
		cfg.Index.VectorIndexType,
		cfg.Index.Dimensions,
		vector.WithLogPath(cfg.Storage.VectorLogPath),
		vector.WithMemoryBudget(*cfg.Index.MemoryBudget),
		vector.WithLSH(cfg.Index.LSHPlanes, cfg.Index.LSHTables, lshSeed),
		vector.WithLogger(logger),
	)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize vector index: %w", err))
	}
	logger.Info("vector index initialized",
		zap.String("type", cfg.Index.VectorIndexType),
		zap.Int("entries", c.Vectors.Size()),
		zap.Int("spilled", c.Vectors.Spilled()))

	c.Tags, err = keyword.NewBleveIndex(cfg.Storage.TagIndexPath)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize tag index: %w", err))
	}

	if len(cfg.Ingest.ExtractorCommand) > 0 {
		c.Extractor, err = extract.NewCommandExtractor(
			cfg.Ingest.ExtractorCommand,
			extract.WithTimeout(cfg.Ingest.ExtractTimeout),
			extract.WithRate(cfg.Ingest.ExtractorRate),
			extract.WithLogger(logger),
		)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize extractor: %w", err))
		}
	} else {
		logger.Warn("no extractor_command configured, using deterministic mock features")
		c.Extractor = extract.NewMockExtractor(cfg.Index.Dimensions)
	}

	c.Indexer = indexer.NewIndexer(c.Store, c.Grouper, c.Vectors, c.Extractor, &cfg.Ingest,
		indexer.WithTagIndex(c.Tags),
		indexer.WithLogger(logger))
	c.Engine = search.NewEngine(c.Store, c.Grouper, c.Vectors, &cfg.Search,
		search.WithTagIndex(c.Tags),
		search.WithLogger(logger))

	if cfg.Review.Enabled {
		c.Reviews, err = review.NewManager(&cfg.Review, review.WithLogger(logger))
		if err != nil {
			return fail(fmt.Errorf("failed to initialize review workflow: %w", err))
		}
	}
	return c, nil
}
