package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/000haoji/deep-student-rag/internal/config"
	"github.com/000haoji/deep-student-rag/pkg/core"
	"github.com/000haoji/deep-student-rag/pkg/migrate"
)

var (
	configPath string
	dbPath     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "dsrag",
	Short: "Hybrid retrieval store for the study assistant",
	Long:  `Manages the knowledge-base vector store: ingestion, hybrid search, legacy migration, and maintenance.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the store and seed settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		for key, value := range cfg.Settings {
			if err := store.Settings().Set(ctx, key, value); err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
		fmt.Printf("Store initialized at %s (kb root %s)\n", cfg.RelationalPath, store.KBRoot())
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate legacy embeddings into the current layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := migrate.New(store, logger).Run(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		gate := store.Settings().GetString(ctx, core.SettingMigrationCompleted, "0")
		fmt.Printf("Migration finished, verification gate = %s\n", gate)
		return nil
	},
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize <kb|chat>",
	Short: "Compact and prune the vector tables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		opts := core.OptimizeOptions{Force: force}
		if cmd.Flags().Changed("delete-unverified") {
			del, _ := cmd.Flags().GetBool("delete-unverified")
			opts.DeleteUnverified = &del
		}

		ctx := context.Background()
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		switch args[0] {
		case "kb":
			err = store.OptimizeKBTables(ctx, opts)
		case "chat":
			err = store.OptimizeChatTables(ctx, opts)
		default:
			return fmt.Errorf("unknown scope %q, want kb or chat", args[0])
		}
		if err != nil {
			return fmt.Errorf("optimize failed: %w", err)
		}
		fmt.Printf("Optimize %s done\n", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Documents: %d\n", stats.TotalDocuments)
		fmt.Printf("Chunks:    %d\n", stats.TotalChunks)
		fmt.Printf("Storage:   %d bytes\n", stats.StorageSizeBytes)
		fmt.Printf("Cache:     %d/%d entries\n", store.Cache().Size(), store.Cache().Cap())
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search chunks by vector, optionally with a lexical prefilter",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		vectorStr, _ := cmd.Flags().GetString("vector")
		text, _ := cmd.Flags().GetString("text")
		topK, _ := cmd.Flags().GetInt("top-k")
		libsStr, _ := cmd.Flags().GetString("libs")

		if vectorStr == "" {
			return fmt.Errorf("vector is required")
		}
		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		var libs []string
		if libsStr != "" {
			libs = strings.Split(libsStr, ",")
		}

		ctx := context.Background()
		store, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		var results []core.ScoredChunk
		if text != "" {
			results, err = store.SearchWithPrefilter(ctx, text, vector, topK, libs)
		} else {
			results, err = store.SearchInLibraries(ctx, vector, topK, libs)
		}
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		if len(results) == 0 {
			fmt.Println("No results")
			return nil
		}
		for i, r := range results {
			fmt.Printf("%d. %s (doc %s, score %.4f)\n", i+1, r.ID, r.DocumentID, r.Score)
			if verbose {
				fmt.Printf("   %s\n", r.Text)
			}
		}
		return nil
	},
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vector := make([]float32, 0, len(parts))
	for _, part := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if dbPath != "" {
		cfg.RelationalPath = dbPath
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*core.SQLiteStore, error) {
	store, err := core.Open(ctx, core.Options{
		RelationalPath: cfg.RelationalPath,
		KBRoot:         cfg.KBRoot,
		CacheCap:       cfg.CacheCap,
		Logger:         &logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "relational database path (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	optimizeCmd.Flags().Bool("force", false, "ignore the cooldown window")
	optimizeCmd.Flags().Bool("delete-unverified", false, "remove vector rows with no relational counterpart")

	searchCmd.Flags().String("vector", "", "comma-separated query vector")
	searchCmd.Flags().String("text", "", "query text for the lexical prefilter")
	searchCmd.Flags().Int("top-k", 10, "number of results")
	searchCmd.Flags().String("libs", "", "comma-separated sub-library ids")

	rootCmd.AddCommand(initCmd, migrateCmd, optimizeCmd, statsCmd, searchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
