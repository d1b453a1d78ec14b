// Package cli implements the engram CLI commands.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nous-labs/engram/internal/config"
	"github.com/nous-labs/engram/internal/llm"
	"github.com/nous-labs/engram/pkg/activation"
	"github.com/nous-labs/engram/pkg/embeddings"
	"github.com/nous-labs/engram/pkg/graph"
	"github.com/nous-labs/engram/pkg/retrieval"
)

var (
	configPath  string
	storePath   string
	projectFlag string
	verbose     bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Local knowledge graph memory for a personal AI assistant",
	Long: "Engram stores entities and facts extracted from sessions in a local\n" +
		"file-backed knowledge graph, decays and consolidates them over time,\n" +
		"and retrieves relevant context for new queries.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	RootCmd.PersistentFlags().StringVarP(&storePath, "store", "s", "", "Store directory (default: config store_path or ~/.engram)")
	RootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "p", "", "Current project entity name")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitErr("load config", err)
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	if projectFlag != "" {
		cfg.Project = projectFlag
	}
	return cfg
}

func openStore(cfg *config.Config) *graph.Store {
	st, err := graph.Open(cfg.StorePath, cfg.GraphConfig())
	if err != nil {
		exitErr("open store", err)
	}
	return st
}

func openActivation(cfg *config.Config) *activation.Log {
	log, err := activation.OpenLog(cfg.StorePath)
	if err != nil {
		exitErr("open activation log", err)
	}
	return log
}

func buildEmbedder(cfg *config.Config) embeddings.Embedder {
	if cfg.Embeddings.TEIURL == "" {
		return embeddings.Null{}
	}
	return embeddings.NewTEIClient(cfg.Embeddings.TEIURL)
}

func buildProvider(cfg *config.Config) llm.Provider {
	return llm.NewAnthropic(cfg.Extraction.APIKey, cfg.Extraction.Model)
}

// buildPGIndex connects to the configured pgvector index and ensures its
// schema matches the store's embedding dimensionality. Returns nil when no
// index is configured, the store holds no vectors yet, or the index cannot
// be reached; callers fall back to the in-process scan.
func buildPGIndex(cmd *cobra.Command, cfg *config.Config, st *graph.Store) *embeddings.PGIndex {
	if cfg.Embeddings.PostgresURL == "" {
		return nil
	}
	dim := st.GetStats().EmbeddingDim
	if dim == 0 {
		slog.Debug("store has no embeddings yet, skipping vector index")
		return nil
	}
	pg, err := embeddings.NewPGIndex(cmd.Context(), cfg.Embeddings.PostgresURL)
	if err != nil {
		slog.Warn("pgvector index unavailable, using in-process search", "error", err)
		return nil
	}
	if err := pg.Init(cmd.Context(), dim); err != nil {
		slog.Warn("pgvector index init failed, using in-process search", "error", err)
		pg.Close()
		return nil
	}
	vectors := make(map[string][]float32)
	for _, f := range st.ActiveFacts() {
		if len(f.Embedding) > 0 {
			vectors[f.ID] = f.Embedding
		}
	}
	if _, err := pg.Sync(cmd.Context(), vectors); err != nil {
		slog.Warn("pgvector index sync failed", "error", err)
	}
	return pg
}

func buildRetriever(cmd *cobra.Command, cfg *config.Config, st *graph.Store, log *activation.Log) *retrieval.Retriever {
	var index retrieval.VectorIndex
	if pg := buildPGIndex(cmd, cfg, st); pg != nil {
		index = pg
	}
	return retrieval.New(st, log, buildEmbedder(cfg), index, retrieval.Config{
		Project:        cfg.Project,
		MinScore:       cfg.Retrieval.MinScore,
		TotalBudget:    cfg.Retrieval.TotalBudget,
		CategoryBudget: cfg.Retrieval.CategoryBudget,
		RepairCoverage: cfg.Retrieval.RepairCoverage,
		RepairBatch:    cfg.Retrieval.RepairBatch,
	})
}

func extractionTimeout(cfg *config.Config) time.Duration {
	d, err := time.ParseDuration(cfg.Extraction.Timeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
