// Package config loads the engram configuration file: JSON, deep-merged
// over built-in defaults, with an optional private overlay and $ENV value
// resolution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nous-labs/engram/pkg/dream"
	"github.com/nous-labs/engram/pkg/graph"
)

type Config struct {
	StorePath  string           `json:"store_path,omitempty"`
	Project    string           `json:"project,omitempty"`
	Graph      GraphConfig      `json:"graph,omitempty"`
	Embeddings EmbeddingsConfig `json:"embeddings,omitempty"`
	Extraction ExtractionConfig `json:"extraction,omitempty"`
	Dream      DreamConfig      `json:"dream,omitempty"`
	Retrieval  RetrievalConfig  `json:"retrieval,omitempty"`
}

// GraphConfig exposes the store thresholds. Zero values mean the built-in
// defaults; none of these have been calibrated against real workloads yet.
type GraphConfig struct {
	TextDedupThreshold  float64 `json:"text_dedup_threshold,omitempty"`
	EmbedDedupThreshold float64 `json:"embed_dedup_threshold,omitempty"`
	ExpireThreshold     float64 `json:"expire_threshold,omitempty"`
	RecencyHalfLife     string  `json:"recency_half_life,omitempty"`
	ExpiredRetention    string  `json:"expired_retention,omitempty"`
	NeverAccessedTTL    string  `json:"never_accessed_ttl,omitempty"`
	GCInterval          string  `json:"gc_interval,omitempty"`
	LockStaleAfter      string  `json:"lock_stale_after,omitempty"`
}

type EmbeddingsConfig struct {
	TEIURL      string `json:"tei_url,omitempty"`
	PostgresURL string `json:"postgres_url,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
}

type ExtractionConfig struct {
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type DreamConfig struct {
	Disabled       bool   `json:"disabled,omitempty"`
	Interval       string `json:"interval,omitempty"`
	Window         string `json:"window,omitempty"`
	MinEpisodes    int    `json:"min_episodes,omitempty"`
	MinClusterSize int    `json:"min_cluster_size,omitempty"`
	MinReferences  int    `json:"min_references,omitempty"`
	MinTripleCount int    `json:"min_triple_count,omitempty"`
	MaxPerCluster  int    `json:"max_per_cluster,omitempty"`
	MaxPerCycle    int    `json:"max_per_cycle,omitempty"`
}

type RetrievalConfig struct {
	MinScore       float64 `json:"min_score,omitempty"`
	TotalBudget    int     `json:"total_budget,omitempty"`
	CategoryBudget int     `json:"category_budget,omitempty"`
	RepairCoverage float64 `json:"repair_coverage,omitempty"`
	RepairBatch    int     `json:"repair_batch,omitempty"`
}

// Load reads path (optional), merges it over defaults, then merges the
// file named by ENGRAM_PRIVATE_CONFIG on top, then resolves $ENV values.
func Load(path string) (*Config, error) {
	base := defaultConfig()
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("ENGRAM_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config %s: %w", overlay, err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.StorePath = resolveEnv(cfg.StorePath)
	cfg.Project = resolveEnv(cfg.Project)
	cfg.Embeddings.TEIURL = resolveEnv(cfg.Embeddings.TEIURL)
	cfg.Embeddings.PostgresURL = resolveEnv(cfg.Embeddings.PostgresURL)
	cfg.Extraction.APIKey = resolveEnv(cfg.Extraction.APIKey)
	cfg.Extraction.Model = resolveEnv(cfg.Extraction.Model)

	if cfg.StorePath == "" {
		home, _ := os.UserHomeDir()
		cfg.StorePath = filepath.Join(home, ".engram")
	}
	return &cfg, nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func defaultConfig() *Config {
	return &Config{
		StorePath: envOr("ENGRAM_STORE_PATH", ""),
		Project:   envOr("ENGRAM_PROJECT", ""),
		Embeddings: EmbeddingsConfig{
			TEIURL:      envOr("ENGRAM_TEI_URL", ""),
			PostgresURL: envOr("ENGRAM_PG_URL", ""),
			BatchSize:   32,
		},
		Extraction: ExtractionConfig{
			APIKey:  envOr("ANTHROPIC_API_KEY", ""),
			Timeout: "60s",
		},
		Dream: DreamConfig{
			Disabled: envOr("ENGRAM_DREAM_DISABLED", "") != "",
			Interval: envOr("ENGRAM_DREAM_INTERVAL", "6h"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GraphConfig converts the graph section into store thresholds. Unset or
// unparseable values stay zero so the store's own defaults apply.
func (c *Config) GraphConfig() graph.Config {
	return graph.Config{
		TextDedupThreshold:  c.Graph.TextDedupThreshold,
		EmbedDedupThreshold: c.Graph.EmbedDedupThreshold,
		ExpireThreshold:     c.Graph.ExpireThreshold,
		RecencyHalfLife:     duration(c.Graph.RecencyHalfLife),
		ExpiredRetention:    duration(c.Graph.ExpiredRetention),
		NeverAccessedTTL:    duration(c.Graph.NeverAccessedTTL),
		GCMinInterval:       duration(c.Graph.GCInterval),
		LockStaleAfter:      duration(c.Graph.LockStaleAfter),
	}
}

// DreamConfig converts the dream section into worker thresholds.
func (c *Config) DreamConfig() dream.Config {
	return dream.Config{
		Interval:       duration(c.Dream.Interval),
		Window:         duration(c.Dream.Window),
		MinEpisodes:    c.Dream.MinEpisodes,
		MinClusterSize: c.Dream.MinClusterSize,
		MinReferences:  c.Dream.MinReferences,
		MinTripleCount: c.Dream.MinTripleCount,
		MaxPerCluster:  c.Dream.MaxPerCluster,
		MaxPerCycle:    c.Dream.MaxPerCycle,
	}
}

func duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}
