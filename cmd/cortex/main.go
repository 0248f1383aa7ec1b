// Package main provides the cortex CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cortex",
		Short: "cortex - GPU embedding pipeline with 8-bit ANN search",
		Long: `cortex runs token sequences through a four-stage compute pipeline
(embed, attention, feedforward, layer-norm), quantizes the resulting
embeddings to 8-bit codes and searches quantized databases by inner product.

Features:
  • Command-buffer compute model with a software device
  • Metal device probing on macOS
  • On-device top-K selection
  • Quantized database snapshots in BadgerDB`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", getEnvStr("CORTEX_CONFIG", ""), "Config file (default: search standard locations)")
	rootCmd.PersistentFlags().String("backend", "", "Device backend: auto, cpu, metal, mock")
	rootCmd.PersistentFlags().String("data-dir", "", "Snapshot store directory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cortex v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List compute devices and their availability",
		RunE:  runDevices,
	})

	embedCmd := &cobra.Command{
		Use:   "embed [token-id...]",
		Short: "Run token ids through the sequence pipeline",
		Long: `Run token ids through the sequence pipeline.

Ids are normalized by the vocabulary size, truncated to the maximum
sequence length and processed in chunks. One JSON object is written per chunk.`,
		RunE: runEmbed,
	}
	embedCmd.Flags().Int("chunk-size", 0, "Tokens per chunk (default from config)")
	embedCmd.Flags().Bool("quantize", false, "Also emit 8-bit codes for each chunk")
	rootCmd.AddCommand(embedCmd)

	quantizeCmd := &cobra.Command{
		Use:   "quantize [value...]",
		Short: "Quantize float values to 8-bit codes",
		RunE:  runQuantize,
	}
	quantizeCmd.Flags().String("file", "", "JSON file holding an array of floats")
	quantizeCmd.Flags().Bool("calibrate", getEnvBool("CORTEX_QUANT_CALIBRATE", false), "Derive scale and zero point from the values")
	rootCmd.AddCommand(quantizeCmd)

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Manage quantized database snapshots",
	}
	indexBuildCmd := &cobra.Command{
		Use:   "build NAME",
		Short: "Quantize JSON vectors and store them as a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndexBuild,
	}
	indexBuildCmd.Flags().String("file", "", "JSON file holding an array of float vectors")
	indexBuildCmd.Flags().Bool("calibrate", false, "Derive parameters from the whole database")
	_ = indexBuildCmd.MarkFlagRequired("file")
	indexCmd.AddCommand(indexBuildCmd)
	indexCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		RunE:  runIndexList,
	})
	indexCmd.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Delete a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndexDelete,
	})
	rootCmd.AddCommand(indexCmd)

	searchCmd := &cobra.Command{
		Use:   "search NAME [value...]",
		Short: "Search a stored snapshot with a float query",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().IntP("k", "k", 0, "Number of results (default from config)")
	searchCmd.Flags().String("file", "", "JSON file holding the query vector")
	rootCmd.AddCommand(searchCmd)

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the pipeline and search on random data",
		RunE:  runBench,
	}
	benchCmd.Flags().Int("rows", 4096, "Database rows")
	benchCmd.Flags().Int("dim", 128, "Vector width")
	benchCmd.Flags().Int("queries", 64, "Search queries")
	benchCmd.Flags().Int("sequences", 16, "Pipeline sequences")
	benchCmd.Flags().Int("concurrency", 4, "Concurrent callers")
	benchCmd.Flags().Int64("seed", 1, "Random seed")
	rootCmd.AddCommand(benchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
