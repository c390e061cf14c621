// Package cli provides the command-line interface for sayless.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/llm"
	"github.com/enrybds/sayless/internal/metrics"
	"github.com/enrybds/sayless/internal/service"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configFile string
	noTUI      bool

	cfg              config.Config
	logger           *slog.Logger
	closeLogger      func() error
	metricsCollector *metrics.Collector
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sayless",
	Short: "Resumable batch pipeline for short texts",
	Long: `Sayless transcribes images of short texts, classifies them, embeds them for
similarity search and generates new texts in the style of the corpus.

Every stage caches results on disk and checkpoints its progress, so an
interrupted run (Ctrl+C, rate limits, crashes) resumes where it stopped.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()
		if configFile != "" {
			var err error
			cfg, err = config.LoadFile(configFile, cfg)
			if err != nil {
				return err
			}
		}

		level := cfg.LogLevel
		switch {
		case verbose:
			level = slog.LevelDebug
		case interactive():
			// The progress bar owns the terminal; info records go to the log file.
			level = max(level, slog.LevelWarn)
		}
		logger, closeLogger = config.SetupLogger(cfg.LogFile, level)
		slog.SetDefault(logger)
		metricsCollector = metrics.NewCollector()
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogger != nil {
			if err := closeLogger(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
			}
		}
	},
}

// newPipeline wires the stage services. Commands that rank pass
// withEmbedder=true.
func newPipeline(withEmbedder bool) (*service.Pipeline, error) {
	models := llm.NewFactory(cfg, metricsCollector)
	if !withEmbedder {
		return service.NewPipeline(cfg, models, nil, metricsCollector, logger), nil
	}
	embedder, err := llm.NewEmbedder(cfg, metricsCollector)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}
	return service.NewPipeline(cfg, models, embedder, metricsCollector, logger), nil
}

// interactive reports whether the progress UI can take over the terminal.
func interactive() bool {
	return !noTUI && term.IsTerminal(int(os.Stdout.Fd())) && term.IsTerminal(int(os.Stdin.Fd()))
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file overlaid on the environment")
	rootCmd.PersistentFlags().BoolVar(&noTUI, "no-tui", false, "plain log output instead of the progress bar")

	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(rankCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(submitCmd)
}
