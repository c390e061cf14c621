package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/runner"
	"github.com/enrybds/sayless/internal/service"
)

// stageFlags are shared by every batch stage command.
type stageFlags struct {
	restart     bool
	maxItems    int
	concurrency int
	rpm         float64
}

func (f *stageFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.restart, "restart", false, "reset the checkpoint and start from the first item")
	cmd.Flags().IntVar(&f.maxItems, "max-items", 0, "stop after this many items (0 = no cap)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "max in-flight calls (0 = stage default)")
	cmd.Flags().Float64Var(&f.rpm, "rpm", 0, "max calls started per minute (0 = stage default)")
}

func (f *stageFlags) options() service.RunOptions {
	return service.RunOptions{
		Restart:       f.restart,
		MaxItems:      f.maxItems,
		Concurrency:   f.concurrency,
		RatePerMinute: f.rpm,
	}
}

var (
	transcribeFlags stageFlags
	classifyFlags   stageFlags
	embedFlags      stageFlags
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <image-dir>",
	Short: "Transcribe the text in every image under a directory",
	Long: `Transcribe every .jpg, .jpeg, .png and .webp image under a directory.

Results are cached per image and exported to transcripts.csv in the data
directory. Press Ctrl+C to pause; the next run resumes from the checkpoint.

Examples:
  sayless transcribe ./images
  sayless transcribe ./images --max-items 50 --rpm 20
  sayless transcribe ./images --restart`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd, config.StageTranscribe, args[0], transcribeFlags)
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify the transcribed texts into categories",
	Long: `Classify every usable text in transcripts.csv and export classified.csv.

Identical texts are classified once. Texts that failed transcription or
hold no text are skipped.

Examples:
  sayless classify
  sayless classify --concurrency 10 --rpm 300`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd, config.StageClassify, "", classifyFlags)
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Precompute embeddings for the corpus",
	Long: `Embed every corpus text not yet in the embedding cache so that rank
queries only embed the query itself.

Examples:
  sayless embed`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd, config.StageEmbed, "", embedFlags)
	},
}

func init() {
	transcribeFlags.register(transcribeCmd)
	classifyFlags.register(classifyCmd)
	embedFlags.register(embedCmd)
}

// runStage runs a batch stage in-process and always prints the summary.
func runStage(cmd *cobra.Command, stage, input string, flags stageFlags) error {
	p, err := newPipeline(stage == config.StageEmbed)
	if err != nil {
		return err
	}

	report, err := runWithProgress(cmd.Context(), stage, func(ctx context.Context, onProgress func(runner.Progress)) (runner.Report, error) {
		opts := flags.options()
		opts.OnProgress = onProgress
		return p.Run(ctx, stage, input, opts)
	})
	if report.Name == "" {
		report.Name = stage
	}

	printReport(os.Stdout, report, err)
	if err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	if report.State == runner.StatePaused {
		fmt.Printf("\nRun the same command again to resume from item %d.\n", report.Resume)
	}
	return nil
}
