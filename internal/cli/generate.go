package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/enrybds/sayless/internal/client"
	"github.com/enrybds/sayless/internal/service"
)

var (
	genCategory    string
	genStyle       string
	genTopic       string
	genTemperature float64
	genModel       string
	genCount       int
	genExamples    int
	genSave        bool
	genServer      string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate new texts in the style of the corpus",
	Long: `Generate texts using classified corpus texts as few-shot examples.

Variants already generated for the same parameters are served from the
cache first; the model is only called for the remainder.

Examples:
  sayless generate --category humor_entretenimiento
  sayless generate --style ironico --topic lunes --count 5 --save
  sayless generate --server http://localhost:5002 --count 3`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&genCategory, "category", "", "category to draw examples from (empty = whole corpus)")
	generateCmd.Flags().StringVar(&genStyle, "style", "", "requested style")
	generateCmd.Flags().StringVar(&genTopic, "topic", "", "requested topic")
	generateCmd.Flags().Float64Var(&genTemperature, "temperature", -1, "sampling temperature 0-2 (default from config)")
	generateCmd.Flags().StringVar(&genModel, "model", "", "generation model (default from config)")
	generateCmd.Flags().IntVarP(&genCount, "count", "n", 1, fmt.Sprintf("number of texts (max %d)", service.MaxGenerateCount))
	generateCmd.Flags().IntVar(&genExamples, "examples", 0, "examples per prompt (default from config)")
	generateCmd.Flags().BoolVar(&genSave, "save", false, "write the texts to a batch file")
	generateCmd.Flags().StringVar(&genServer, "server", "", "use a running sayless server instead of local files")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	temperature := genTemperature
	if temperature < 0 {
		temperature = cfg.Temperature
	}
	if temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}

	var texts []string
	var file string
	var genErr error
	if genServer != "" {
		res, err := generateRemote(ctx, temperature)
		if err != nil {
			return err
		}
		texts, file = res.Texts, res.File
		if res.Error != "" {
			genErr = fmt.Errorf("%s", res.Error)
		}
	} else {
		var err error
		texts, file, genErr, err = generateLocal(ctx, temperature)
		if err != nil {
			return err
		}
	}

	if len(texts) == 0 {
		if genErr != nil {
			return fmt.Errorf("generate: %w", genErr)
		}
		return fmt.Errorf("no texts generated")
	}

	for i, text := range texts {
		fmt.Printf("%d. %s\n", i+1, text)
	}
	if file != "" {
		fmt.Printf("\nSaved to %s\n", file)
	}
	if genErr != nil {
		fmt.Printf("\n%s\n", defaultTheme.errorStyle().Render(
			fmt.Sprintf("Only %d of %d texts generated: %v", len(texts), genCount, genErr)))
	}
	return nil
}

// generateLocal returns generation failures separately from setup errors so
// partial results are still printed.
func generateLocal(ctx context.Context, temperature float64) (texts []string, file string, genErr, err error) {
	p, err := newPipeline(false)
	if err != nil {
		return nil, "", nil, err
	}
	gen, err := p.OpenGenerator(ctx)
	if err != nil {
		return nil, "", nil, err
	}
	defer gen.Close() //nolint:errcheck

	texts, genErr = gen.Generate(ctx, service.GenerateRequest{
		Category:    genCategory,
		Style:       genStyle,
		Topic:       genTopic,
		Temperature: temperature,
		Model:       genModel,
		Count:       genCount,
		Examples:    genExamples,
	})
	if genSave && len(texts) > 0 {
		file, err = gen.SaveBatch(texts)
		if err != nil {
			return texts, "", genErr, fmt.Errorf("save batch: %w", err)
		}
	}
	return texts, file, genErr, nil
}

func generateRemote(ctx context.Context, temperature float64) (*client.GenerateResult, error) {
	c := client.New(genServer)
	return c.Generate(ctx, client.GenerateRequest{
		Category:    genCategory,
		Style:       genStyle,
		Topic:       genTopic,
		Temperature: &temperature,
		Model:       genModel,
		Count:       genCount,
		Examples:    genExamples,
		Save:        genSave,
	})
}
