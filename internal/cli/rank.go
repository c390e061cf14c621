package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/enrybds/sayless/internal/client"
	"github.com/enrybds/sayless/internal/similarity"
)

var (
	rankTop    int
	rankServer string
)

var rankCmd = &cobra.Command{
	Use:   "rank <text>",
	Short: "Find the corpus texts most similar to a text",
	Long: `Rank corpus texts by cosine similarity of their embeddings.

Corpus embeddings are computed on first use and cached; run 'sayless embed'
beforehand to precompute them.

Examples:
  sayless rank "los lunes deberían ser opcionales"
  sayless rank "te quiero" --top 10`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRank,
}

func init() {
	rankCmd.Flags().IntVarP(&rankTop, "top", "n", 5, "number of results")
	rankCmd.Flags().StringVar(&rankServer, "server", "", "use a running sayless server instead of local files")
}

func runRank(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	query := strings.Join(args, " ")

	var matches []similarity.Match
	if rankServer != "" {
		res, err := client.New(rankServer).Rank(ctx, query, rankTop)
		if err != nil {
			return fmt.Errorf("rank: %w", err)
		}
		matches = res.Results
	} else {
		p, err := newPipeline(true)
		if err != nil {
			return err
		}
		search, err := p.OpenSearch(ctx)
		if err != nil {
			return err
		}
		defer search.Close() //nolint:errcheck

		matches, err = search.Rank(ctx, query, rankTop)
		if err != nil {
			return fmt.Errorf("rank: %w", err)
		}
	}

	if len(matches) == 0 {
		fmt.Println("No results found")
		return nil
	}

	fmt.Printf("Top %d for %q:\n\n", len(matches), query)
	for i, m := range matches {
		fmt.Printf("%2d. %6.2f%%  [%s]\n    %s\n", i+1, m.Percent, m.Category, m.Text)
	}
	return nil
}
