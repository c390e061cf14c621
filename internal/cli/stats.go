package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/enrybds/sayless/internal/client"
	"github.com/enrybds/sayless/internal/metrics"
	"github.com/enrybds/sayless/internal/service"
)

var statsServer string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show category counts of the classified corpus",
	Long: `Show how many texts each category holds in classified.csv.

Examples:
  sayless stats
  sayless stats --server http://localhost:5002`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint and cache state of every stage",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statsCmd.Flags().StringVar(&statsServer, "server", "", "query a running sayless server")
}

func runStats(cmd *cobra.Command, args []string) error {
	var counts []service.CategoryCount
	var total int
	if statsServer != "" {
		stats, err := client.New(statsServer).GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}
		counts, total = stats.Categories, stats.TotalTexts
		printServerStats(stats.Embedded, stats.Metrics)
	} else {
		p, err := newPipeline(false)
		if err != nil {
			return err
		}
		counts, total, err = p.CategoryStats()
		if err != nil {
			return err
		}
	}

	if total == 0 {
		fmt.Println("No classified texts yet. Run 'sayless classify' first.")
		return nil
	}

	fmt.Printf("Total texts: %d\n\n", total)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tCOUNT\tSHARE")
	for _, c := range counts {
		fmt.Fprintf(w, "%s\t%d\t%5.1f%%\n", c.Category, c.Count, float64(c.Count)/float64(total)*100)
	}
	return w.Flush()
}

func printServerStats(embedded int, snap metrics.Snapshot) {
	uptime := time.Duration(snap.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Printf("Server uptime:  %s\n", uptime)
	fmt.Printf("Embedded texts: %d\n\n", embedded)

	ops := []struct {
		name string
		op   *metrics.OperationSnapshot
	}{
		{metrics.OpTranscribe, snap.Transcribe},
		{metrics.OpClassify, snap.Classify},
		{metrics.OpGenerate, snap.Generate},
		{metrics.OpEmbedding, snap.Embedding},
		{metrics.OpFlush, snap.Flush},
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tCALLS\tERRORS\tAVG MS\tTOKENS IN/OUT")
	for _, o := range ops {
		if o.op == nil {
			continue
		}
		tokens := "-"
		if o.op.TotalInputTokens != nil && o.op.TotalOutputTokens != nil {
			tokens = fmt.Sprintf("%d/%d", *o.op.TotalInputTokens, *o.op.TotalOutputTokens)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.0f\t%s\n", o.name, o.op.Count, o.op.Errors, o.op.AvgTimeMs, tokens)
	}
	_ = w.Flush()
	fmt.Println()
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := newPipeline(false)
	if err != nil {
		return err
	}
	statuses, err := p.Status(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tCURSOR\tCACHED\tRUNNING")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%d\t%d\t%t\n", s.Stage, s.Cursor, s.Cached, s.Running)
	}
	return w.Flush()
}
