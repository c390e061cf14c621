package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/enrybds/sayless/internal/client"
	"github.com/enrybds/sayless/internal/config"
	"github.com/enrybds/sayless/internal/service"
)

var (
	serverURL   string
	submitFlags stageFlags
	submitWatch bool
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [job-id]",
	Short: "List or inspect background jobs on a sayless server",
	Long: `List all background jobs or inspect a specific job by ID.

Examples:
  sayless jobs           # List all jobs
  sayless jobs abc123    # Show details for job abc123
  sayless jobs cancel abc123`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Pause a running job (progress is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.New(serverURL).CancelJob(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		fmt.Printf("Job %s is pausing\n", args[0])
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <stage> [image-dir]",
	Short: "Run a stage as a background job on a sayless server",
	Long: `Start a transcribe, classify or embed run on a sayless server and follow
its progress. Ctrl+C detaches; the job keeps running on the server.

Examples:
  sayless submit transcribe /data/images
  sayless submit classify --rpm 300
  sayless submit embed --watch=false`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSubmit,
}

func init() {
	jobsCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default $SAYLESS_SERVER_URL or "+client.DefaultEndpoint+")")
	submitCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default $SAYLESS_SERVER_URL or "+client.DefaultEndpoint+")")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", true, "follow progress until the job ends")
	submitFlags.register(submitCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	c := client.New(serverURL)

	if len(args) == 1 {
		job, err := c.GetJob(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get job: %w", err)
		}
		showJob(job)
		return nil
	}

	jobs, err := c.ListJobs(cmd.Context())
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-10s %-12s %-10s %-10s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "STARTED")
	fmt.Println("------------------------------------------------------------------------")
	for _, job := range jobs {
		progress := ""
		if job.Total > 0 {
			progress = fmt.Sprintf("%d/%d", job.Progress, job.Total)
		}
		started := job.StartedAt.Format("15:04:05")
		fmt.Printf("%-10s %-12s %-10s %-10s %s\n", job.ID, job.Type, job.Status, progress, started)
	}
	return nil
}

func showJob(job *service.JobInfo) {
	fmt.Printf("Job: %s\n", job.ID)
	fmt.Printf("  Type: %s\n", job.Type)
	fmt.Printf("  Status: %s\n", job.Status)
	if job.Total > 0 {
		fmt.Printf("  Progress: %d/%d\n", job.Progress, job.Total)
	}
	fmt.Printf("  Started: %s\n", job.StartedAt.Format(time.RFC3339))
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
		fmt.Printf("  Duration: %s\n", job.CompletedAt.Sub(job.StartedAt).Round(time.Second))
	}
	if job.Error != "" {
		fmt.Printf("  Error: %s\n", job.Error)
	}
	if job.Result != nil {
		fmt.Println()
		printReport(os.Stdout, *job.Result, nil)
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	stage := args[0]
	opts := client.RunOptions{
		Restart:       submitFlags.restart,
		MaxItems:      submitFlags.maxItems,
		Concurrency:   submitFlags.concurrency,
		RatePerMinute: submitFlags.rpm,
	}
	if len(args) == 2 {
		opts.Input = args[1]
	}
	if stage == config.StageTranscribe && opts.Input == "" {
		return fmt.Errorf("transcribe needs an image directory")
	}

	c := client.New(serverURL)
	job, err := c.StartRun(cmd.Context(), stage, opts)
	if err != nil {
		return fmt.Errorf("start %s: %w", stage, err)
	}
	fmt.Printf("Started job %s (%s)\n", job.ID, stage)
	if !submitWatch {
		return nil
	}

	final, detached, err := watchJob(cmd.Context(), stage, func(ctx context.Context, onUpdate func(service.JobInfo) error) (*service.JobInfo, error) {
		return c.WatchJob(ctx, job.ID, onUpdate)
	})
	if detached {
		fmt.Println(defaultTheme.hintStyle().Render(
			fmt.Sprintf("Job %s continues in background.\nUse 'sayless jobs %s' to check status.", job.ID, job.ID)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("watch job: %w", err)
	}

	showJob(final)
	if final.Status == service.JobStatusFailed {
		return fmt.Errorf("job %s failed", final.ID)
	}
	return nil
}
