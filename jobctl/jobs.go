package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"project-tracker/pkg/job"
	"project-tracker/pkg/service"

	"github.com/spf13/cobra"
)

var (
	ingestType string
	ingestSize int64
	ingestWait bool

	bgOptions string
	bgWait    bool

	listAll        bool
	listBackground bool
	listStatus     string
	listLimit      int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <filename>",
	Short: "Start an ingestion job",
	Long: `Start an ingestion job for a file.

Examples:
  jobctl ingest sales.csv
  jobctl ingest report.pdf --type pdf --size 20480 --wait`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recalculate organization analytics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startBackground(cmd.Context(), job.TypeRecomputeAnalytics, true)
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <job_type>",
	Short: "Start a background job (recompute_analytics, archive_old_projects, cleanup_old_jobs)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return startBackground(cmd.Context(), job.BackgroundType(args[0]), false)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the current state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context(), args[0])
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <job_id>",
	Short: "Poll a job until it completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return waitFor(cmd.Context(), args[0])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List ingestion jobs (yours by default, the organization's with --all)
or background jobs with --background.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts by status for your organization",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		var err error
		if isBackgroundID(id) {
			err = apiClient.DeleteBackground(cmd.Context(), id)
		} else {
			err = apiClient.DeleteIngestion(cmd.Context(), id)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", id)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestType, "type", "t", "", "file type (defaults to the filename extension)")
	ingestCmd.Flags().Int64Var(&ingestSize, "size", 0, "file size in bytes")
	ingestCmd.Flags().BoolVarP(&ingestWait, "wait", "w", false, "poll until the job finishes")

	for _, c := range []*cobra.Command{recomputeCmd, triggerCmd} {
		c.Flags().StringVar(&bgOptions, "options", "", `job options as a JSON object, e.g. '{"older_than_days":30}'`)
		c.Flags().BoolVarP(&bgWait, "wait", "w", false, "poll until the job finishes")
	}

	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "list the whole organization's ingestion jobs")
	listCmd.Flags().BoolVarP(&listBackground, "background", "b", false, "list background jobs")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter background jobs by status")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "maximum number of jobs")
}

func runIngest(cmd *cobra.Command, args []string) error {
	filename := args[0]
	fileType := ingestType
	if fileType == "" {
		fileType = extension(filename)
	}
	req := job.IngestionRequest{Filename: filename, FileType: fileType}
	if ingestSize > 0 {
		req.FileSize = &ingestSize
	}

	ticket, err := apiClient.InitiateIngestion(cmd.Context(), req)
	if err != nil {
		return err
	}
	if asJSON && !ingestWait {
		return printJSON(ticket)
	}
	fmt.Printf("Started %s (%s)\nUpload to: %s\nExpires:   %s\n", ticket.JobID, ticket.Status, ticket.UploadURL, ticket.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	if ingestWait {
		return waitFor(cmd.Context(), ticket.JobID)
	}
	return nil
}

func startBackground(ctx context.Context, jobType job.BackgroundType, recompute bool) error {
	var opts json.RawMessage
	if bgOptions != "" {
		opts = json.RawMessage(bgOptions)
	}

	var (
		ticket *service.BackgroundTicket
		err    error
	)
	if recompute {
		ticket, err = apiClient.TriggerRecompute(ctx, opts)
	} else {
		ticket, err = apiClient.TriggerBackground(ctx, job.BackgroundRequest{JobType: jobType, Options: opts})
	}
	if err != nil {
		return err
	}
	if asJSON && !bgWait {
		return printJSON(ticket)
	}
	fmt.Printf("Started %s (%s), estimated %ds\n", ticket.JobID, ticket.Status, ticket.EstimatedTimeSeconds)
	if bgWait {
		return waitFor(ctx, ticket.JobID)
	}
	return nil
}

func showStatus(ctx context.Context, id string) error {
	if isBackgroundID(id) {
		view, err := apiClient.BackgroundStatus(ctx, id)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(view)
		}
		printBackground(view)
		return nil
	}
	j, err := apiClient.IngestionStatus(ctx, id)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(j)
	}
	printIngestion(j)
	return nil
}

func waitFor(ctx context.Context, id string) error {
	if isBackgroundID(id) {
		last := -1
		view, err := apiClient.WaitForBackground(ctx, id, pollInterval, func(v *service.BackgroundStatusView) {
			if !asJSON && v.Job.ProgressPercentage != last {
				last = v.Job.ProgressPercentage
				fmt.Printf("  %3d%%  %s\n", last, deref(v.Job.CurrentStep, string(v.Job.Status)))
			}
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(view)
		}
		printBackground(view)
		return nil
	}

	var lastStatus job.IngestionStatus
	j, err := apiClient.WaitForIngestion(ctx, id, pollInterval, func(j *job.IngestionJob) {
		if !asJSON && j.Status != lastStatus {
			lastStatus = j.Status
			fmt.Printf("  %s\n", j.Status)
		}
	})
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(j)
	}
	printIngestion(j)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer w.Flush()

	if listBackground {
		jobs, err := apiClient.ListBackground(ctx, listLimit, job.BackgroundStatus(listStatus))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(jobs)
		}
		fmt.Fprintln(w, "JOB ID\tTYPE\tSTATUS\tPROGRESS\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\n", j.JobID, j.JobType, j.Status, j.ProgressPercentage, j.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	}

	jobs, err := apiClient.ListIngestion(ctx, listAll, listLimit)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(jobs)
	}
	fmt.Fprintln(w, "JOB ID\tFILE\tTYPE\tSTATUS\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.JobID, j.Filename, j.FileType, j.Status, j.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ingest, err := apiClient.IngestionStats(cmd.Context())
	if err != nil {
		return err
	}
	bg, err := apiClient.BackgroundStats(cmd.Context())
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(map[string]any{"ingestion": ingest, "background": bg})
	}
	fmt.Printf("Ingestion:  total %d  pending %d  processing %d  completed %d  failed %d\n",
		ingest.Total, ingest.Pending, ingest.Processing, ingest.Completed, ingest.Failed)
	fmt.Printf("Background: total %d  queued %d  running %d  completed %d  failed %d\n",
		bg.Total, bg.Queued, bg.Running, bg.Completed, bg.Failed)
	return nil
}

func printIngestion(j *job.IngestionJob) {
	fmt.Printf("Job:     %s\nFile:    %s (%s)\nStatus:  %s\n", j.JobID, j.Filename, j.FileType, j.Status)
	if j.ResultURL != nil {
		fmt.Printf("Result:  %s\n", *j.ResultURL)
	}
	if j.ErrorMessage != nil {
		fmt.Printf("Error:   %s\n", *j.ErrorMessage)
	}
}

func printBackground(v *service.BackgroundStatusView) {
	j := v.Job
	fmt.Printf("Job:      %s\nType:     %s\nStatus:   %s\nProgress: %d%%\nStep:     %s\nElapsed:  %ds\n",
		j.JobID, j.JobType, j.Status, j.ProgressPercentage, deref(j.CurrentStep, "-"), v.ElapsedTimeSeconds)
	if j.ErrorMessage != nil {
		fmt.Printf("Error:    %s\n", *j.ErrorMessage)
	}
}

func extension(filename string) string {
	for i := len(filename) - 1; i >= 0 && filename[i] != '/'; i-- {
		if filename[i] == '.' {
			return filename[i+1:]
		}
	}
	return ""
}
