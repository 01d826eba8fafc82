package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/queue"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage queued jobs",
	Long: `Inspect and manage jobs in the queue.

This command group is designed to be script-friendly:

- stable job ids with short-prefix matching
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old terminal jobs",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("status", "", "Filter by status: pending, processing, completed, failed")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "720h", "Delete terminal jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("compact", false, "Reclaim storage after deleting")
}

func openQueue(ctx context.Context) (queue.Queue, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	q, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to open job queue", err)
	}
	return q, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")
	statusFilter, _ := cmd.Flags().GetString("status")

	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	jobs, err := q.List(ctx)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
	}
	if statusFilter != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == job.Status(statusFilter) {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tSKILL\tTRIGGER\tCREATED\tBRANCH")
	for _, j := range jobs {
		skill := string(j.Skill)
		if skill == "" {
			skill = "-"
		}
		branch := j.BranchName
		if branch == "" {
			branch = "-"
		}
		status := string(j.Status)
		if j.Metadata["orphaned"] == "true" {
			status += " (orphaned)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			status,
			skill,
			j.Trigger.Ref(),
			j.CreatedAt.UTC().Format(time.RFC3339),
			branch,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	jobID, err := resolveJobID(ctx, q, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	j, err := q.Get(ctx, jobID)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load job", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", j.JobID)
	_, _ = fmt.Fprintf(os.Stdout, "status=%s\n", j.Status)
	if j.Metadata["orphaned"] == "true" {
		_, _ = fmt.Fprintf(os.Stdout, "orphaned=true\n")
	}
	_, _ = fmt.Fprintf(os.Stdout, "trigger=%s\n", j.Trigger.Ref())
	if j.Skill != "" {
		_, _ = fmt.Fprintf(os.Stdout, "skill=%s\n", j.Skill)
	}
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", j.CreatedAt.UTC().Format(time.RFC3339))
	if j.WorkspacePath != "" {
		_, _ = fmt.Fprintf(os.Stdout, "workspace=%s\n", j.WorkspacePath)
	}
	if j.BranchName != "" {
		_, _ = fmt.Fprintf(os.Stdout, "branch=%s\n", j.BranchName)
	}
	if j.Result != nil {
		_, _ = fmt.Fprintf(os.Stdout, "success=%t\n", j.Result.Success)
		_, _ = fmt.Fprintf(os.Stdout, "changes_made=%t\n", j.Result.ChangesMade)
		if j.Result.CommitHash != "" {
			_, _ = fmt.Fprintf(os.Stdout, "commit=%s\n", j.Result.CommitHash)
		}
		if j.Result.ReviewRequestURL != "" {
			_, _ = fmt.Fprintf(os.Stdout, "review_request=%s\n", j.Result.ReviewRequestURL)
		}
		if j.Result.Message != "" {
			_, _ = fmt.Fprintf(os.Stdout, "message=%s\n", j.Result.Message)
		}
	}
	if j.Error != "" {
		_, _ = fmt.Fprintf(os.Stdout, "error=%s\n", j.Error)
	}
	return nil
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	compact, _ := cmd.Flags().GetBool("compact")

	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age value", err)
	}

	q, err := openQueue(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	if dryRun {
		jobs, err := q.List(ctx)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to list jobs", err)
		}
		cutoff := time.Now().Add(-maxAge)
		count := 0
		for _, j := range jobs {
			if j.Status.Terminal() && j.CreatedAt.Before(cutoff) {
				count++
			}
		}
		_, _ = fmt.Fprintf(os.Stdout, "would delete %d job(s) older than %s\n", count, maxAge)
		return nil
	}

	removed, err := q.Cleanup(ctx, maxAge)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to clean up jobs", err)
	}
	if compact {
		if err := q.Compact(ctx); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to compact queue storage", err)
		}
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted %d job(s)\n", removed)
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

// resolveJobID accepts a full job id or a unique prefix (allows
// table-friendly short ids).
func resolveJobID(ctx context.Context, q queue.Queue, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := q.Get(ctx, input); err == nil {
		return input, nil
	}

	jobs, err := q.List(ctx)
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id", len(matches))
	}
	return matches[0], nil
}
