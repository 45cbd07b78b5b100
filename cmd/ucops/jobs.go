package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/tui"
)

type jobsFlags struct {
	page     int
	pageSize int
	output   string
}

func newJobsCmd(g *globalFlags) *cobra.Command {
	flags := &jobsFlags{}

	cmd := &cobra.Command{
		Use:   "jobs [job-id]",
		Short: "List CUCM log jobs on the backend",
		Long: `List the CUCM log collection jobs the backend knows about, including
jobs started outside ucops. With a job id, show that job's per-node
state.`,
		Example: `  ucops jobs
  ucops jobs --page 2 --page-size 50
  ucops jobs 7d1c2f4e --output json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("invalid output format '%s'; must be 'text' or 'json'", flags.output)
			}
			if flags.page < 1 {
				return fmt.Errorf("--page must be >= 1")
			}
			if len(args) == 1 {
				return runJob(cmd.Context(), g, flags, args[0], cmd.OutOrStdout())
			}
			return runJobs(cmd.Context(), g, flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&flags.page, "page", 1, "Page to show")
	cmd.Flags().IntVar(&flags.pageSize, "page-size", 20, "Jobs per page")
	cmd.Flags().StringVar(&flags.output, "output", "text", "Output format: text|json")
	return cmd
}

func runJobs(ctx context.Context, g *globalFlags, flags *jobsFlags, out io.Writer) error {
	s, err := openSession(g)
	if err != nil {
		return err
	}
	defer s.Close()

	page, err := s.client.ListJobs(ctx, flags.page, flags.pageSize)
	if err != nil {
		return s.backendError(err)
	}
	if flags.output == "json" {
		return writeJSON(out, page)
	}
	printJobPage(out, page)
	return nil
}

func runJob(ctx context.Context, g *globalFlags, flags *jobsFlags, id string, out io.Writer) error {
	s, err := openSession(g)
	if err != nil {
		return err
	}
	defer s.Close()

	job, err := s.client.Job(ctx, id)
	if err != nil {
		return s.backendError(err)
	}
	if flags.output == "json" {
		return writeJSON(out, job)
	}
	printJob(out, job)
	return nil
}

func writeJSON(out io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Fprintf(out, "%s\n", data)
	return nil
}

func printJobPage(out io.Writer, page *backend.JobPage) {
	if len(page.Jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return
	}
	table := tui.Table{Headers: []string{"JOB", "STATUS", "PROFILE", "NODES", "CREATED"}}
	for _, j := range page.Jobs {
		table.Rows = append(table.Rows, []string{
			j.ID, string(j.Status), j.Profile, strconv.Itoa(j.NodeCount), humanize.Time(j.CreatedAt),
		})
	}
	fmt.Fprintln(out, table.Render(tui.DefaultStyles))
	fmt.Fprintf(out, "Page %d of %d (%d job(s))\n", page.Page, page.Pages(), page.Total)
}

func printJob(out io.Writer, job *backend.JobDetail) {
	fmt.Fprintf(out, "Job:      %s\n", job.ID)
	fmt.Fprintf(out, "Status:   %s (%.0f%%)\n", job.Status, job.Percent)
	fmt.Fprintf(out, "Profile:  %s\n", job.Profile)
	fmt.Fprintf(out, "Created:  %s\n", job.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if job.StartedAt != nil && job.CompletedAt != nil {
		fmt.Fprintf(out, "Duration: %s\n", job.CompletedAt.Sub(*job.StartedAt).Round(time.Second))
	}
	fmt.Fprintln(out)

	table := tui.Table{Headers: []string{"NODE", "STATUS", "FILES", "ERROR"}}
	for _, n := range job.Nodes {
		table.Rows = append(table.Rows, []string{n.Node, string(n.Status), strconv.Itoa(n.Artifacts), n.Error})
	}
	fmt.Fprintln(out, table.Render(tui.DefaultStyles))
}
