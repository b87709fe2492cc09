package commands

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"docbatch/internal/client"
	"docbatch/internal/models"
)

func newSubmitCommand(opts *globalOptions) *cobra.Command {
	var (
		file     string
		batchID  string
		interval int
		backends []string
		noStore  bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch from a JSON Lines file",
		Long: `Submit a batch of documents. Each line of the input holds one
{"document_id": "...", "text": "...", "metadata": {...}} object.
Use --file - to read from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("failed to open input: %w", err)
				}
				defer f.Close()
				in = f
			}

			docs, err := client.ReadDocuments(in)
			if err != nil {
				return fmt.Errorf("failed to read documents: %w", err)
			}

			req := &models.SubmitRequest{
				BatchID:            batchID,
				Documents:          docs,
				CheckpointInterval: interval,
			}
			switch {
			case noStore:
				req.EnabledBackends = []string{}
			case len(backends) > 0:
				req.EnabledBackends = backends
			}

			job, err := opts.client().Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), opts.output, job)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON Lines input file, or - for stdin")
	cmd.Flags().StringVarP(&batchID, "batch-id", "b", "", "caller supplied batch identifier")
	cmd.Flags().IntVar(&interval, "checkpoint-interval", 0, "documents between checkpoints (server default when 0)")
	cmd.Flags().StringSliceVar(&backends, "backend", nil, "storage backend to write to; repeatable (server default when unset)")
	cmd.Flags().BoolVar(&noStore, "no-storage", false, "process without writing to any storage backend")
	_ = cmd.MarkFlagRequired("file")
	cmd.MarkFlagsMutuallyExclusive("backend", "no-storage")
	return cmd
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var showStats bool

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := printJobs(out, opts.output, job); err != nil {
				return err
			}
			if opts.output == "json" {
				return nil
			}
			if job.ErrorMessage != "" {
				fmt.Fprintf(out, "\nerror: %s\n", job.ErrorMessage)
			}
			if showStats && len(job.Statistics) > 0 {
				keys := make([]string, 0, len(job.Statistics))
				for k := range job.Statistics {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintln(out, "\nstatistics:")
				for _, k := range keys {
					fmt.Fprintf(out, "  %s = %d\n", k, job.Statistics[k])
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showStats, "stats", false, "print job statistics")
	return cmd
}

func newListCommand(opts *globalOptions) *cobra.Command {
	var lo client.ListOptions

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lo.Status = strings.ToUpper(lo.Status)
			jobs, err := opts.client().List(cmd.Context(), lo)
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			return printJobs(cmd.OutOrStdout(), opts.output, jobs...)
		},
	}

	cmd.Flags().StringVar(&lo.Status, "status", "", "only jobs in this status")
	cmd.Flags().StringVar(&lo.BatchID, "batch-id", "", "only jobs with this batch id")
	cmd.Flags().IntVar(&lo.Limit, "limit", 0, "maximum number of jobs (server default when 0)")
	cmd.Flags().IntVar(&lo.Offset, "offset", 0, "number of jobs to skip")
	return cmd
}

func newControlCommand(opts *globalOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [job-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			var (
				resp *models.ControlResponse
				err  error
			)
			switch action {
			case "pause":
				resp, err = c.Pause(cmd.Context(), args[0])
			case "resume":
				resp, err = c.Resume(cmd.Context(), args[0])
			default:
				resp, err = c.Cancel(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", resp.JobID, resp.Status, resp.Message)
			return nil
		},
	}
}
