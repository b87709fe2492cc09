package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"docbatch/internal/client"
	"docbatch/internal/models"
)

type globalOptions struct {
	server  string
	timeout time.Duration
	output  string
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.server, o.timeout)
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "docbatchctl",
		Short:         "Submit and control document cleaning batches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("DOCBATCH_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", server, "API server base URL")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table or json")

	rootCmd.AddCommand(
		newSubmitCommand(opts),
		newStatusCommand(opts),
		newListCommand(opts),
		newControlCommand(opts, "pause", "Pause a running job at the next chunk boundary"),
		newControlCommand(opts, "resume", "Resume a paused job"),
		newControlCommand(opts, "cancel", "Cancel a queued, running or paused job"),
	)

	return rootCmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJobs(w io.Writer, format string, jobs ...*models.Summary) error {
	if format == "json" {
		if len(jobs) == 1 {
			return printJSON(w, jobs[0])
		}
		return printJSON(w, jobs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tBATCH\tSTATUS\tPROGRESS\tPROCESSED\tFAILED\tTOTAL\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f%%\t%d\t%d\t%d\t%s\n",
			j.ID, dash(j.BatchID), j.Status, j.ProgressPercent,
			j.ProcessedDocuments, j.FailedDocuments, j.TotalDocuments,
			j.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
