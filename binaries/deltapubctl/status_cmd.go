package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/deltapub/deltapub/jobs"
)

type statusCmd struct {
	asJSON bool
}

func (c *statusCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "status <job id>...",
		Short: "Print the status of jobs",
		Args:  cobra.MinimumNArgs(1),
	}
	r.Flags().BoolVar(&c.asJSON, "json", false, "print jobs as JSON")
	return r
}

func (c *statusCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	st, err := cl.openStore(ctx)
	if err != nil {
		return err
	}
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "bad job id %q", arg)
		}
		job, err := st.Get(ctx, jobs.ID(id))
		if err != nil {
			return errors.Wrapf(err, "job %d", id)
		}
		if c.asJSON {
			b, err := json.Marshal(job)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			continue
		}
		printJob(cmd.OutOrStdout(), job)
	}
	return nil
}

func printJob(w io.Writer, job *jobs.Job) {
	fmt.Fprintf(w, "Job %d: %s %s\n", job.ID, job.Kind, job.Status)
	fmt.Fprintf(w, "  Repo:    %s\n", job.Repo)
	fmt.Fprintf(w, "  Params:  %s\n", job.Params)
	if len(job.Dependencies) > 0 {
		fmt.Fprintf(w, "  Deps:    %v\n", job.Dependencies)
	}
	fmt.Fprintf(w, "  Retries: %d/%d\n", job.RetryCount, job.MaxRetries)
	fmt.Fprintf(w, "  Created: %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.Status == jobs.StatusNew && job.RunAt.After(time.Now()) {
		fmt.Fprintf(w, "  RunAt:   %s\n", job.RunAt.Format(time.RFC3339))
	}
	if job.StartedAt != nil {
		fmt.Fprintf(w, "  Started: %s by %s\n", job.StartedAt.Format(time.RFC3339), job.Lease)
	}
	if job.EndedAt != nil {
		fmt.Fprintf(w, "  Ended:   %s\n", job.EndedAt.Format(time.RFC3339))
	}
	if job.Results != "" {
		fmt.Fprintf(w, "  Results: %s\n", job.Results)
	}
}
