package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deltapub/deltapub/jobs"
)

type submitCmd struct {
	deps       []string
	maxRetries int
}

func (c *submitCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "submit <kind> <params json>",
		Short: "Submit a job, printing its id",
		Long:  fmt.Sprintf("Submit a job. Kinds: %v", jobs.Kinds()),
		Args:  cobra.ExactArgs(2),
	}
	r.Flags().StringSliceVar(&c.deps, "dep", nil, "id of a job that must succeed first, repeatable")
	r.Flags().IntVar(&c.maxRetries, "max_retries", -1, "transient failures to retry, the config's Executor.MaxRetries when negative")
	return r
}

func (c *submitCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	sub, err := c.submission(cl, args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, err := cl.openStore(ctx)
	if err != nil {
		return err
	}
	id, err := st.Insert(ctx, sub)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"jobID": id,
		"kind":  sub.Kind,
		"repo":  sub.Repo,
		"deps":  sub.Dependencies,
	}).Info("submitted job")
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func (c *submitCmd) submission(cl *cli, args []string) (*jobs.Submission, error) {
	kind := jobs.Kind(args[0])
	raw := json.RawMessage(args[1])
	params, err := jobs.ParseParams(kind, raw)
	if err != nil {
		return nil, err
	}
	deps := make([]jobs.ID, 0, len(c.deps))
	for _, d := range c.deps {
		id, err := strconv.ParseInt(d, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad dependency %q", d)
		}
		deps = append(deps, jobs.ID(id))
	}
	maxRetries := c.maxRetries
	if maxRetries < 0 {
		maxRetries = cl.cfg.Executor.MaxRetries
	}
	sub := &jobs.Submission{
		Kind:         kind,
		Repo:         params.Repository(),
		Params:       raw,
		Dependencies: deps,
		MaxRetries:   maxRetries,
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}
