package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/shotfolio/internal/jobs"
)

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Print one job record, or all of them, as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var v any
			if len(args) == 1 {
				v, err = a.Jobs.GetJob(cmd.Context(), args[0])
			} else {
				v, err = listJobs(cmd, a.Jobs)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
}

func listJobs(cmd *cobra.Command, store jobs.Store) (map[string]jobs.Job, error) {
	list, err := store.ListJobs(cmd.Context())
	if err != nil {
		return nil, err
	}
	out := make(map[string]jobs.Job, len(list))
	for _, j := range list {
		out[j.ID] = j
	}
	return out, nil
}
