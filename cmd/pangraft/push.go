package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newPushCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Push the candidate configuration and wait for the job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.tenantClient()
			if err != nil {
				return err
			}
			stopTracing := a.startTracing(cmd.Context())
			defer stopTracing()

			outcome, err := a.publisher(client).Publish(cmd.Context())
			if outcome != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s after %d polls\n", outcome.JobID, outcome.Status, outcome.Polls)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&a.cfg.Publish.MaxAttempts, "max-polls", a.cfg.Publish.MaxAttempts, "give up on the push job after this many polls (0 = never)")
	return cmd
}

func newServiceIPsCommand(a *app) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "service-ips",
		Short: "Print the service address of every remote network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.tenantClient()
			if err != nil {
				return err
			}
			if !wait {
				a.cfg.ServiceIP.PropagationDelay = 0
			}
			addrs, err := a.serviceResolver(client).Resolve(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(addrs, "", "    ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait the propagation delay before the lookup")
	return cmd
}
