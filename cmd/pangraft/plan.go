package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/glennswest/pangraft/pkg/onboard"
)

func newPlanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <sites-file>",
		Short: "Show where each site would land without changing the tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sites, err := onboard.LoadSites(args[0])
			if err != nil {
				return err
			}
			client, err := a.tenantClient()
			if err != nil {
				return err
			}
			locations, err := client.ListLocations(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing locations: %w", err)
			}

			entries := onboard.Plan(sites, locations, a.profileSelector(), a.log)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SITE\tLOCATION\tREGION\tAGGREGATE\tDISTANCE\tBANDWIDTH\tSTATUS")
			failed := 0
			for _, e := range entries {
				status := "ok"
				if e.Err != nil {
					status = e.Err.Error()
					failed++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s km\t%d Mbps\t%s\n",
					e.Site,
					e.Location.Display,
					e.Location.Region,
					e.Location.AggregateRegion,
					humanize.Comma(int64(e.DistanceKm)),
					e.Bandwidth,
					status,
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			totals := onboard.BandwidthByRegion(entries)
			regions := make([]string, 0, len(totals))
			for r := range totals {
				regions = append(regions, r)
			}
			sort.Strings(regions)
			parts := make([]string, 0, len(regions))
			for _, r := range regions {
				parts = append(parts, fmt.Sprintf("%s +%d Mbps", r, totals[r]))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nbandwidth to add: %s\n", strings.Join(parts, ", "))

			if failed > 0 {
				return fmt.Errorf("%d of %d sites would fail", failed, len(entries))
			}
			return nil
		},
	}
}
