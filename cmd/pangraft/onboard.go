package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/glennswest/pangraft/pkg/journal"
	"github.com/glennswest/pangraft/pkg/onboard"
)

func newOnboardCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "onboard <sites-file> <domain>",
		Short: "Create remote networks for every site, push, and print the tunnel records",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// A BGP ASN on the command line turns BGP on for every site
			// that does not say otherwise.
			if cmd.Flags().Changed("bgp-asn") {
				a.cfg.Onboard.BGPDefault = true
			}
			a.cfg.Onboard.Domain = args[1]
			return a.runOnboard(cmd.Context(), cmd, args[0], output)
		},
	}
	a.cfg.BindFlags(cmd.Flags())
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the site records to this file instead of stdout")
	return cmd
}

func (a *app) runOnboard(ctx context.Context, cmd *cobra.Command, sitesPath, output string) error {
	sites, err := onboard.LoadSites(sitesPath)
	if err != nil {
		return err
	}

	client, err := a.tenantClient()
	if err != nil {
		return err
	}
	stopTracing := a.startTracing(ctx)
	defer stopTracing()

	addresses, closeAddresses, err := a.addressAllocator(ctx)
	if err != nil {
		return err
	}
	defer closeAddresses()

	j, err := journal.Open(a.cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}

	batch := onboard.NewBatch(client, addresses, a.profileSelector(), a.publisher(client), a.serviceResolver(client), j, a.metrics,
		onboard.BatchOptions{
			Onboard: onboard.Options{
				Domain:      a.cfg.Onboard.Domain,
				Folder:      a.cfg.Tenant.Folder,
				LicenseType: a.cfg.Onboard.LicenseType,
				BGPASN:      a.cfg.Onboard.BGPASN,
				BGPDefault:  a.cfg.Onboard.BGPDefault,
			},
			OnError:       onboard.ErrorPolicy(a.cfg.Onboard.OnError),
			SkipCompleted: a.cfg.Onboard.SkipCompleted,
			NoPush:        a.cfg.Onboard.NoPush,
		}, a.log)

	a.log.Infow("starting onboarding run", "run", batch.RunID(), "sites", len(sites), "domain", a.cfg.Onboard.Domain)
	report, runErr := batch.Run(ctx, sites)
	defer a.pushMetrics(batch.RunID())

	// Records are written even after a failure: the keys in them exist
	// nowhere else.
	if report != nil && (runErr == nil || len(report.Records) > 0) {
		if err := a.writeRecords(cmd, report, output); err != nil {
			if runErr == nil {
				return err
			}
			a.log.Errorw("writing records failed", "error", err)
		}
	}
	if report != nil {
		a.log.Infow("onboarding run finished",
			"run", report.RunID,
			"onboarded", len(report.Records),
			"failed", len(report.Failures),
			"skipped", len(report.Skipped),
		)
		for _, f := range report.Failures {
			a.log.Errorw("site failed", "site", f.Site, "error", f.Err)
		}
		if issued := addresses.Issued(); len(issued) > 0 {
			a.log.Infow("BGP peering addresses tracked", "netblock", addresses.Prefix(), "count", len(issued))
		}
		a.reportLeftovers(j, report.RunID)
	}
	return runErr
}

// reportLeftovers logs the objects this run created for sites that did not
// complete. Nothing is rolled back, so these need manual cleanup or a rerun.
func (a *app) reportLeftovers(j *journal.Journal, runID string) {
	state := j.Snapshot()
	names := make([]string, 0, len(state.Sites))
	for name := range state.Sites {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e := state.Sites[name]
		if e.RunID != runID || e.Status == journal.StatusCompleted {
			continue
		}
		if len(e.Gateways) == 0 && len(e.Tunnels) == 0 && e.BandwidthAdded == 0 {
			continue
		}
		a.log.Warnw("objects left behind",
			"site", name,
			"status", e.Status,
			"bandwidthAdded", e.BandwidthAdded,
			"gateways", e.Gateways,
			"tunnels", e.Tunnels,
		)
	}
}

func (a *app) writeRecords(cmd *cobra.Command, report *onboard.Report, output string) error {
	data, err := report.MarshalRecords()
	if err != nil {
		return fmt.Errorf("encoding records: %w", err)
	}
	if output == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}
	a.log.Infow("records written", "path", output, "sites", len(report.Records))
	return nil
}
