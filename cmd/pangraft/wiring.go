package main

import (
	"context"
	"fmt"
	"time"

	"github.com/glennswest/pangraft/pkg/ipam"
	"github.com/glennswest/pangraft/pkg/observability"
	"github.com/glennswest/pangraft/pkg/onboard"
	"github.com/glennswest/pangraft/pkg/publish"
	"github.com/glennswest/pangraft/pkg/serviceip"
	"github.com/glennswest/pangraft/pkg/tenant"
)

// ─── Component wiring ───────────────────────────────────────────────────────

func (a *app) tenantClient() (*tenant.Client, error) {
	return tenant.NewClient(a.cfg.Tenant, a.log, tenant.WithMetrics(a.metrics))
}

func (a *app) profileSelector() onboard.ProfileSelector {
	if a.cfg.Onboard.ProfileStrategy == "fixed" {
		return onboard.FixedProfiles{IKE: a.cfg.Onboard.IKEProfile, IPSec: a.cfg.Onboard.IPSecProfile}
	}
	return onboard.PlatformProfiles{UnknownAsOther: a.cfg.Onboard.UnknownPlatform == "other"}
}

// addressAllocator returns the peering netblock and a close func for the
// address store behind it, if any.
func (a *app) addressAllocator(ctx context.Context) (*ipam.Netblock, func(), error) {
	var (
		opts  []ipam.Option
		store *ipam.SQLiteStore
		err   error
	)
	closer := func() {}

	switch {
	case a.cfg.Onboard.AddressDB != "":
		store, err = ipam.OpenSQLite(ctx, a.cfg.Onboard.AddressDB)
		if err != nil {
			return nil, closer, err
		}
		closer = func() {
			if err := store.Close(); err != nil {
				a.log.Warnw("closing address db", "error", err)
			}
		}
		opts = append(opts, ipam.WithRegistry(store))
	case a.cfg.Onboard.AvoidAddressCollisions:
		opts = append(opts, ipam.WithCollisionAvoidance())
	}

	block, err := ipam.NewNetblock(a.cfg.Onboard.PeerNet, opts...)
	if err != nil {
		closer()
		return nil, func() {}, err
	}
	if store != nil {
		stored, err := store.List(ctx)
		if err != nil {
			closer()
			return nil, func() {}, fmt.Errorf("reading address db: %w", err)
		}
		a.log.Infow("peer netblock seeded from address db",
			"netblock", block.Prefix(),
			"stored", len(stored),
			"reserved", block.Seed(stored),
		)
	}
	return block, closer, nil
}

func (a *app) publisher(api publish.JobAPI) *publish.Publisher {
	return publish.New(api, publish.Options{
		Folders:       a.cfg.Publish.Folders,
		Interval:      a.cfg.Publish.PollInterval,
		MaxAttempts:   a.cfg.Publish.MaxAttempts,
		AcceptUnknown: a.cfg.Publish.UnknownStatus == "succeed",
	}, a.metrics, a.log)
}

func (a *app) serviceResolver(settings serviceip.SettingsSource) *serviceip.Resolver {
	return serviceip.NewResolver(settings, a.cfg.ServiceIP, a.log)
}

func (a *app) startTracing(ctx context.Context) func() {
	shutdown, err := observability.InitTracing(ctx, a.cfg.Observability.Tracing, a.log)
	if err != nil {
		a.log.Warnw("tracing disabled", "error", err)
		return func() {}
	}
	return func() { observability.ShutdownWithTimeout(context.Background(), shutdown, a.log) }
}

// pushMetrics sends the run's metrics to the Pushgateway, if one is configured.
// It runs after the main context may have been cancelled.
func (a *app) pushMetrics(runID string) {
	url := a.cfg.Observability.Pushgateway
	if url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.metrics.Push(ctx, url, a.cfg.Observability.JobName, runID); err != nil {
		a.log.Warnw("pushing metrics failed", "pushgateway", url, "error", err)
		return
	}
	a.log.Infow("metrics pushed", "pushgateway", url, "run", runID)
}
