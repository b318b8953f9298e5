package onboard

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/glennswest/pangraft/pkg/ipam"
	"github.com/glennswest/pangraft/pkg/journal"
	"github.com/glennswest/pangraft/pkg/observability"
	"github.com/glennswest/pangraft/pkg/tenant"
)

// TenantAPI is everything a site onboarding writes to.
type TenantAPI interface {
	BandwidthStore
	TunnelAPI
	CreateRemoteNetwork(ctx context.Context, rn tenant.RemoteNetwork) (*tenant.RemoteNetwork, error)
}

// AddressAllocator draws BGP peering addresses.
type AddressAllocator interface {
	Draw(ctx context.Context, owner string) (ipam.Pair, error)
}

// Options are the run-wide onboarding settings.
type Options struct {
	Domain      string
	Folder      string
	LicenseType string
	// BGPASN is the AS number the branches announce.
	BGPASN string
	// BGPDefault applies to sites whose input has no bgp flag.
	BGPDefault bool
	// PeerASN is the tenant's infrastructure AS, reported back for BGP sites.
	PeerASN string
	RunID   string
}

// Onboarder runs the per-site sequence: nearest location, bandwidth,
// primary and optional secondary tunnels, subnet checks, optional BGP and
// the remote network. Nothing is rolled back when a step fails.
type Onboarder struct {
	api       TenantAPI
	resolver  *LocationResolver
	ledger    *BandwidthLedger
	tunnels   *TunnelProvisioner
	addresses AddressAllocator
	journal   *journal.Journal
	metrics   *observability.Metrics
	opts      Options
	log       *zap.SugaredLogger
}

// NewOnboarder wires the per-site components. journal and metrics may be nil.
func NewOnboarder(api TenantAPI, addresses AddressAllocator, profiles ProfileSelector, j *journal.Journal, metrics *observability.Metrics, opts Options, log *zap.SugaredLogger) *Onboarder {
	if opts.LicenseType == "" {
		opts.LicenseType = "FWAAS-AGGREGATE"
	}
	return &Onboarder{
		api:       api,
		resolver:  NewLocationResolver(log),
		ledger:    NewBandwidthLedger(api, metrics, log),
		tunnels:   NewTunnelProvisioner(api, profiles, opts.Domain, opts.Folder, log),
		addresses: addresses,
		journal:   j,
		metrics:   metrics,
		opts:      opts,
		log:       log.Named("onboard"),
	}
}

// UsesBGP reports whether site gets a BGP block.
func (o *Onboarder) UsesBGP(site Site) bool {
	if site.BGP != nil {
		return *site.BGP
	}
	return o.opts.BGPDefault
}

// Onboard provisions one site against the given candidate locations.
func (o *Onboarder) Onboard(ctx context.Context, site Site, locations []tenant.Location) (Record, error) {
	ctx, span := observability.Tracer().Start(ctx, "onboard site")
	span.SetAttributes(attribute.String("pangraft.site", site.Name))
	defer span.End()

	log := o.log.With("site", site.Name)
	if o.UsesBGP(site) && (o.opts.BGPASN == "" || o.addresses == nil) {
		return Record{}, &ValidationError{Site: site.Name, Field: "bgp", Err: errors.New("BGP requested but no AS number configured")}
	}
	if _, err := o.tunnels.profiles.Select(site); err != nil {
		return Record{}, err
	}
	o.note(site.Name, func(e *journal.SiteEntry) {
		// objects from an earlier failed attempt stay listed
		e.Status = journal.StatusInProgress
		e.RunID = o.opts.RunID
		e.Error = ""
	})

	// Step 1: nearest location
	nearest, err := o.resolver.Resolve(site, locations)
	if err != nil {
		return Record{}, err
	}
	loc := nearest.Location
	log.Infow("selected nearest location",
		"location", loc.Display,
		"region", loc.Region,
		"aggregate", loc.AggregateRegion,
		"distanceKm", int(nearest.DistanceKm),
	)
	o.note(site.Name, func(e *journal.SiteEntry) {
		e.Region = loc.Region
		e.AggregateRegion = loc.AggregateRegion
	})

	// Step 2: bandwidth and serving node
	allocation, err := o.ledger.Allocate(ctx, loc.AggregateRegion, site.Bandwidth)
	if err != nil {
		var pe *ProvisioningError
		if errors.As(err, &pe) {
			pe.Site = site.Name
		}
		return Record{}, err
	}
	o.note(site.Name, func(e *journal.SiteEntry) { e.BandwidthAdded = site.Bandwidth })
	spn, err := ServingNode(allocation)
	if err != nil {
		return Record{}, fmt.Errorf("site %q: %w", site.Name, err)
	}
	o.note(site.Name, func(e *journal.SiteEntry) { e.ServingNode = spn })

	// Step 3: primary tunnel
	primary, err := o.provision(ctx, site, RolePrimary, "")
	if err != nil {
		return Record{}, err
	}

	// Step 4: optional secondary tunnel
	var secondary *TunnelPair
	if site.Redundancy {
		secondary, err = o.provision(ctx, site, RoleSecondary, primary.Identity.Suffix)
		if err != nil {
			return Record{}, err
		}
	}

	// Step 5: subnets
	subnets, err := ValidateSubnets(site)
	if err != nil {
		return Record{}, err
	}

	rn := tenant.RemoteNetwork{
		Name:        site.Name,
		Folder:      o.opts.Folder,
		LicenseType: o.opts.LicenseType,
		Region:      loc.Region,
		SPNName:     spn,
		IPSecTunnel: primary.Tunnel.Name,
		Subnets:     subnets,
	}
	if secondary != nil {
		rn.SecondaryIPSecTunnel = secondary.Tunnel.Name
	}

	record := Record{
		PreSharedKey:   primary.Identity.PreSharedKey,
		PrimaryLocalID: primary.Identity.LocalID,
		Region:         loc.Region,
		SPNName:        spn,
	}
	if secondary != nil {
		record.SecondaryLocalID = secondary.Identity.LocalID
		record.SecondaryPreSharedKey = secondary.Identity.PreSharedKey
	}

	// Step 6: optional BGP
	if o.UsesBGP(site) {
		pair, err := o.addresses.Draw(ctx, site.Name)
		if err != nil {
			return Record{}, fmt.Errorf("site %q: drawing BGP addresses: %w", site.Name, err)
		}
		rn.Protocol = &tenant.Routing{BGP: &tenant.BGP{
			Enable:                true,
			PeerAS:                o.opts.BGPASN,
			PeerIPAddress:         pair.Peer.String(),
			LocalIPAddress:        pair.Local.String(),
			Secret:                primary.Identity.PreSharedKey,
			OriginateDefaultRoute: true,
			DoNotExportRoutes:     true,
		}}
		record.PeerASN = o.opts.PeerASN
		record.BGPLocalAddress = pair.Local.String()
		record.BGPPeerAddress = pair.Peer.String()
		log.Infow("assigned BGP peering", "local", pair.Local, "peer", pair.Peer)
	}

	// Step 7: remote network
	log.Infow("creating remote network", "region", loc.Region, "spn", spn, "subnets", len(subnets))
	created, err := o.api.CreateRemoteNetwork(ctx, rn)
	if err != nil {
		return Record{}, &ProvisioningError{Site: site.Name, Resource: "remote network", Name: rn.Name, Err: err}
	}
	o.note(site.Name, func(e *journal.SiteEntry) {
		e.RemoteNetwork = created.Name
		e.Status = journal.StatusCompleted
	})

	return record, nil
}

func (o *Onboarder) provision(ctx context.Context, site Site, role Role, avoid string) (*TunnelPair, error) {
	pair, err := o.tunnels.Provision(ctx, site, role, avoid)
	if pair != nil {
		o.note(site.Name, func(e *journal.SiteEntry) {
			if pair.Gateway != nil {
				e.Gateways = append(e.Gateways, pair.Gateway.Name)
			}
			if pair.Tunnel != nil {
				e.Tunnels = append(e.Tunnels, pair.Tunnel.Name)
			}
		})
	}
	return pair, err
}

// note updates the journal; a journal write failure is logged, not fatal.
func (o *Onboarder) note(site string, fn func(*journal.SiteEntry)) {
	if err := o.journal.Update(site, fn); err != nil {
		o.log.Warnw("journal update failed", "site", site, "error", err)
	}
}
