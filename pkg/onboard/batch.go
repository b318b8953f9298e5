package onboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/glennswest/pangraft/pkg/journal"
	"github.com/glennswest/pangraft/pkg/observability"
	"github.com/glennswest/pangraft/pkg/publish"
	"github.com/glennswest/pangraft/pkg/serviceip"
	"github.com/glennswest/pangraft/pkg/tenant"
)

// ErrSitesFailed is returned after a run that skipped failing sites.
var ErrSitesFailed = errors.New("one or more sites failed")

// BatchAPI is the tenant surface a whole run needs.
type BatchAPI interface {
	TenantAPI
	ListLocations(ctx context.Context) ([]tenant.Location, error)
	GetSharedInfrastructureSettings(ctx context.Context) (*tenant.SharedInfrastructureSettings, error)
}

// Publisher commits the configuration once all sites are in.
type Publisher interface {
	Publish(ctx context.Context) (*publish.Outcome, error)
}

// ServiceIPResolver looks up service addresses after the commit.
type ServiceIPResolver interface {
	Resolve(ctx context.Context) (serviceip.Addresses, error)
}

// ErrorPolicy decides what a site failure does to the rest of the batch.
type ErrorPolicy string

const (
	ErrorAbort ErrorPolicy = "abort"
	ErrorSkip  ErrorPolicy = "skip"
)

// BatchOptions are the run-level switches.
type BatchOptions struct {
	Onboard       Options
	OnError       ErrorPolicy
	SkipCompleted bool
	NoPush        bool
}

// SiteFailure is a site that did not finish.
type SiteFailure struct {
	Site string
	Err  error
}

// Report is everything a run produced. Records is populated even when Run
// returns an error, so keys for sites that were created are never lost.
type Report struct {
	RunID      string
	Records    map[string]Record
	Order      []string
	Failures   []SiteFailure
	Skipped    []string
	Publish    *publish.Outcome
	ServiceIPs serviceip.Addresses
}

// MarshalRecords renders Records as an indented JSON object in input order.
func (r *Report) MarshalRecords() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, name := range r.Order {
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.MarshalIndent(r.Records[name], "    ", "    ")
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteString(",")
		}
		buf.WriteString("\n    ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(val)
	}
	if len(r.Order) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// Batch runs every site, then publishes once and resolves service addresses.
type Batch struct {
	api       BatchAPI
	addresses AddressAllocator
	profiles  ProfileSelector
	publisher Publisher
	services  ServiceIPResolver
	journal   *journal.Journal
	metrics   *observability.Metrics
	opts      BatchOptions
	log       *zap.SugaredLogger
}

// NewBatch wires a run. journal and metrics may be nil.
func NewBatch(api BatchAPI, addresses AddressAllocator, profiles ProfileSelector, publisher Publisher, services ServiceIPResolver, j *journal.Journal, metrics *observability.Metrics, opts BatchOptions, log *zap.SugaredLogger) *Batch {
	if opts.OnError == "" {
		opts.OnError = ErrorAbort
	}
	if opts.Onboard.RunID == "" {
		opts.Onboard.RunID = uuid.NewString()
	}
	return &Batch{
		api:       api,
		addresses: addresses,
		profiles:  profiles,
		publisher: publisher,
		services:  services,
		journal:   j,
		metrics:   metrics,
		opts:      opts,
		log:       log.Named("batch").With("run", opts.Onboard.RunID),
	}
}

// RunID identifies this run in logs, the journal and pushed metrics.
func (b *Batch) RunID() string {
	return b.opts.Onboard.RunID
}

func (b *Batch) usesBGP(site Site) bool {
	if site.BGP != nil {
		return *site.BGP
	}
	return b.opts.Onboard.BGPDefault
}

// Validate checks the batch before anything is written: names present and
// unique, positive bandwidth, a known platform and an AS number for BGP sites.
func (b *Batch) Validate(sites []Site) error {
	if len(sites) == 0 {
		return &ValidationError{Field: "sites", Err: errors.New("no sites to onboard")}
	}

	var errs []error
	seen := sets.New[string]()
	for i, site := range sites {
		if strings.TrimSpace(site.Name) == "" {
			errs = append(errs, &ValidationError{Site: fmt.Sprintf("#%d", i), Field: "name", Err: errors.New("empty")})
			continue
		}
		if seen.Has(site.Name) {
			errs = append(errs, &ValidationError{Site: site.Name, Field: "name", Err: errors.New("duplicate site name")})
		}
		seen.Insert(site.Name)

		if site.Bandwidth <= 0 {
			errs = append(errs, &ValidationError{Site: site.Name, Field: "bandwidth", Value: fmt.Sprint(site.Bandwidth), Err: errors.New("must be positive")})
		}
		if _, err := b.profiles.Select(site); err != nil {
			errs = append(errs, err)
		}
		if b.usesBGP(site) && b.opts.Onboard.BGPASN == "" {
			errs = append(errs, &ValidationError{Site: site.Name, Field: "bgp", Err: errors.New("BGP requested but no AS number configured")})
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Run onboards sites in order, then publishes and resolves service
// addresses. On error the partial report is still returned.
func (b *Batch) Run(ctx context.Context, sites []Site) (*Report, error) {
	report := &Report{RunID: b.RunID(), Records: make(map[string]Record)}

	if err := b.Validate(sites); err != nil {
		return report, err
	}

	opts := b.opts.Onboard

	// Step 1: tenant AS number, only when some site peers over BGP
	for _, site := range sites {
		if !b.usesBGP(site) {
			continue
		}
		settings, err := b.api.GetSharedInfrastructureSettings(ctx)
		if err != nil {
			return report, fmt.Errorf("reading tenant BGP AS: %w", err)
		}
		opts.PeerASN = settings.InfraBGPAS
		b.log.Infow("tenant infrastructure AS", "asn", opts.PeerASN)
		break
	}

	// Step 2: candidate locations, fetched once
	b.log.Info("retrieving edge locations")
	locations, err := b.api.ListLocations(ctx)
	if err != nil {
		return report, fmt.Errorf("listing locations: %w", err)
	}
	b.log.Infow("edge locations loaded", "count", len(locations))

	// Step 3: sites, strictly in input order
	onboarder := NewOnboarder(b.api, b.addresses, b.profiles, b.journal, b.metrics, opts, b.log)
	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if b.opts.SkipCompleted && b.journal.Completed(site.Name) {
			b.log.Infow("skipping site completed in an earlier run", "site", site.Name)
			report.Skipped = append(report.Skipped, site.Name)
			b.metrics.SiteDone("skipped")
			continue
		}

		b.log.Infow("onboarding site", "site", site.Name, "bandwidthMbps", site.Bandwidth, "redundant", site.Redundancy)
		rec, err := onboarder.Onboard(ctx, site, locations)
		if err != nil {
			b.metrics.SiteDone("failed")
			report.Failures = append(report.Failures, SiteFailure{Site: site.Name, Err: err})
			if jerr := b.journal.Update(site.Name, func(e *journal.SiteEntry) {
				e.Status = journal.StatusFailed
				e.Error = err.Error()
			}); jerr != nil {
				b.log.Warnw("journal update failed", "site", site.Name, "error", jerr)
			}
			if b.opts.OnError == ErrorSkip {
				b.log.Errorw("site failed, continuing", "site", site.Name, "error", err)
				continue
			}
			return report, fmt.Errorf("onboarding %s: %w", site.Name, err)
		}

		report.Records[site.Name] = rec
		report.Order = append(report.Order, site.Name)
		b.metrics.SiteDone("onboarded")
	}

	if len(report.Records) == 0 {
		b.log.Warn("no site was onboarded, nothing to push")
		return report, b.failuresErr(report, len(sites))
	}
	if b.opts.NoPush {
		b.log.Info("push disabled, leaving configuration uncommitted")
		return report, b.failuresErr(report, len(sites))
	}

	// Step 4: commit once for the whole batch
	outcome, err := b.publisher.Publish(ctx)
	report.Publish = outcome
	if outcome != nil {
		if jerr := b.journal.SetLastJob(outcome.JobID); jerr != nil {
			b.log.Warnw("journal update failed", "error", jerr)
		}
	}
	if err != nil {
		return report, fmt.Errorf("publishing configuration: %w", err)
	}

	// Step 5: service addresses, joined by remote network name
	addrs, err := b.services.Resolve(ctx)
	if err != nil {
		return report, fmt.Errorf("resolving service addresses: %w", err)
	}
	report.ServiceIPs = addrs
	for name, rec := range report.Records {
		addr, ok := addrs.For(name)
		if !ok {
			b.log.Warnw("no service address listed", "site", name)
			continue
		}
		rec.PeerIP = addr
		report.Records[name] = rec
	}

	return report, b.failuresErr(report, len(sites))
}

func (b *Batch) failuresErr(report *Report, total int) error {
	if len(report.Failures) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d sites: %w", len(report.Failures), total, ErrSitesFailed)
}
