package onboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/glennswest/pangraft/pkg/observability"
	"github.com/glennswest/pangraft/pkg/tenant"
)

// BandwidthStore is the slice of the tenant API the ledger needs.
type BandwidthStore interface {
	GetBandwidthAllocation(ctx context.Context, name string) (*tenant.BandwidthAllocation, error)
	CreateBandwidthAllocation(ctx context.Context, a tenant.BandwidthAllocation) (*tenant.BandwidthAllocation, error)
	UpdateBandwidthAllocation(ctx context.Context, a tenant.BandwidthAllocation) (*tenant.BandwidthAllocation, error)
}

// BandwidthLedger adds site bandwidth to per-region allocations.
//
// Allocate is a read followed by a create or an update; it is not
// idempotent and nothing guards against a concurrent writer between the two
// calls.
type BandwidthLedger struct {
	store   BandwidthStore
	metrics *observability.Metrics
	log     *zap.SugaredLogger
}

// NewBandwidthLedger returns a ledger over store.
func NewBandwidthLedger(store BandwidthStore, metrics *observability.Metrics, log *zap.SugaredLogger) *BandwidthLedger {
	return &BandwidthLedger{store: store, metrics: metrics, log: log.Named("ledger")}
}

// Allocate adds mbps to the region's allocation, creating it when the region
// has none. The returned allocation is what the tenant holds afterwards.
func (l *BandwidthLedger) Allocate(ctx context.Context, region string, mbps int) (*tenant.BandwidthAllocation, error) {
	if mbps <= 0 {
		return nil, fmt.Errorf("allocating %d Mbps in %s: bandwidth must be positive", mbps, region)
	}

	current, err := l.store.GetBandwidthAllocation(ctx, region)
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		created, err := l.store.CreateBandwidthAllocation(ctx, tenant.BandwidthAllocation{
			Name:               region,
			AllocatedBandwidth: mbps,
		})
		if err != nil {
			return nil, &ProvisioningError{Resource: "bandwidth allocation", Name: region, Err: err}
		}
		l.log.Infow("created bandwidth allocation", "region", region, "allocated", mbpsString(created.AllocatedBandwidth))
		l.metrics.SetBandwidth(region, created.AllocatedBandwidth)
		return created, nil

	case err != nil:
		return nil, fmt.Errorf("reading bandwidth allocation %s: %w", region, err)
	}

	next := *current
	next.Name = region
	next.AllocatedBandwidth = current.AllocatedBandwidth + mbps
	next.SPNNameList = append([]string(nil), current.SPNNameList...)

	updated, err := l.store.UpdateBandwidthAllocation(ctx, next)
	if err != nil {
		return nil, &ProvisioningError{Resource: "bandwidth allocation", Name: region, Err: err}
	}
	l.log.Infow("increased bandwidth allocation",
		"region", region,
		"previous", mbpsString(current.AllocatedBandwidth),
		"allocated", mbpsString(updated.AllocatedBandwidth),
	)
	l.metrics.SetBandwidth(region, updated.AllocatedBandwidth)
	return updated, nil
}

// ServingNode returns the serving node a new remote network attaches to:
// the last entry of the allocation's node list.
func ServingNode(a *tenant.BandwidthAllocation) (string, error) {
	if a == nil || len(a.SPNNameList) == 0 {
		name := ""
		if a != nil {
			name = a.Name
		}
		return "", fmt.Errorf("bandwidth allocation %s lists no serving nodes", name)
	}
	return a.SPNNameList[len(a.SPNNameList)-1], nil
}

func mbpsString(mbps int) string {
	return humanize.SIWithDigits(float64(mbps)*1e6, 0, "bps")
}
