package onboard

import (
	"go.uber.org/zap"

	"github.com/glennswest/pangraft/pkg/tenant"
)

// PlanEntry is what onboarding a site would do, worked out without writing
// anything to the tenant.
type PlanEntry struct {
	Site       string
	Location   tenant.Location
	DistanceKm float64
	Bandwidth  int
	Profiles   CryptoProfiles
	Subnets    []string
	// Err is the first problem that would stop this site.
	Err error
}

// Plan resolves every site against locations and checks its platform and
// subnets. It never fails as a whole; per-site problems land in Err.
func Plan(sites []Site, locations []tenant.Location, profiles ProfileSelector, log *zap.SugaredLogger) []PlanEntry {
	resolver := NewLocationResolver(log)
	out := make([]PlanEntry, 0, len(sites))
	for _, site := range sites {
		e := PlanEntry{Site: site.Name, Bandwidth: site.Bandwidth}

		nearest, err := resolver.Resolve(site, locations)
		if err != nil {
			e.Err = err
			out = append(out, e)
			continue
		}
		e.Location = nearest.Location
		e.DistanceKm = nearest.DistanceKm

		if e.Profiles, err = profiles.Select(site); err != nil {
			e.Err = err
		} else if e.Subnets, err = ValidateSubnets(site); err != nil {
			e.Err = err
		}
		out = append(out, e)
	}
	return out
}

// BandwidthByRegion sums the bandwidth the plannable sites would add per
// aggregate region.
func BandwidthByRegion(entries []PlanEntry) map[string]int {
	sum := make(map[string]int)
	for _, e := range entries {
		if e.Err != nil {
			continue
		}
		sum[e.Location.AggregateRegion] += e.Bandwidth
	}
	return sum
}
