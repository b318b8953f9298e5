package onboard

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/s2"
	"go.uber.org/zap"

	"github.com/glennswest/pangraft/pkg/tenant"
)

// EarthRadiusKm is the mean Earth radius used to turn arc angles into kilometres.
const EarthRadiusKm = 6371.0088

// Nearest is the result of a location lookup.
type Nearest struct {
	Location   tenant.Location
	DistanceKm float64
}

// LocationResolver picks the point-of-presence closest to a site.
type LocationResolver struct {
	log *zap.SugaredLogger
}

// NewLocationResolver returns a resolver logging under "locations".
func NewLocationResolver(log *zap.SugaredLogger) *LocationResolver {
	return &LocationResolver{log: log.Named("locations")}
}

// Resolve returns the candidate with the smallest great-circle distance to
// the site. Ties go to the candidate listed first. Candidates with
// unreadable coordinates are skipped.
func (r *LocationResolver) Resolve(site Site, candidates []tenant.Location) (Nearest, error) {
	lat, lng, err := siteCoordinates(site)
	if err != nil {
		return Nearest{}, &ResolutionError{Site: site.Name, Err: err}
	}
	if len(candidates) == 0 {
		return Nearest{}, &ResolutionError{Site: site.Name, Err: errors.New("no candidate locations")}
	}

	origin := s2.LatLngFromDegrees(lat, lng)
	best := -1
	bestKm := math.Inf(1)
	for i, loc := range candidates {
		clat, clng, err := loc.Coordinates()
		if err != nil {
			r.log.Warnw("skipping location with bad coordinates", "location", loc.Value, "error", err)
			continue
		}
		km := GreatCircleKm(origin, s2.LatLngFromDegrees(clat, clng))
		if km < bestKm {
			best, bestKm = i, km
		}
	}
	if best < 0 {
		return Nearest{}, &ResolutionError{Site: site.Name, Err: errors.New("no candidate location has usable coordinates")}
	}

	return Nearest{Location: candidates[best], DistanceKm: bestKm}, nil
}

// GreatCircleKm returns the great-circle distance between two points.
func GreatCircleKm(a, b s2.LatLng) float64 {
	return a.Distance(b).Radians() * EarthRadiusKm
}

func siteCoordinates(site Site) (lat, lng float64, err error) {
	lat, err = site.Latitude.Degrees()
	if err != nil {
		return 0, 0, fmt.Errorf("latitude %q: %w", site.Latitude, err)
	}
	lng, err = site.Longitude.Degrees()
	if err != nil {
		return 0, 0, fmt.Errorf("longitude %q: %w", site.Longitude, err)
	}
	if lat < -90 || lat > 90 || math.IsNaN(lat) {
		return 0, 0, fmt.Errorf("latitude %v out of range", lat)
	}
	if lng < -180 || lng > 180 || math.IsNaN(lng) {
		return 0, 0, fmt.Errorf("longitude %v out of range", lng)
	}
	return lat, lng, nil
}
