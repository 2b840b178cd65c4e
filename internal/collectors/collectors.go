// Package collectors gathers the independent evidence signals for a device:
// where its IP geolocates, which mining ports it exposes and how its traffic
// looks, and how far its RF power and heat readings deviate from baseline.
//
// No collector returns an error to its caller. A failed lookup yields the
// zero value of its result type, is logged at warn level and is counted in
// minerwatch_collector_failures_total.
package collectors

import (
	"context"

	"minerwatch/internal/models"
)

// Collector names used in logs and metric labels
const (
	NameGeo     = "geo"
	NameNetwork = "network"
	NameRF      = "rf"
)

// GeoLookup resolves an IP address to a location
type GeoLookup interface {
	Lookup(ctx context.Context, ip string) models.GeoResult
}

// NetworkScanner probes a device for mining activity on the network
type NetworkScanner interface {
	Scan(ctx context.Context, ip string) models.NetworkResult
}

// RFAnalyzer reports RF deviations for a device
type RFAnalyzer interface {
	Analyze(ctx context.Context, ip string) models.RFResult
}

// Bounds is a latitude/longitude bounding box
type Bounds struct {
	North float64
	South float64
	East  float64
	West  float64
}

// IlamBounds is the default jurisdiction
var IlamBounds = Bounds{North: 34.5, South: 32.0, East: 48.5, West: 45.5}

// Contains reports whether the point lies inside the box, edges included
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

// withJurisdiction sets the jurisdiction flag on a resolved result
func withJurisdiction(r models.GeoResult, b Bounds) models.GeoResult {
	if !r.Resolved() {
		return r
	}
	in := b.Contains(*r.Latitude, *r.Longitude)
	r.InJurisdiction = &in
	return r
}
