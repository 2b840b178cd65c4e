package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minerwatch/internal/models"
)

func intPtr(v int) *int { return &v }

func inside() models.GeoResult {
	in := true
	return models.GeoResult{InJurisdiction: &in}
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	assert.InDelta(t, 1.0, DefaultWeights.Sum(), 1e-9)
}

func TestFuseEndToEnd(t *testing.T) {
	f := NewFuser(DefaultWeights, true)

	b := f.Fuse(intPtr(50), inside(),
		models.NetworkResult{MiningPorts: 2, Bandwidth: 0.5, Suspicious: 0.1},
		models.RFResult{PowerDeviation: 0.4, HeatDeviation: 0.2})

	assert.InDelta(t, 48.5, b.Network, 1e-9)
	assert.InDelta(t, 13, b.RF, 1e-9)
	assert.InDelta(t, 100, b.Geo, 1e-9)
	assert.InDelta(t, 50, b.History, 1e-9)
	assert.InDelta(t, 48.3, b.Raw, 1e-9)
	assert.Equal(t, 48, b.Score)
}

func TestFuseMissingSignals(t *testing.T) {
	f := NewFuser(DefaultWeights, true)

	b := f.Fuse(intPtr(50), inside(), models.NetworkResult{}, models.RFResult{})

	assert.Zero(t, b.Network)
	assert.Zero(t, b.RF)
	assert.Equal(t, 25, b.Score)
}

func TestFuseNilPriorCountsAsFifty(t *testing.T) {
	f := NewFuser(DefaultWeights, true)

	withNil := f.Fuse(nil, models.GeoResult{}, models.NetworkResult{}, models.RFResult{})
	withFifty := f.Fuse(intPtr(50), models.GeoResult{}, models.NetworkResult{}, models.RFResult{})

	assert.Equal(t, withFifty, withNil)
	assert.Equal(t, 5, withNil.Score)
}

func TestFuseUnknownJurisdictionContributesZero(t *testing.T) {
	lat, lon := 33.0, 46.0
	out := false
	f := NewFuser(DefaultWeights, true)

	unknown := f.Fuse(intPtr(0), models.GeoResult{Latitude: &lat, Longitude: &lon}, models.NetworkResult{}, models.RFResult{})
	outside := f.Fuse(intPtr(0), models.GeoResult{InJurisdiction: &out}, models.NetworkResult{}, models.RFResult{})

	assert.Zero(t, unknown.Geo)
	assert.Zero(t, outside.Geo)
	assert.Equal(t, 0, unknown.Score)
}

func TestFuseScoreAlwaysInRange(t *testing.T) {
	extremes := []float64{-1e9, -1, 0, 0.5, 1, 7, 1e9, math.NaN(), math.Inf(1), math.Inf(-1)}
	ports := []int{-10, 0, 3, 5, 11, 1 << 20}
	priors := []*int{nil, intPtr(-50), intPtr(0), intPtr(100), intPtr(250)}

	for _, capSub := range []bool{true, false} {
		f := NewFuser(DefaultWeights, capSub)
		for _, p := range ports {
			for _, v := range extremes {
				for _, prior := range priors {
					b := f.Fuse(prior, inside(),
						models.NetworkResult{MiningPorts: p, Bandwidth: v, Suspicious: v},
						models.RFResult{PowerDeviation: v, HeatDeviation: v})
					require.GreaterOrEqual(t, b.Score, 0)
					require.LessOrEqual(t, b.Score, 100)
				}
			}
		}
	}
}

func TestFuseBoundsIndicators(t *testing.T) {
	f := NewFuser(DefaultWeights, true)

	b := f.Fuse(intPtr(0), models.GeoResult{},
		models.NetworkResult{MiningPorts: 9, Bandwidth: 4, Suspicious: math.NaN()},
		models.RFResult{PowerDeviation: math.Inf(1), HeatDeviation: 2})

	// 5 ports and bandwidth 1: 100 + 15, capped at 100
	assert.InDelta(t, 100, b.Network, 1e-9)
	assert.InDelta(t, 15, b.RF, 1e-9)
}

func TestFuseUncappedNetwork(t *testing.T) {
	net := models.NetworkResult{MiningPorts: 5, Bandwidth: 1, Suspicious: 1}

	capped := NewFuser(DefaultWeights, true).Fuse(intPtr(0), models.GeoResult{}, net, models.RFResult{})
	uncapped := NewFuser(DefaultWeights, false).Fuse(intPtr(0), models.GeoResult{}, net, models.RFResult{})

	assert.InDelta(t, 100, capped.Network, 1e-9)
	assert.InDelta(t, 125, uncapped.Network, 1e-9)
	assert.Equal(t, 40, capped.Score)
	assert.Equal(t, 50, uncapped.Score)
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in   float64
		want int
	}{
		{-3, 0},
		{0.49, 0},
		{0.5, 1},
		{48.3, 48},
		{99.5, 100},
		{140, 100},
		{math.NaN(), 0},
		{math.Inf(1), 100},
		{math.Inf(-1), 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Clamp(tt.in), "Clamp(%v)", tt.in)
	}
}
