// Package fusion combines the independent collector signals and the prior
// confidence of a device into a single 0-100 confidence score.
package fusion

import (
	"math"

	"minerwatch/internal/models"
)

// Weights are the relative contributions of each sub-score
type Weights struct {
	Network float64
	RF      float64
	Geo     float64
	History float64
}

// DefaultWeights favour network evidence over RF, geo and history
var DefaultWeights = Weights{Network: 0.4, RF: 0.3, Geo: 0.2, History: 0.1}

// Sum returns the total of all weights
func (w Weights) Sum() float64 {
	return w.Network + w.RF + w.Geo + w.History
}

const (
	maxMiningPorts = 5
	maxScore       = 100
	priorDefault   = 50
)

// Breakdown holds every sub-score of a fusion and its result
type Breakdown struct {
	Network float64 `json:"network"`
	RF      float64 `json:"rf"`
	Geo     float64 `json:"geo"`
	History float64 `json:"history"`
	Raw     float64 `json:"raw"`
	Score   int     `json:"score"`
}

// Fuser computes confidence scores with a fixed set of weights
type Fuser struct {
	weights      Weights
	capSubScores bool
}

// NewFuser creates a fuser. With capSubScores each sub-score is limited
// to [0, 100] before weighting.
func NewFuser(w Weights, capSubScores bool) *Fuser {
	return &Fuser{weights: w, capSubScores: capSubScores}
}

// Weights returns the weights the fuser was built with
func (f *Fuser) Weights() Weights {
	return f.weights
}

// Fuse combines the collector results and the prior confidence.
// A nil prior counts as 50. Missing signals are zero values and contribute 0.
func (f *Fuser) Fuse(prior *int, geo models.GeoResult, net models.NetworkResult, rf models.RFResult) Breakdown {
	b := Breakdown{
		Network: f.sub(NetworkScore(net)),
		RF:      f.sub(RFScore(rf)),
		Geo:     f.sub(GeoScore(geo)),
		History: f.sub(HistoryScore(prior)),
	}

	b.Raw = f.weights.Network*b.Network +
		f.weights.RF*b.RF +
		f.weights.Geo*b.Geo +
		f.weights.History*b.History

	b.Score = Clamp(b.Raw)
	return b
}

func (f *Fuser) sub(v float64) float64 {
	if f.capSubScores {
		return math.Min(math.Max(v, 0), maxScore)
	}
	return v
}

// NetworkScore is 20 per mining port, 15 x bandwidth and 10 x suspicious
func NetworkScore(n models.NetworkResult) float64 {
	ports := float64(n.MiningPorts)
	if ports < 0 {
		ports = 0
	}
	if ports > maxMiningPorts {
		ports = maxMiningPorts
	}
	return 20*ports + 15*unit(n.Bandwidth) + 10*unit(n.Suspicious)
}

// RFScore is 25 x power deviation and 15 x heat deviation
func RFScore(r models.RFResult) float64 {
	return 25*unit(r.PowerDeviation) + 15*unit(r.HeatDeviation)
}

// GeoScore is 100 inside the jurisdiction and 0 otherwise, including unknown
func GeoScore(g models.GeoResult) float64 {
	if g.InJurisdiction != nil && *g.InJurisdiction {
		return maxScore
	}
	return 0
}

// HistoryScore is the prior confidence, or 50 for a device never scored
func HistoryScore(prior *int) float64 {
	if prior == nil {
		return priorDefault
	}
	return float64(*prior)
}

// Clamp rounds half away from zero and limits the result to [0, 100]
func Clamp(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	r := math.Round(v)
	if r < 0 {
		return 0
	}
	if r > maxScore {
		return maxScore
	}
	return int(r)
}

// unit bounds an indicator to [0, 1], mapping NaN and infinities to 0
func unit(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Min(math.Max(v, 0), 1)
}
