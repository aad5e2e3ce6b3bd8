package compliance

import "math"

// Objective computes the weighted objective score the rebalancing
// engine maximizes. Each nonzero-weight test contributes its weight
// times the relative headroom to its threshold (positive when passing
// with room to spare). Any failing test that is not explicitly exempt
// forces the score to zero; this mirrors the business rule that a
// non-compliant portfolio has nothing worth optimizing except the
// failure itself.
func Objective(results []Result, settings Settings) float64 {
	score := 0.0
	for _, r := range results {
		th, ok := settings.Thresholds[r.Kind]
		if !ok {
			continue
		}
		if !r.Pass && !th.Exempt {
			return 0
		}
		if th.Weight == 0 {
			continue
		}
		score += th.Weight * headroom(r)
	}
	return score
}

// headroom is the signed relative distance from the threshold, scaled
// so a result right at its threshold contributes zero.
func headroom(r Result) float64 {
	scale := math.Abs(r.Threshold)
	if scale < 1e-12 {
		scale = 1
	}
	if r.Direction == Max {
		return (r.Threshold - r.Value) / scale
	}
	return (r.Value - r.Threshold) / scale
}
