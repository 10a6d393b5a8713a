package consensus

import "math"

// RequiredIterations returns how many subsets must be drawn so that, with
// the given confidence, at least one of them is outlier free when a
// fraction inlierRatio of the samples are inliers:
//
//	ceil(log(1 - confidence) / log(1 - inlierRatio^sampleSize))
//
// The result is always in [1, maxIterations]. An inlier ratio of zero (or
// NaN) gives maxIterations and a ratio of one gives 1.
func RequiredIterations(inlierRatio float64, sampleSize int, confidence float64, maxIterations int) int {
	if maxIterations < 1 {
		return 1
	}
	if math.IsNaN(inlierRatio) || inlierRatio <= 0 {
		return maxIterations
	}
	if inlierRatio >= 1 || sampleSize <= 0 {
		return 1
	}
	if !(confidence > 0) {
		return 1
	}
	if confidence >= 1 {
		return maxIterations
	}

	// probability that a subset contains at least one outlier
	pOutlier := 1 - math.Pow(inlierRatio, float64(sampleSize))
	if pOutlier <= 0 {
		return 1
	}
	if pOutlier >= 1 {
		return maxIterations
	}

	k := math.Log(1-confidence) / math.Log(pOutlier)
	if math.IsNaN(k) || math.IsInf(k, 0) || k >= float64(maxIterations) {
		return maxIterations
	}
	n := int(math.Ceil(k))
	if n < 1 {
		return 1
	}
	return n
}
