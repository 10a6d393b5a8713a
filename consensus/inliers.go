package consensus

import (
	"math"
	"sort"
)

// InliersData describes how the samples agree with the winning model of an
// estimation. It is immutable: accessors return copies.
type InliersData struct {
	method     Method
	inliers    []bool
	residuals  []float64
	numInliers int

	bestMedianResidual float64
	estimatedThreshold float64
	score              float64
}

// Method returns the policy that produced the data.
func (d *InliersData) Method() Method { return d.method }

// Inliers returns a copy of the inlier mask.
func (d *InliersData) Inliers() []bool {
	out := make([]bool, len(d.inliers))
	copy(out, d.inliers)
	return out
}

// Residuals returns a copy of the per-sample residuals.
func (d *InliersData) Residuals() []float64 {
	out := make([]float64, len(d.residuals))
	copy(out, d.residuals)
	return out
}

// NumInliers returns the number of samples marked as inliers.
func (d *InliersData) NumInliers() int { return d.numInliers }

// NumSamples returns the length of the mask.
func (d *InliersData) NumSamples() int { return len(d.inliers) }

// IsInlier reports whether sample i is an inlier.
func (d *InliersData) IsInlier(i int) bool {
	return i >= 0 && i < len(d.inliers) && d.inliers[i]
}

// Residual returns the residual of sample i.
func (d *InliersData) Residual(i int) float64 { return d.residuals[i] }

// InlierIndices returns the indices of the inliers in ascending order.
func (d *InliersData) InlierIndices() []int {
	out := make([]int, 0, d.numInliers)
	for i, in := range d.inliers {
		if in {
			out = append(out, i)
		}
	}
	return out
}

// InlierRatio returns NumInliers / NumSamples.
func (d *InliersData) InlierRatio() float64 {
	if len(d.inliers) == 0 {
		return 0
	}
	return float64(d.numInliers) / float64(len(d.inliers))
}

// BestMedianResidual is the median residual of the winning model
// (LMedS, PROMedS).
func (d *InliersData) BestMedianResidual() float64 { return d.bestMedianResidual }

// EstimatedThreshold is the inlier threshold used to build the mask. For
// LMedS and PROMedS it is derived from the median residual.
func (d *InliersData) EstimatedThreshold() float64 { return d.estimatedThreshold }

// Score is the truncated quadratic cost of the winning model (MSAC).
func (d *InliersData) Score() float64 { return d.score }

// newInliersData builds the final record from the residuals of the winning
// model and the threshold to classify them with.
func newInliersData(method Method, residuals []float64, threshold float64, strict bool) *InliersData {
	d := &InliersData{
		method:             method,
		inliers:            make([]bool, len(residuals)),
		residuals:          residuals,
		estimatedThreshold: threshold,
	}
	thresholdSq := threshold * threshold
	for i, r := range residuals {
		in := r <= threshold
		if strict {
			in = r < threshold
		}
		if in {
			d.inliers[i] = true
			d.numInliers++
		}
		d.score += math.Min(r*r, thresholdSq)
	}
	return d
}

// median returns the median of values using buf as scratch space.
// values is not modified.
func median(values, buf []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	buf = append(buf[:0], values...)
	sort.Float64s(buf)
	if n%2 == 1 {
		return buf[n/2]
	}
	return 0.5 * (buf[n/2-1] + buf[n/2])
}

// robustThreshold derives an inlier threshold from a median residual
// (Rousseeuw & Leroy): factor * 1.4826 * (1 + 5/(n-s)) * median, never
// below floor.
func robustThreshold(med float64, n, subsetSize int, factor, floor float64) float64 {
	correction := 1.0
	if n > subsetSize {
		correction += 5.0 / float64(n-subsetSize)
	}
	t := factor * 1.4826 * correction * med
	if math.IsNaN(t) || math.IsInf(t, 0) || t < floor {
		return floor
	}
	return t
}
