package consensus

import (
	"math"
	"math/rand"
	"sort"
)

// subsetSampler fills dst with distinct sample indices for the given
// zero-based iteration.
type subsetSampler interface {
	Sample(iteration int, dst []int)
}

// uniformSampler draws subsets uniformly at random without replacement
// using a partial Fisher-Yates shuffle over a persistent pool.
type uniformSampler struct {
	rng  *rand.Rand
	pool []int
}

func newUniformSampler(rng *rand.Rand, n int) *uniformSampler {
	pool := make([]int, n)
	for i := range pool {
		pool[i] = i
	}
	return &uniformSampler{rng: rng, pool: pool}
}

func (s *uniformSampler) Sample(_ int, dst []int) {
	n := len(s.pool)
	for i := range dst {
		j := i + s.rng.Intn(n-i)
		s.pool[i], s.pool[j] = s.pool[j], s.pool[i]
		dst[i] = s.pool[i]
	}
}

// SortByQuality returns sample indices ordered by descending quality
// score. Equal scores keep their original order.
func SortByQuality(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx
}

// ProsacSchedule is the growth function of the PROSAC sampling window
// (Chum & Matas, 2005). The window starts at the subset size and grows
// monotonically until it spans every sample.
type ProsacSchedule struct {
	subsetSize int
	total      int
	// tPrime[k] is the last iteration (1-based) served by a window of
	// subsetSize+k samples.
	tPrime []float64
}

// NewProsacSchedule builds the schedule for total samples, minimal subsets
// of subsetSize and an iteration budget of maxIterations (T_N).
func NewProsacSchedule(total, subsetSize, maxIterations int) ProsacSchedule {
	s := ProsacSchedule{subsetSize: subsetSize, total: total}
	if subsetSize <= 0 || total < subsetSize {
		return s
	}
	if maxIterations < 1 {
		maxIterations = 1
	}

	// T_s = T_N * prod_{i<s} (s-i)/(N-i)
	tn := float64(maxIterations)
	for i := 0; i < subsetSize; i++ {
		tn *= float64(subsetSize-i) / float64(total-i)
	}

	s.tPrime = make([]float64, total-subsetSize+1)
	s.tPrime[0] = 1
	for n := subsetSize; n < total; n++ {
		next := tn * float64(n+1) / float64(n+1-subsetSize)
		step := math.Ceil(next - tn)
		if step < 1 {
			step = 1
		}
		k := n - subsetSize
		s.tPrime[k+1] = s.tPrime[k] + step
		tn = next
	}
	return s
}

// WindowSize returns the number of top-quality samples eligible at the
// given zero-based iteration.
func (s ProsacSchedule) WindowSize(iteration int) int {
	if len(s.tPrime) == 0 {
		return s.total
	}
	t := float64(iteration + 1)
	k := sort.SearchFloat64s(s.tPrime, t)
	n := s.subsetSize + k
	if n > s.total {
		return s.total
	}
	return n
}

// SampleFromPrefix fills dst with distinct entries of sorted drawn from its
// first window positions. While the window is smaller than len(sorted),
// the window's last position is always part of the sample, as PROSAC
// requires; a full window degrades to uniform sampling.
func SampleFromPrefix(rng *rand.Rand, sorted []int, window int, dst []int) {
	m := len(dst)
	if window > len(sorted) {
		window = len(sorted)
	}
	if window < m {
		window = m
	}

	free := dst
	limit := window
	if window < len(sorted) {
		dst[m-1] = window - 1
		free = dst[:m-1]
		limit = window - 1
	}
	floydSample(rng, limit, free)

	for i := range dst {
		dst[i] = sorted[dst[i]]
	}
}

// floydSample writes len(dst) distinct integers from [0, n) into dst.
func floydSample(rng *rand.Rand, n int, dst []int) {
	m := len(dst)
	count := 0
	for j := n - m; j < n; j++ {
		t := rng.Intn(j + 1)
		if containsInt(dst[:count], t) {
			t = j
		}
		dst[count] = t
		count++
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// progressiveSampler draws PROSAC subsets over quality-sorted indices.
type progressiveSampler struct {
	rng      *rand.Rand
	sorted   []int
	schedule ProsacSchedule
}

func newProgressiveSampler(rng *rand.Rand, quality []float64, subsetSize, maxIterations int) *progressiveSampler {
	return &progressiveSampler{
		rng:      rng,
		sorted:   SortByQuality(quality),
		schedule: NewProsacSchedule(len(quality), subsetSize, maxIterations),
	}
}

func (s *progressiveSampler) Sample(iteration int, dst []int) {
	SampleFromPrefix(s.rng, s.sorted, s.schedule.WindowSize(iteration), dst)
}
