package transform

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/robustfit/consensus"
	"github.com/kwv/robustfit/lsq"
)

func TestEstimate_RecoversTransform(t *testing.T) {
	methods := []consensus.Method{consensus.RANSAC, consensus.LMedS, consensus.MSAC, consensus.PROSAC, consensus.PROMedS}
	for kind, m := range truth {
		for _, method := range methods {
			t.Run(kind.String()+"/"+method.String(), func(t *testing.T) {
				rng := rand.New(rand.NewSource(11))
				source, target, outlier := pairs(rng, m, 200, 0.3, 50, 0)

				e, err := NewEstimatorWithPoints(kind, source, target, method)
				require.NoError(t, err)
				require.NoError(t, e.SetSeed(3))
				require.NoError(t, e.SetThreshold(1e-6))
				require.NoError(t, e.SetStopThreshold(1e-8))
				if method.RequiresQualityScores() {
					quality := make([]float64, len(source))
					for i := range quality {
						if !outlier[i] {
							quality[i] = 1
						}
					}
					require.NoError(t, e.SetQualityScores(quality))
				}

				got, err := e.Estimate()
				require.NoError(t, err)
				assert.True(t, got.EqualApprox(m, 1e-6), "got %+v want %+v", got, m)

				data := e.InliersData()
				for i := range source {
					if !outlier[i] {
						assert.True(t, data.IsInlier(i), "inlier %d rejected", i)
					}
				}
			})
		}
	}
}

func TestEstimate_RefinesNoisyInliers(t *testing.T) {
	for kind, m := range truth {
		for _, fast := range []bool{false, true} {
			rng := rand.New(rand.NewSource(21))
			source, target, _ := pairs(rng, m, 300, 0.2, 100, 0.1)

			e, err := NewEstimatorWithPoints(kind, source, target, consensus.MSAC)
			require.NoError(t, err)
			require.NoError(t, e.SetSeed(5))
			require.NoError(t, e.SetThreshold(0.5))
			require.NoError(t, e.SetCovarianceKept(true))
			require.NoError(t, e.SetFastRefinementUsed(fast))

			got, err := e.Estimate()
			require.NoError(t, err)
			assert.True(t, got.EqualApprox(m, 0.1), "%s fast=%v: got %+v want %+v", kind, fast, got, m)

			cov, ok := e.Covariance()
			require.True(t, ok, "%s fast=%v", kind, fast)
			dim := parameterizations[kind].dim
			require.Equal(t, dim, cov.SymmetricDim())
			for i := 0; i < dim; i++ {
				assert.Greater(t, cov.At(i, i), 0.0)
			}
		}
	}
}

func TestEstimator_SetPoints(t *testing.T) {
	e, err := NewEstimator(Affine, consensus.RANSAC)
	require.NoError(t, err)
	assert.Equal(t, Affine, e.Kind())
	assert.False(t, e.IsReady())

	pts := []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}
	assert.ErrorIs(t, e.SetPoints(pts, pts[:2]), consensus.ErrInvalidArgument)
	assert.ErrorIs(t, e.SetPoints(pts[:2], pts[:2]), consensus.ErrInvalidArgument)
	assert.Empty(t, e.Source())

	require.NoError(t, e.SetPoints(pts, pts))
	assert.Len(t, e.Source(), 3)
	assert.Len(t, e.Target(), 3)
	assert.True(t, e.IsReady())

	_, err = NewEstimator(Kind(7), consensus.RANSAC)
	assert.ErrorIs(t, err, consensus.ErrInvalidArgument)
}

func TestEstimator_ListenerAndLock(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	source, target, _ := pairs(rng, truth[Euclidean], 50, 0.2, 20, 0)
	e, err := NewEstimatorWithPoints(Euclidean, source, target, consensus.RANSAC)
	require.NoError(t, err)
	require.NoError(t, e.SetSeed(1))

	var (
		seen              *Estimator
		ends              int
		progress          []float64
		pointsErr, runErr error
	)
	require.NoError(t, e.SetListener(consensus.ListenerFuncs[*Estimator]{
		Start: func(c *Estimator) {
			seen = c
			pointsErr = c.SetPoints(source, target)
			_, runErr = c.Estimate()
		},
		End:      func(*Estimator) { ends++ },
		Progress: func(_ *Estimator, p float64) { progress = append(progress, p) },
	}))

	_, err = e.Estimate()
	require.NoError(t, err)
	assert.Same(t, e, seen)
	assert.Equal(t, 1, ends)
	assert.ErrorIs(t, pointsErr, consensus.ErrLocked)
	assert.ErrorIs(t, runErr, consensus.ErrLocked)
	assert.IsNonDecreasing(t, progress)
	assert.False(t, e.IsLocked())
}

func TestCheckFast(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	m := truth[Similarity]
	source, target, _ := pairs(rng, m, 20, 0, 0, 0)
	p := &problem{kind: Similarity, source: source, target: target}
	idx := make([]int, len(source))
	for i := range idx {
		idx[i] = i
	}
	worse := m.Then(Translation(0.5, 0))

	assert.NoError(t, p.checkFast(worse, m, idx))
	assert.NoError(t, p.checkFast(m, m, idx))

	err := p.checkFast(m, worse, idx)
	assert.ErrorIs(t, err, consensus.ErrRefinement)
	assert.ErrorIs(t, err, lsq.ErrNotConverged)
}
