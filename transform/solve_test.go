package transform

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/robustfit/consensus"
)

var truth = map[Kind]AffineMatrix{
	Affine:     {A: 1.2, B: 0.3, Tx: -4, C: -0.2, D: 0.9, Ty: 7},
	Similarity: NewSimilarity(0.7, 1.8, 12, -3),
	Euclidean:  NewEuclidean(-1.1, 5, 2),
}

// pairs maps n random points through m. A fraction of the targets is
// displaced by up to ±outlierRange; the rest get Gaussian noise of sigma.
func pairs(rng *rand.Rand, m AffineMatrix, n int, outlierRatio, outlierRange, sigma float64) ([]r2.Point, []r2.Point, []bool) {
	source := make([]r2.Point, n)
	target := make([]r2.Point, n)
	outlier := make([]bool, n)
	for i := range source {
		source[i] = r2.Point{X: rng.Float64()*100 - 50, Y: rng.Float64()*100 - 50}
		target[i] = m.Apply(source[i])
		if rng.Float64() < outlierRatio {
			outlier[i] = true
			target[i] = target[i].Add(r2.Point{X: (rng.Float64()*2 - 1) * outlierRange, Y: (rng.Float64()*2 - 1) * outlierRange})
			continue
		}
		target[i] = target[i].Add(r2.Point{X: rng.NormFloat64() * sigma, Y: rng.NormFloat64() * sigma})
	}
	return source, target, outlier
}

func TestSolve_Minimal(t *testing.T) {
	for kind, m := range truth {
		t.Run(kind.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			source, target, _ := pairs(rng, m, kind.MinimumPoints(), 0, 0, 0)
			got, err := kind.Solve(source, target, nil)
			require.NoError(t, err)
			assert.True(t, got.EqualApprox(m, 1e-8), "got %+v want %+v", got, m)
		})
	}
}

func TestSolve_LeastSquaresOnSubset(t *testing.T) {
	for kind, m := range truth {
		t.Run(kind.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(2))
			source, target, _ := pairs(rng, m, 20, 0, 0, 0)
			for i := 10; i < len(target); i++ {
				target[i] = target[i].Add(r2.Point{X: 30, Y: 30})
			}
			got, err := kind.Solve(source, target, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
			require.NoError(t, err)
			assert.True(t, got.EqualApprox(m, 1e-8), "got %+v want %+v", got, m)
		})
	}
}

func TestSolve_Degenerate(t *testing.T) {
	collinear := []r2.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 2, Y: 2}}
	same := []r2.Point{{X: 3, Y: 3}, {X: 3, Y: 3}, {X: 3, Y: 3}}
	target := []r2.Point{{X: 0, Y: 1}, {X: 5, Y: 2}, {X: 1, Y: 7}}

	tests := []struct {
		name   string
		kind   Kind
		source []r2.Point
		target []r2.Point
	}{
		{"affine collinear", Affine, collinear, target},
		{"affine coincident", Affine, same, target},
		{"affine too few", Affine, collinear[:2], target[:2]},
		{"affine collinear target", Affine, target, collinear},
		{"similarity coincident", Similarity, same[:2], target[:2]},
		{"similarity coincident target", Similarity, target[:2], same[:2]},
		{"similarity too few", Similarity, target[:1], target[:1]},
		{"euclidean coincident", Euclidean, same[:2], target[:2]},
		{"euclidean coincident target", Euclidean, target[:2], same[:2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.kind.Solve(tt.source, tt.target, nil)
			assert.ErrorIs(t, err, consensus.ErrDegenerateSample)
		})
	}
}

func TestKind(t *testing.T) {
	for _, name := range []string{"affine", "Similarity", " EUCLIDEAN "} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.True(t, k.Valid())
	}
	_, err := ParseKind("projective")
	assert.ErrorIs(t, err, consensus.ErrInvalidArgument)

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("similarity")))
	assert.Equal(t, Similarity, k)
	text, err := Euclidean.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "euclidean", string(text))

	assert.Equal(t, 3, Affine.MinimumPoints())
	assert.Equal(t, 2, Euclidean.MinimumPoints())
	assert.Equal(t, "unknown", Kind(9).String())
}
