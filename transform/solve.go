package transform

import (
	"math"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/robustfit/consensus"
)

// Kind selects the family of transforms an estimator fits.
type Kind int

const (
	// Affine has six free parameters and needs three pairs.
	Affine Kind = iota
	// Similarity is rotation, uniform scale and translation; two pairs.
	Similarity
	// Euclidean is rotation and translation; two pairs.
	Euclidean
)

var kindNames = map[Kind]string{
	Affine:     "affine",
	Similarity: "similarity",
	Euclidean:  "euclidean",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// MinimumPoints is the size of a minimal subset for k.
func (k Kind) MinimumPoints() int {
	if k == Affine {
		return 3
	}
	return 2
}

// ParseKind parses a kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, errors.Wrapf(consensus.ErrInvalidArgument, "unknown transform kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, errors.Wrapf(consensus.ErrInvalidArgument, "unknown transform kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Solve fits a transform of kind k mapping source onto target using the
// pairs at idx (all pairs when idx is nil). With more than the minimum
// number of pairs the fit is least squares.
func (k Kind) Solve(source, target []r2.Point, idx []int) (AffineMatrix, error) {
	switch k {
	case Affine:
		return SolveAffine(source, target, idx)
	case Similarity:
		return SolveSimilarity(source, target, idx)
	case Euclidean:
		return SolveEuclidean(source, target, idx)
	}
	return AffineMatrix{}, errors.Wrapf(consensus.ErrInvalidArgument, "unknown transform kind %d", int(k))
}

const (
	rankRatio  = 1e-10
	tinySpread = 1e-12
)

func count(points []r2.Point, idx []int) int {
	if idx == nil {
		return len(points)
	}
	return len(idx)
}

func degenerate(format string, args ...interface{}) error {
	return errors.Wrapf(consensus.ErrDegenerateSample, format, args...)
}

// spread is the summed squared distance of the selected points to c.
func spread(points []r2.Point, idx []int, c r2.Point) float64 {
	var ss float64
	each(points, idx, func(_ int, p r2.Point) {
		d := p.Sub(c)
		ss += d.Dot(d)
	})
	return ss
}

func coincident(ss float64, c r2.Point, n int) bool {
	return ss <= tinySpread*float64(n)*(1+c.Dot(c))
}

// SolveAffine fits a full affine transform. Source points must not be
// collinear.
func SolveAffine(source, target []r2.Point, idx []int) (AffineMatrix, error) {
	n := count(source, idx)
	if n < 3 {
		return AffineMatrix{}, degenerate("affine needs 3 pairs, got %d", n)
	}

	cs := Centroid(source, idx)
	ss := spread(source, idx, cs)
	if coincident(ss, cs, n) {
		return AffineMatrix{}, degenerate("coincident source points")
	}
	scale := math.Sqrt(ss / float64(n))

	a := mat.NewDense(n, 3, nil)
	b := mat.NewDense(n, 2, nil)
	row := 0
	each(source, idx, func(i int, p r2.Point) {
		u := p.Sub(cs).Mul(1 / scale)
		a.SetRow(row, []float64{u.X, u.Y, 1})
		b.SetRow(row, []float64{target[i].X, target[i].Y})
		row++
	})

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return AffineMatrix{}, degenerate("affine SVD failed")
	}
	values := svd.Values(nil)
	if values[2] <= rankRatio*values[0] {
		return AffineMatrix{}, degenerate("collinear source points")
	}

	var x mat.Dense
	svd.SolveTo(&x, b, 3)

	// x is in normalized source coordinates; undo the normalization.
	m := AffineMatrix{
		A: x.At(0, 0) / scale, B: x.At(1, 0) / scale,
		C: x.At(0, 1) / scale, D: x.At(1, 1) / scale,
	}
	m.Tx = x.At(2, 0) - m.A*cs.X - m.B*cs.Y
	m.Ty = x.At(2, 1) - m.C*cs.X - m.D*cs.Y

	if norm := m.A*m.A + m.B*m.B + m.C*m.C + m.D*m.D; math.Abs(m.Det()) <= rankRatio*norm {
		return AffineMatrix{}, degenerate("singular affine transform")
	}
	return m, nil
}

// crossTerms returns Σ s·t and Σ s×t over the centered selected pairs.
func crossTerms(source, target []r2.Point, idx []int, cs, ct r2.Point) (dot, cross float64) {
	each(source, idx, func(i int, p r2.Point) {
		s := p.Sub(cs)
		t := target[i].Sub(ct)
		dot += s.Dot(t)
		cross += s.Cross(t)
	})
	return dot, cross
}

// SolveSimilarity fits rotation, uniform scale and translation in closed
// form.
func SolveSimilarity(source, target []r2.Point, idx []int) (AffineMatrix, error) {
	n := count(source, idx)
	if n < 2 {
		return AffineMatrix{}, degenerate("similarity needs 2 pairs, got %d", n)
	}
	cs, ct := Centroid(source, idx), Centroid(target, idx)
	ss := spread(source, idx, cs)
	if coincident(ss, cs, n) {
		return AffineMatrix{}, degenerate("coincident source points")
	}
	if coincident(spread(target, idx, ct), ct, n) {
		return AffineMatrix{}, degenerate("coincident target points")
	}

	dot, cross := crossTerms(source, target, idx, cs, ct)
	a, b := dot/ss, cross/ss
	m := AffineMatrix{A: a, B: -b, C: b, D: a}
	m.Tx = ct.X - (m.A*cs.X + m.B*cs.Y)
	m.Ty = ct.Y - (m.C*cs.X + m.D*cs.Y)
	return m, nil
}

// SolveEuclidean fits a rigid transform using Procrustes analysis.
func SolveEuclidean(source, target []r2.Point, idx []int) (AffineMatrix, error) {
	n := count(source, idx)
	if n < 2 {
		return AffineMatrix{}, degenerate("euclidean needs 2 pairs, got %d", n)
	}
	cs, ct := Centroid(source, idx), Centroid(target, idx)
	if coincident(spread(source, idx, cs), cs, n) {
		return AffineMatrix{}, degenerate("coincident source points")
	}

	dot, cross := crossTerms(source, target, idx, cs, ct)
	if math.Abs(dot)+math.Abs(cross) <= tinySpread {
		return AffineMatrix{}, degenerate("rotation undetermined")
	}
	theta := math.Atan2(cross, dot)

	m := Rotation(theta)
	m.Tx = ct.X - (m.A*cs.X + m.B*cs.Y)
	m.Ty = ct.Y - (m.C*cs.X + m.D*cs.Y)
	return m, nil
}
