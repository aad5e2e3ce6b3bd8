package matrixkit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestMultiply(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{1, 2, 3, 4})
	b := mat.NewDense(2, 2, []float64{5, 6, 7, 8})

	out, err := Multiply(a, b)
	require.NoError(t, err)

	assert.InDelta(t, 19, out.At(0, 0), 1e-12)
	assert.InDelta(t, 22, out.At(0, 1), 1e-12)
	assert.InDelta(t, 43, out.At(1, 0), 1e-12)
	assert.InDelta(t, 50, out.At(1, 1), 1e-12)
}

func TestMultiply_NonSquare(t *testing.T) {
	a := mat.NewDense(2, 3, nil)
	b := mat.NewDense(3, 3, nil)

	_, err := Multiply(a, b)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestInverse_RoundTrip(t *testing.T) {
	a := mat.NewDense(3, 3, []float64{
		4, 7, 2,
		3, 6, 1,
		2, 5, 3,
	})

	inv, err := Inverse(a)
	require.NoError(t, err)

	prod, err := Multiply(a, inv)
	require.NoError(t, err)

	id := Identity(3)
	diff, err := Sub(prod, id)
	require.NoError(t, err)
	assert.Less(t, Norm(diff), 1e-10, "a * a⁻¹ should be identity")
}

func TestInverse_Singular(t *testing.T) {
	// Second row is a multiple of the first.
	a := mat.NewDense(2, 2, []float64{1, 2, 2, 4})

	_, err := Inverse(a)
	assert.ErrorIs(t, err, ErrSingularMatrix)
}

func TestCholesky(t *testing.T) {
	a := mat.NewDense(3, 3, []float64{
		4, 2, 2,
		2, 5, 1,
		2, 1, 6,
	})

	l, err := Cholesky(a)
	require.NoError(t, err)

	// L must be lower triangular.
	assert.Zero(t, l.At(0, 1))
	assert.Zero(t, l.At(0, 2))
	assert.Zero(t, l.At(1, 2))

	// Reconstruct: L * Lᵀ == a.
	var llt mat.Dense
	llt.Mul(l, l.T())
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, a.At(i, j), llt.At(i, j), 1e-10)
		}
	}
}

func TestCholesky_NotPositiveDefinite(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{
		1, 2,
		2, 1, // eigenvalues 3 and -1
	})

	_, err := Cholesky(a)
	assert.ErrorIs(t, err, ErrNotPositiveDefinite)
}

func TestSqrt(t *testing.T) {
	// sqrt of a diagonal-dominant SPD matrix squares back to the input.
	a := mat.NewDense(2, 2, []float64{
		5, 2,
		2, 3,
	})

	root, err := Sqrt(a)
	require.NoError(t, err)

	sq, err := Multiply(root, root)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			assert.InDelta(t, a.At(i, j), sq.At(i, j), 1e-8)
		}
	}
}

func TestSqrt_Identity(t *testing.T) {
	root, err := Sqrt(Identity(4))
	require.NoError(t, err)

	diff, err := Sub(root, Identity(4))
	require.NoError(t, err)
	assert.Less(t, Norm(diff), 1e-10)
}

func TestSqrtTol_NoConvergence(t *testing.T) {
	a := mat.NewDense(2, 2, []float64{
		5, 2,
		2, 3,
	})

	// Zero iterations cannot satisfy any nonzero residual.
	_, err := SqrtTol(a, 1e-16, 0)
	assert.ErrorIs(t, err, ErrNoConvergence)
}

func TestIdentityAndScale(t *testing.T) {
	id := Identity(3)
	scaled := Scale(2.5, id)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, 2.5, scaled.At(i, i), 1e-12)
	}

	sum, err := Add(id, id)
	require.NoError(t, err)
	assert.InDelta(t, 2, sum.At(1, 1), 1e-12)
}
