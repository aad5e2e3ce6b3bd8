// Package matrixkit provides the dense square-matrix operations backing
// the credit migration simulator's correlation handling: multiplication,
// LU-based inversion, Cholesky factorization and an iterative matrix
// square root. Matrices are gonum *mat.Dense values throughout.
package matrixkit

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrDimensionMismatch reports a non-square input or incompatible operand sizes.
	ErrDimensionMismatch = errors.New("matrixkit: dimension mismatch")
	// ErrSingularMatrix reports an LU pivot column with no usable pivot.
	ErrSingularMatrix = errors.New("matrixkit: singular matrix")
	// ErrNotPositiveDefinite reports a failed Cholesky factorization.
	ErrNotPositiveDefinite = errors.New("matrixkit: matrix not positive definite")
	// ErrNoConvergence reports an iterative method exhausting its iteration budget.
	ErrNoConvergence = errors.New("matrixkit: iteration did not converge")
)

const (
	// DefaultSqrtMaxIter bounds the Denman-Beavers square-root iteration.
	DefaultSqrtMaxIter = 500
	// defaultSqrtTolPerDim scales with matrix order: tol = 1e-15 * n.
	defaultSqrtTolPerDim = 1e-15

	pivotEpsilon = 1e-300
)

// squareDim returns the order of a square matrix or ErrDimensionMismatch.
func squareDim(a *mat.Dense) (int, error) {
	r, c := a.Dims()
	if r != c {
		return 0, ErrDimensionMismatch
	}
	return r, nil
}

// Identity returns the n-by-n identity matrix.
func Identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Multiply returns a*b for square matrices of equal order.
func Multiply(a, b *mat.Dense) (*mat.Dense, error) {
	n, err := squareDim(a)
	if err != nil {
		return nil, err
	}
	bn, err := squareDim(b)
	if err != nil {
		return nil, err
	}
	if n != bn {
		return nil, ErrDimensionMismatch
	}
	out := mat.NewDense(n, n, nil)
	out.Mul(a, b)
	return out, nil
}

// Scale returns s*a.
func Scale(s float64, a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	out := mat.NewDense(r, c, nil)
	out.Scale(s, a)
	return out
}

// Add returns a+b for equal-order square matrices.
func Add(a, b *mat.Dense) (*mat.Dense, error) {
	n, err := squareDim(a)
	if err != nil {
		return nil, err
	}
	bn, err := squareDim(b)
	if err != nil {
		return nil, err
	}
	if n != bn {
		return nil, ErrDimensionMismatch
	}
	out := mat.NewDense(n, n, nil)
	out.Add(a, b)
	return out, nil
}

// Sub returns a-b for equal-order square matrices.
func Sub(a, b *mat.Dense) (*mat.Dense, error) {
	n, err := squareDim(a)
	if err != nil {
		return nil, err
	}
	bn, err := squareDim(b)
	if err != nil {
		return nil, err
	}
	if n != bn {
		return nil, ErrDimensionMismatch
	}
	out := mat.NewDense(n, n, nil)
	out.Sub(a, b)
	return out, nil
}

// Norm returns the Frobenius norm of a.
func Norm(a *mat.Dense) float64 {
	return mat.Norm(a, 2)
}

// Inverse computes the inverse of a square matrix via LU decomposition
// with partial pivoting. A pivot column with no nonzero entry yields
// ErrSingularMatrix.
func Inverse(a *mat.Dense) (*mat.Dense, error) {
	n, err := squareDim(a)
	if err != nil {
		return nil, err
	}

	// Working copy of the matrix and a row-permutation record.
	lu := mat.DenseCopyOf(a)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}

	for col := 0; col < n; col++ {
		// Partial pivoting: pick the largest magnitude in the column.
		pivotRow := col
		pivotVal := math.Abs(lu.At(col, col))
		for r := col + 1; r < n; r++ {
			if v := math.Abs(lu.At(r, col)); v > pivotVal {
				pivotRow, pivotVal = r, v
			}
		}
		if pivotVal < pivotEpsilon {
			return nil, ErrSingularMatrix
		}
		if pivotRow != col {
			swapRows(lu, pivotRow, col)
			perm[pivotRow], perm[col] = perm[col], perm[pivotRow]
		}

		pivot := lu.At(col, col)
		for r := col + 1; r < n; r++ {
			factor := lu.At(r, col) / pivot
			lu.Set(r, col, factor)
			for c := col + 1; c < n; c++ {
				lu.Set(r, c, lu.At(r, c)-factor*lu.At(col, c))
			}
		}
	}

	// Solve LUx = P*e_j for each identity column.
	inv := mat.NewDense(n, n, nil)
	y := make([]float64, n)
	for j := 0; j < n; j++ {
		// Forward substitution on the permuted unit vector.
		for i := 0; i < n; i++ {
			v := 0.0
			if perm[i] == j {
				v = 1.0
			}
			for k := 0; k < i; k++ {
				v -= lu.At(i, k) * y[k]
			}
			y[i] = v
		}
		// Back substitution.
		for i := n - 1; i >= 0; i-- {
			v := y[i]
			for k := i + 1; k < n; k++ {
				v -= lu.At(i, k) * inv.At(k, j)
			}
			inv.Set(i, j, v/lu.At(i, i))
		}
	}

	return inv, nil
}

// Cholesky returns the lower-triangular factor L with a = L*Lᵀ for a
// symmetric positive-definite matrix. A non-positive diagonal residual
// yields ErrNotPositiveDefinite.
func Cholesky(a *mat.Dense) (*mat.Dense, error) {
	n, err := squareDim(a)
	if err != nil {
		return nil, err
	}

	l := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a.At(i, j)
			for k := 0; k < j; k++ {
				sum -= l.At(i, k) * l.At(j, k)
			}
			if i == j {
				if sum <= 0 {
					return nil, ErrNotPositiveDefinite
				}
				l.Set(i, i, math.Sqrt(sum))
			} else {
				l.Set(i, j, sum/l.At(j, j))
			}
		}
	}
	return l, nil
}

// Sqrt computes the principal matrix square root with default tolerance
// (1e-15 scaled by order) and iteration budget.
func Sqrt(a *mat.Dense) (*mat.Dense, error) {
	n, err := squareDim(a)
	if err != nil {
		return nil, err
	}
	return SqrtTol(a, defaultSqrtTolPerDim*float64(n), DefaultSqrtMaxIter)
}

// SqrtTol computes the principal square root of a via the
// Denman-Beavers iteration, a Newton-family method: Y converges to
// sqrt(a) while Z converges to its inverse. Fails with ErrNoConvergence
// when the relative residual ||Y*Y - a|| / ||a|| stays above tol for
// maxIter iterations.
func SqrtTol(a *mat.Dense, tol float64, maxIter int) (*mat.Dense, error) {
	n, err := squareDim(a)
	if err != nil {
		return nil, err
	}

	normA := Norm(a)
	if normA == 0 {
		return mat.NewDense(n, n, nil), nil
	}

	y := mat.DenseCopyOf(a)
	z := Identity(n)

	for iter := 0; iter < maxIter; iter++ {
		// Residual check first so an exact input costs zero iterations.
		yy := mat.NewDense(n, n, nil)
		yy.Mul(y, y)
		res := mat.NewDense(n, n, nil)
		res.Sub(yy, a)
		if Norm(res)/normA <= tol {
			return y, nil
		}

		yInv, err := Inverse(y)
		if err != nil {
			return nil, err
		}
		zInv, err := Inverse(z)
		if err != nil {
			return nil, err
		}

		nextY := mat.NewDense(n, n, nil)
		nextY.Add(y, zInv)
		nextY.Scale(0.5, nextY)

		nextZ := mat.NewDense(n, n, nil)
		nextZ.Add(z, yInv)
		nextZ.Scale(0.5, nextZ)

		y, z = nextY, nextZ
	}

	// One last residual check after the final iteration.
	yy := mat.NewDense(n, n, nil)
	yy.Mul(y, y)
	res := mat.NewDense(n, n, nil)
	res.Sub(yy, a)
	if Norm(res)/normA <= tol {
		return y, nil
	}
	return nil, ErrNoConvergence
}

func swapRows(m *mat.Dense, i, j int) {
	_, c := m.Dims()
	for k := 0; k < c; k++ {
		vi, vj := m.At(i, k), m.At(j, k)
		m.Set(i, k, vj)
		m.Set(j, k, vi)
	}
}
