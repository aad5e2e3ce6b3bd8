// Package migration simulates correlated credit-rating migration:
// per-asset, per-period rating paths driven by Cholesky-correlated
// normal shocks mapped through rating-transition rows. Paths are
// independent and ephemeral; only summary statistics survive a batch.
package migration

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/petrakis/cloval/internal/domain"
	"github.com/petrakis/cloval/internal/matrixkit"
)

// stateCount is live notches plus the absorbing default column.
var stateCount = len(domain.RatingScale) + 1

// defaultCol is the index of the absorbing default state in a
// transition row.
var defaultCol = len(domain.RatingScale)

// TransitionMatrix holds annual rating-transition probabilities: one
// row per live notch, columns are live notches plus default. Rows sum
// to 1.
type TransitionMatrix struct {
	m *mat.Dense
}

// NewTransitionMatrix wraps a row-stochastic matrix of size
// len(RatingScale) x (len(RatingScale)+1).
func NewTransitionMatrix(m *mat.Dense) (TransitionMatrix, error) {
	r, c := m.Dims()
	if r != len(domain.RatingScale) || c != stateCount {
		return TransitionMatrix{}, fmt.Errorf("migration: transition matrix must be %dx%d, got %dx%d",
			len(domain.RatingScale), stateCount, r, c)
	}
	for i := 0; i < r; i++ {
		sum := 0.0
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if v < 0 {
				return TransitionMatrix{}, fmt.Errorf("migration: negative probability at row %d col %d", i, j)
			}
			sum += v
		}
		if sum < 0.999999 || sum > 1.000001 {
			return TransitionMatrix{}, fmt.Errorf("migration: row %d sums to %.8f, want 1", i, sum)
		}
	}
	return TransitionMatrix{m: mat.DenseCopyOf(m)}, nil
}

// DefaultAnnualTransitions builds a stylized annual transition matrix:
// mass concentrated on staying put, one-notch drift up and down, and a
// default probability that grows sharply down the scale.
func DefaultAnnualTransitions() TransitionMatrix {
	n := len(domain.RatingScale)
	m := mat.NewDense(n, stateCount, nil)
	for i := 0; i < n; i++ {
		// Default probability ramps from ~2bp at Aaa to ~25% at Ca.
		frac := float64(i) / float64(n-1)
		pDefault := 0.0002 + 0.25*frac*frac*frac
		pUp := 0.04
		if i == 0 {
			pUp = 0
		}
		pDown := 0.08
		if i == n-1 {
			pDown = 0
		}
		pStay := 1 - pUp - pDown - pDefault

		if i > 0 {
			m.Set(i, i-1, pUp)
		}
		m.Set(i, i, pStay)
		if i < n-1 {
			m.Set(i, i+1, pDown)
		}
		m.Set(i, defaultCol, pDefault)
	}
	tm, err := NewTransitionMatrix(m)
	if err != nil {
		// The construction above is row-stochastic by arithmetic.
		panic(err)
	}
	return tm
}

// PeriodMatrix converts annual transitions to per-period transitions
// for the given payment frequency. Frequencies that are powers of two
// use repeated matrix square roots; other frequencies scale the
// generator. Either way the result is clamped to non-negative rows and
// renormalized.
func (t TransitionMatrix) PeriodMatrix(periodsPerYear int) (TransitionMatrix, error) {
	if periodsPerYear <= 1 {
		return t, nil
	}

	square := t.embedSquare()
	switch periodsPerYear {
	case 2, 4, 8:
		root := square
		for f := periodsPerYear; f > 1; f /= 2 {
			var err error
			root, err = matrixkit.Sqrt(root)
			if err != nil {
				return TransitionMatrix{}, fmt.Errorf("migration: period conversion failed: %w", err)
			}
		}
		return fromSquare(root), nil
	default:
		// Generator scaling: P_dt ≈ I + (P - I)/f.
		n := stateCount
		out := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				v := square.At(i, j) / float64(periodsPerYear)
				if i == j {
					v += 1 - 1/float64(periodsPerYear)
				}
				out.Set(i, j, v)
			}
		}
		return fromSquare(out), nil
	}
}

// embedSquare extends the rectangular matrix with the absorbing
// default row so matrix functions apply.
func (t TransitionMatrix) embedSquare() *mat.Dense {
	n := stateCount
	out := mat.NewDense(n, n, nil)
	for i := 0; i < len(domain.RatingScale); i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, t.m.At(i, j))
		}
	}
	out.Set(defaultCol, defaultCol, 1)
	return out
}

// fromSquare clamps, renormalizes and strips the absorbing row.
func fromSquare(square *mat.Dense) TransitionMatrix {
	rows := len(domain.RatingScale)
	out := mat.NewDense(rows, stateCount, nil)
	for i := 0; i < rows; i++ {
		sum := 0.0
		for j := 0; j < stateCount; j++ {
			v := square.At(i, j)
			if v < 0 {
				v = 0
			}
			out.Set(i, j, v)
			sum += v
		}
		for j := 0; j < stateCount; j++ {
			out.Set(i, j, out.At(i, j)/sum)
		}
	}
	return TransitionMatrix{m: out}
}

// cumulativeRow returns the running sum of one notch's transition row,
// used for inverse-CDF sampling.
func (t TransitionMatrix) cumulativeRow(ordinal int) []float64 {
	row := make([]float64, stateCount)
	sum := 0.0
	for j := 0; j < stateCount; j++ {
		sum += t.m.At(ordinal, j)
		row[j] = sum
	}
	row[stateCount-1] = 1 // guard against rounding shortfall
	return row
}
