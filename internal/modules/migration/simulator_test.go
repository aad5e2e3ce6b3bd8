package migration

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/petrakis/cloval/internal/domain"
	"github.com/petrakis/cloval/internal/matrixkit"
	"github.com/petrakis/cloval/internal/modules/pool"
	"github.com/petrakis/cloval/internal/runctx"
)

func simAsset(id, obligor, industry string, rating domain.Rating) *domain.Asset {
	return &domain.Asset{
		ID:              id,
		ObligorName:     obligor,
		ParAmount:       10_000_000,
		MarketPrice:     0.98,
		CouponType:      domain.CouponFloating,
		Spread:          0.04,
		PaymentsPerYear: 4,
		Maturity:        time.Date(2033, 1, 15, 0, 0, 0, 0, time.UTC),
		MoodysRating:    rating,
		Industry:        industry,
		Country:         "US",
		Seniority:       domain.SenioritySeniorSecured,
	}
}

func simPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(zerolog.Nop())
	require.NoError(t, p.AddAsset(simAsset("LN001", "Acme", "Tech", domain.RatingB1)))
	require.NoError(t, p.AddAsset(simAsset("LN002", "Borealis", "Tech", domain.RatingB2)))
	require.NoError(t, p.AddAsset(simAsset("LN003", "Cobalt", "Retail", domain.RatingBa3)))
	return p
}

func simConfig() Config {
	return Config{
		Paths:            200,
		Periods:          12,
		PeriodsPerYear:   4,
		AsOf:             time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		IntraIndustryRho: 0.30,
		InterIndustryRho: 0.10,
	}
}

func newRC(seed int64) *runctx.RunContext {
	return runctx.New(context.Background(), zerolog.Nop(), seed, nil)
}

func TestTransitionMatrix_RowsSumToOne(t *testing.T) {
	tm := DefaultAnnualTransitions()
	for _, freq := range []int{1, 2, 4, 12} {
		period, err := tm.PeriodMatrix(freq)
		require.NoError(t, err)
		for i := range domain.RatingScale {
			row := period.cumulativeRow(i)
			assert.InDelta(t, 1.0, row[len(row)-1], 1e-9)
			for j := 1; j < len(row); j++ {
				assert.GreaterOrEqual(t, row[j], row[j-1]-1e-12, "cumulative row must be monotone")
			}
		}
	}
}

func TestPeriodMatrix_QuarterlyDefaultsLessThanAnnual(t *testing.T) {
	tm := DefaultAnnualTransitions()
	quarterly, err := tm.PeriodMatrix(4)
	require.NoError(t, err)

	b3 := domain.RatingB3.Ordinal()
	annualRow := tm.cumulativeRow(b3)
	quarterlyRow := quarterly.cumulativeRow(b3)

	annualDefault := 1 - annualRow[len(annualRow)-2]
	quarterlyDefault := 1 - quarterlyRow[len(quarterlyRow)-2]
	assert.Less(t, quarterlyDefault, annualDefault)
	assert.Greater(t, quarterlyDefault, 0.0)
}

func TestRun_SameSeedReproduces(t *testing.T) {
	sim := NewSimulator(zerolog.Nop())
	p := simPool(t)
	tm := DefaultAnnualTransitions()

	first, err := sim.Run(newRC(42), p, tm, simConfig())
	require.NoError(t, err)
	second, err := sim.Run(newRC(42), p, tm, simConfig())
	require.NoError(t, err)

	assert.Equal(t, first.CumulativeDefaultRate, second.CumulativeDefaultRate)
	assert.Equal(t, first.DefaultPeriods, second.DefaultPeriods)

	third, err := sim.Run(newRC(43), p, tm, simConfig())
	require.NoError(t, err)
	assert.NotEqual(t, first.DefaultPeriods, third.DefaultPeriods, "different seeds should diverge")
}

func TestRun_ParallelMatchesSerial(t *testing.T) {
	sim := NewSimulator(zerolog.Nop())
	p := simPool(t)
	tm := DefaultAnnualTransitions()

	serialCfg := simConfig()
	serialCfg.Workers = 1
	parallelCfg := simConfig()
	parallelCfg.Workers = 8

	serial, err := sim.Run(newRC(7), p, tm, serialCfg)
	require.NoError(t, err)
	parallel, err := sim.Run(newRC(7), p, tm, parallelCfg)
	require.NoError(t, err)

	assert.Equal(t, serial.CumulativeDefaultRate, parallel.CumulativeDefaultRate,
		"aggregation must be independent of completion order")
}

func TestRun_DefaultIsAbsorbing(t *testing.T) {
	sim := NewSimulator(zerolog.Nop())
	p := simPool(t)
	tm := DefaultAnnualTransitions()

	res, err := sim.Run(newRC(11), p, tm, simConfig())
	require.NoError(t, err)

	// Cumulative default rate never decreases within any path summary.
	for t2 := 1; t2 < res.Periods; t2++ {
		assert.GreaterOrEqual(t, res.CumulativeDefaultRate.Min[t2], res.CumulativeDefaultRate.Min[t2-1]-1e-12)
		assert.GreaterOrEqual(t, res.CumulativeDefaultRate.Average[t2], res.CumulativeDefaultRate.Average[t2-1]-1e-12)
	}
	// Each asset defaults at most once per path.
	for _, periods := range res.DefaultPeriods {
		assert.Len(t, periods, 3)
	}
}

func TestRun_NonPositiveDefiniteCorrelationAborts(t *testing.T) {
	sim := NewSimulator(zerolog.Nop())
	p := simPool(t)
	cfg := simConfig()
	cfg.Correlation = mat.NewDense(3, 3, []float64{
		1, 0.99, -0.99,
		0.99, 1, 0.99,
		-0.99, 0.99, 1,
	})

	_, err := sim.Run(newRC(1), p, DefaultAnnualTransitions(), cfg)
	assert.ErrorIs(t, err, matrixkit.ErrNotPositiveDefinite)
}

func TestRun_Cancellation(t *testing.T) {
	sim := NewSimulator(zerolog.Nop())
	p := simPool(t)
	cfg := simConfig()
	cfg.Paths = 10_000

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rc := runctx.New(ctx, zerolog.Nop(), 1, nil)

	_, err := sim.Run(rc, p, DefaultAnnualTransitions(), cfg)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCorrelate_RoundTrip(t *testing.T) {
	// Reconstructing the covariance of correlated shocks recovers the
	// input correlation matrix within 0.05 per entry at 20k draws.
	corr := mat.NewDense(3, 3, []float64{
		1.0, 0.5, 0.2,
		0.5, 1.0, 0.3,
		0.2, 0.3, 1.0,
	})
	chol, err := matrixkit.Cholesky(corr)
	require.NoError(t, err)

	const draws = 20_000
	rng := rand.New(rand.NewSource(99))
	samples := make([][]float64, 3)
	for i := range samples {
		samples[i] = make([]float64, draws)
	}
	eps := make([]float64, 3)
	z := make([]float64, 3)
	for d := 0; d < draws; d++ {
		for i := range eps {
			eps[i] = rng.NormFloat64()
		}
		correlate(chol, eps, z)
		for i := range z {
			samples[i][d] = z[i]
		}
	}

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			got := stat.Covariance(samples[i], samples[j], nil)
			assert.InDelta(t, corr.At(i, j), got, 0.05,
				"covariance entry (%d,%d)", i, j)
		}
	}
}

func TestBatchResult_RepresentativePath(t *testing.T) {
	res := &BatchResult{
		AssetIDs:                []string{"LN001", "LN002", "LN003"},
		PathTerminalDefaultRate: []float64{0.30, 0.10, 0.20},
		DefaultPeriods: [][]int{
			{0, 1, 2},
			{-1, -1, -1},
			{4, -1, 7},
		},
	}

	// Terminal rates sort to 0.10, 0.20, 0.30; the median is path 2.
	assert.Equal(t, 2, res.RepresentativePath())

	byAsset := res.DefaultPeriodsByAsset(res.RepresentativePath())
	assert.Equal(t, map[string]int{"LN001": 4, "LN003": 7}, byAsset)

	assert.Empty(t, res.DefaultPeriodsByAsset(1), "never-defaulting path yields no entries")
	assert.Nil(t, res.DefaultPeriodsByAsset(99))
	assert.Equal(t, -1, (&BatchResult{}).RepresentativePath())
}

func TestRun_TerminalRatesPerPath(t *testing.T) {
	sim := NewSimulator(zerolog.Nop())
	p := simPool(t)

	res, err := sim.Run(newRC(5), p, DefaultAnnualTransitions(), simConfig())
	require.NoError(t, err)

	require.Len(t, res.PathTerminalDefaultRate, res.Paths)
	last := res.Periods - 1
	for _, rate := range res.PathTerminalDefaultRate {
		assert.GreaterOrEqual(t, rate, res.CumulativeDefaultRate.Min[last]-1e-12)
		assert.LessOrEqual(t, rate, res.CumulativeDefaultRate.Max[last]+1e-12)
	}
	rep := res.RepresentativePath()
	require.GreaterOrEqual(t, rep, 0)
	assert.InDelta(t, res.CumulativeDefaultRate.Median[last], res.PathTerminalDefaultRate[rep], 1e-9)
}

func TestDeriveCorrelation(t *testing.T) {
	assets := []*domain.Asset{
		simAsset("LN001", "Acme", "Tech", domain.RatingB1),
		simAsset("LN002", "Acme", "Tech", domain.RatingB2),
		simAsset("LN003", "Cobalt", "Tech", domain.RatingB1),
		simAsset("LN004", "Dover", "Retail", domain.RatingB1),
	}
	corr := DeriveCorrelation(assets, 0.3, 0.1, 0.85)

	assert.InDelta(t, 1.0, corr.At(0, 0), 1e-12)
	assert.InDelta(t, 0.85, corr.At(0, 1), 1e-12, "same obligor")
	assert.InDelta(t, 0.3, corr.At(0, 2), 1e-12, "same industry")
	assert.InDelta(t, 0.1, corr.At(0, 3), 1e-12, "cross industry")
	assert.InDelta(t, corr.At(1, 3), corr.At(3, 1), 1e-12, "symmetric")
}
