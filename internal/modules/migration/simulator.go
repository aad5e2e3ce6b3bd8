package migration

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/petrakis/cloval/internal/domain"
	"github.com/petrakis/cloval/internal/matrixkit"
	"github.com/petrakis/cloval/internal/modules/pool"
	"github.com/petrakis/cloval/internal/runctx"
)

// Absorbing per-asset states beyond the live rating ordinals.
const (
	stateDefault = -1
	stateMatured = -2
)

// Rating bucket labels reported in the aggregated time series.
const (
	BucketInvestmentGrade = "IG"
	BucketBa              = "BA"
	BucketB               = "B"
	BucketCaa             = "CAA"
	BucketDefaulted       = "DEFAULTED"
)

// Config parameterizes one Monte Carlo batch.
type Config struct {
	Paths          int
	Periods        int
	PeriodsPerYear int
	// Workers bounds parallel path evaluation; <=0 means one worker
	// per path up to the scheduler's discretion.
	Workers int
	AsOf    time.Time
	// Correlation, when set, is used as-is. Otherwise a matrix is
	// derived from industry and obligor overlap.
	Correlation      *mat.Dense
	IntraIndustryRho float64
	InterIndustryRho float64
	SameObligorRho   float64
}

// SeriesStats summarizes one per-period metric across paths.
type SeriesStats struct {
	Average []float64 `json:"average"`
	Min     []float64 `json:"min"`
	Max     []float64 `json:"max"`
	Median  []float64 `json:"median"`
}

// BatchResult is the aggregated outcome of a batch. Individual paths
// are discarded except the per-path default periods, which feed
// rating-driven cashflow projection.
type BatchResult struct {
	Paths   int `json:"paths"`
	Periods int `json:"periods"`

	CumulativeDefaultRate SeriesStats            `json:"cumulative_default_rate"`
	PeriodDefaultBalance  SeriesStats            `json:"period_default_balance"`
	PeriodDefaultCount    SeriesStats            `json:"period_default_count"`
	MaturedBalance        SeriesStats            `json:"matured_balance"`
	BucketBalance         map[string]SeriesStats `json:"bucket_balance"`

	// DefaultPeriods[path][assetIndex] is the zero-based period the
	// asset defaulted in, or -1. AssetIDs gives the index order.
	AssetIDs       []string `json:"asset_ids"`
	DefaultPeriods [][]int  `json:"-"`

	// PathTerminalDefaultRate[path] is the cumulative default rate at
	// the final period, the ranking key for path selection.
	PathTerminalDefaultRate []float64 `json:"-"`
}

// RepresentativePath returns the index of the path whose terminal
// default rate is the batch median, breaking ties toward the lower
// index. Returns -1 on an empty batch.
func (r *BatchResult) RepresentativePath() int {
	n := len(r.PathTerminalDefaultRate)
	if n == 0 {
		return -1
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return r.PathTerminalDefaultRate[order[a]] < r.PathTerminalDefaultRate[order[b]]
	})
	return order[(n-1)/2]
}

// DefaultPeriodsByAsset maps asset IDs to the zero-based period they
// default in on the given path. Assets that never default on the path
// are absent from the map.
func (r *BatchResult) DefaultPeriodsByAsset(path int) map[string]int {
	if path < 0 || path >= len(r.DefaultPeriods) {
		return nil
	}
	out := make(map[string]int)
	for i, period := range r.DefaultPeriods[path] {
		if period >= 0 && i < len(r.AssetIDs) {
			out[r.AssetIDs[i]] = period
		}
	}
	return out
}

// Simulator runs correlated rating-migration batches.
type Simulator struct {
	log zerolog.Logger
}

// NewSimulator creates a simulator.
func NewSimulator(log zerolog.Logger) *Simulator {
	return &Simulator{log: log.With().Str("service", "migration").Logger()}
}

// DeriveCorrelation builds an asset-level correlation matrix from
// obligor and industry overlap: same obligor couples tightest, same
// industry next, everything else at the base inter-industry level.
func DeriveCorrelation(assets []*domain.Asset, intra, inter, sameObligor float64) *mat.Dense {
	n := len(assets)
	corr := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			switch {
			case i == j:
				corr.Set(i, j, 1)
			case assets[i].ObligorName == assets[j].ObligorName:
				corr.Set(i, j, sameObligor)
			case assets[i].Industry == assets[j].Industry:
				corr.Set(i, j, intra)
			default:
				corr.Set(i, j, inter)
			}
		}
	}
	return corr
}

// pathSeries holds one path's per-period metrics.
type pathSeries struct {
	cumDefaultRate []float64
	defaultBalance []float64
	defaultCount   []float64
	maturedBalance []float64
	buckets        map[string][]float64
	defaultPeriods []int
}

// Run executes the batch. A correlation matrix that is not positive
// definite aborts the whole batch with the numeric kernel's failure;
// no partial output is produced.
func (s *Simulator) Run(rc *runctx.RunContext, p *pool.Pool, annual TransitionMatrix, cfg Config) (*BatchResult, error) {
	assets := p.Assets()
	n := len(assets)
	if n == 0 {
		return nil, fmt.Errorf("migration: empty pool")
	}
	if cfg.Paths <= 0 || cfg.Periods <= 0 || cfg.PeriodsPerYear <= 0 {
		return nil, fmt.Errorf("migration: paths, periods and frequency must be positive")
	}

	periodTM, err := annual.PeriodMatrix(cfg.PeriodsPerYear)
	if err != nil {
		return nil, err
	}

	corr := cfg.Correlation
	if corr == nil {
		intra, inter, same := cfg.IntraIndustryRho, cfg.InterIndustryRho, cfg.SameObligorRho
		if same == 0 {
			same = 0.85
		}
		corr = DeriveCorrelation(assets, intra, inter, same)
	}
	if r, c := corr.Dims(); r != n || c != n {
		return nil, fmt.Errorf("%w: correlation is %dx%d for %d assets", matrixkit.ErrDimensionMismatch, r, c, n)
	}

	chol, err := matrixkit.Cholesky(corr)
	if err != nil {
		return nil, fmt.Errorf("migration: correlation factorization failed: %w", err)
	}

	// Precompute cumulative transition rows and initial states.
	cumRows := make([][]float64, len(domain.RatingScale))
	for i := range cumRows {
		cumRows[i] = periodTM.cumulativeRow(i)
	}
	initial := make([]int, n)
	maturesAt := make([]int, n)
	totalPar := 0.0
	for i, a := range assets {
		if a.Defaulted {
			initial[i] = stateDefault
		} else if ord := a.MoodysRating.Ordinal(); ord >= 0 {
			initial[i] = ord
		} else {
			initial[i] = domain.RatingCaa3.Ordinal() // unrated simulated as deep speculative
		}
		maturesAt[i] = periodsUntil(cfg.AsOf, a.Maturity, cfg.PeriodsPerYear)
		totalPar += a.ParAmount
	}

	series := make([]*pathSeries, cfg.Paths)
	var completed atomic.Int64

	g, ctx := errgroup.WithContext(rc.Context())
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	}
	for path := 0; path < cfg.Paths; path++ {
		// Cooperative cancellation at the path boundary.
		if err := rc.Err(); err != nil {
			break
		}
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			series[path] = s.runPath(rc.PathRand(path), assets, initial, maturesAt, chol, cumRows, cfg, totalPar)
			done := completed.Add(1)
			if done%100 == 0 || done == int64(cfg.Paths) {
				rc.Progress("migration", int(done), cfg.Paths, "")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := rc.Err(); err != nil {
		return nil, err
	}

	return s.aggregate(assets, series, cfg), nil
}

// runPath simulates one path. All state is path-local; the pool is
// read-only here.
func (s *Simulator) runPath(
	rng *rand.Rand,
	assets []*domain.Asset,
	initial, maturesAt []int,
	chol *mat.Dense,
	cumRows [][]float64,
	cfg Config,
	totalPar float64,
) *pathSeries {
	n := len(assets)
	states := make([]int, n)
	copy(states, initial)

	ps := &pathSeries{
		cumDefaultRate: make([]float64, cfg.Periods),
		defaultBalance: make([]float64, cfg.Periods),
		defaultCount:   make([]float64, cfg.Periods),
		maturedBalance: make([]float64, cfg.Periods),
		buckets:        make(map[string][]float64, 5),
		defaultPeriods: make([]int, n),
	}
	for _, b := range []string{BucketInvestmentGrade, BucketBa, BucketB, BucketCaa, BucketDefaulted} {
		ps.buckets[b] = make([]float64, cfg.Periods)
	}
	for i := range ps.defaultPeriods {
		ps.defaultPeriods[i] = -1
	}

	eps := make([]float64, n)
	z := make([]float64, n)
	cumDefaulted := 0.0
	cumMatured := 0.0

	for t := 0; t < cfg.Periods; t++ {
		for i := range eps {
			eps[i] = rng.NormFloat64()
		}
		correlate(chol, eps, z)

		for i := range assets {
			switch states[i] {
			case stateDefault, stateMatured:
				continue
			}
			if t >= maturesAt[i] {
				states[i] = stateMatured
				cumMatured += assets[i].ParAmount
				continue
			}
			u := normCDF(z[i])
			next := nextState(cumRows[states[i]], u)
			if next == defaultCol {
				states[i] = stateDefault
				ps.defaultPeriods[i] = t
				ps.defaultBalance[t] += assets[i].ParAmount
				ps.defaultCount[t]++
				cumDefaulted += assets[i].ParAmount
			} else {
				states[i] = next
			}
		}

		if totalPar > 0 {
			ps.cumDefaultRate[t] = cumDefaulted / totalPar
		}
		ps.maturedBalance[t] = cumMatured
		for i, a := range assets {
			ps.buckets[bucketOf(states[i])][t] += balanceIfLive(states[i], a.ParAmount)
		}
		ps.buckets[BucketDefaulted][t] = cumDefaulted
	}
	return ps
}

// aggregate reduces path series into avg/min/max/median statistics.
// The reduction is a pure function of the path-indexed slice, so it is
// independent of worker completion order.
func (s *Simulator) aggregate(assets []*domain.Asset, series []*pathSeries, cfg Config) *BatchResult {
	out := &BatchResult{
		Paths:         len(series),
		Periods:       cfg.Periods,
		BucketBalance: make(map[string]SeriesStats, 5),
	}
	for _, a := range assets {
		out.AssetIDs = append(out.AssetIDs, a.ID)
	}
	out.DefaultPeriods = make([][]int, len(series))
	out.PathTerminalDefaultRate = make([]float64, len(series))
	for i, ps := range series {
		out.DefaultPeriods[i] = ps.defaultPeriods
		out.PathTerminalDefaultRate[i] = ps.cumDefaultRate[cfg.Periods-1]
	}

	out.CumulativeDefaultRate = summarize(series, cfg.Periods, func(ps *pathSeries) []float64 { return ps.cumDefaultRate })
	out.PeriodDefaultBalance = summarize(series, cfg.Periods, func(ps *pathSeries) []float64 { return ps.defaultBalance })
	out.PeriodDefaultCount = summarize(series, cfg.Periods, func(ps *pathSeries) []float64 { return ps.defaultCount })
	out.MaturedBalance = summarize(series, cfg.Periods, func(ps *pathSeries) []float64 { return ps.maturedBalance })
	for _, b := range []string{BucketInvestmentGrade, BucketBa, BucketB, BucketCaa, BucketDefaulted} {
		out.BucketBalance[b] = summarize(series, cfg.Periods, func(ps *pathSeries) []float64 { return ps.buckets[b] })
	}

	s.log.Info().
		Int("paths", out.Paths).
		Int("periods", out.Periods).
		Int("assets", len(assets)).
		Msg("migration batch aggregated")
	return out
}

func summarize(series []*pathSeries, periods int, pick func(*pathSeries) []float64) SeriesStats {
	st := SeriesStats{
		Average: make([]float64, periods),
		Min:     make([]float64, periods),
		Max:     make([]float64, periods),
		Median:  make([]float64, periods),
	}
	vals := make([]float64, len(series))
	for t := 0; t < periods; t++ {
		for i, ps := range series {
			vals[i] = pick(ps)[t]
		}
		sorted := make([]float64, len(vals))
		copy(sorted, vals)
		sort.Float64s(sorted)

		st.Average[t] = stat.Mean(sorted, nil)
		st.Min[t] = sorted[0]
		st.Max[t] = sorted[len(sorted)-1]
		st.Median[t] = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	}
	return st
}

// correlate computes z = L·eps using the lower-triangular Cholesky factor.
func correlate(chol *mat.Dense, eps, z []float64) {
	n := len(eps)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j <= i; j++ {
			sum += chol.At(i, j) * eps[j]
		}
		z[i] = sum
	}
}

// nextState inverts the cumulative transition row at u.
func nextState(cumRow []float64, u float64) int {
	for j, c := range cumRow {
		if u <= c {
			return j
		}
	}
	return len(cumRow) - 1
}

func normCDF(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

func bucketOf(state int) string {
	if state == stateDefault {
		return BucketDefaulted
	}
	if state == stateMatured {
		return BucketInvestmentGrade // matured balances drop out below via balanceIfLive
	}
	switch {
	case state <= domain.RatingBaa3.Ordinal():
		return BucketInvestmentGrade
	case state <= domain.RatingBa3.Ordinal():
		return BucketBa
	case state <= domain.RatingB3.Ordinal():
		return BucketB
	default:
		return BucketCaa
	}
}

func balanceIfLive(state int, par float64) float64 {
	if state == stateDefault || state == stateMatured {
		return 0
	}
	return par
}

// periodsUntil counts whole periods from the as-of date to maturity.
func periodsUntil(asOf, maturity time.Time, periodsPerYear int) int {
	if !maturity.After(asOf) {
		return 0
	}
	months := 12 / periodsPerYear
	count := 0
	d := asOf
	for d.Before(maturity) {
		d = d.AddDate(0, months, 0)
		count++
	}
	return count
}
