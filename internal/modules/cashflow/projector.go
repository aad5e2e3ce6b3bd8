// Package cashflow projects per-asset cashflow schedules under
// prepayment, default and severity assumptions. Projections are pure
// functions of the asset and scenario; the canonical pool is never
// mutated here.
package cashflow

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrakis/cloval/internal/domain"
)

// Period is one projected cashflow period.
type Period struct {
	Number       int       `json:"number"`
	AccrualStart time.Time `json:"accrual_start"`
	AccrualEnd   time.Time `json:"accrual_end"`

	BeginBalance         float64 `json:"begin_balance"`
	ScheduledPrincipal   float64 `json:"scheduled_principal"`
	UnscheduledPrincipal float64 `json:"unscheduled_principal"`
	DefaultedFace        float64 `json:"defaulted_face"`
	DefaultedMarket      float64 `json:"defaulted_market"`
	Interest             float64 `json:"interest"`
	Recoveries           float64 `json:"recoveries"`
	NetLoss              float64 `json:"net_loss"`
	EndBalance           float64 `json:"end_balance"`
	TotalCash            float64 `json:"total_cash"`
}

// Projector produces cashflow schedules for single assets.
type Projector struct {
	log zerolog.Logger
}

// NewProjector creates a projector.
func NewProjector(log zerolog.Logger) *Projector {
	return &Projector{log: log.With().Str("service", "cashflow").Logger()}
}

// Project produces the asset's full schedule from the as-of date under
// the asset's own scenario assumptions.
func (p *Projector) Project(asset *domain.Asset, asOf time.Time) ([]Period, error) {
	return p.project(asset, asOf, asset.Assumptions.RatingDriven, -1)
}

// ProjectRatingDriven projects with default timing dictated by the
// migration simulator: the asset defaults in full at defaultPeriod
// (zero-based) instead of at a flat annualized rate. A negative period
// means the path never defaults the asset, so its flat default rates
// are ignored entirely.
func (p *Projector) ProjectRatingDriven(asset *domain.Asset, asOf time.Time, defaultPeriod int) ([]Period, error) {
	return p.project(asset, asOf, true, defaultPeriod)
}

func (p *Projector) project(asset *domain.Asset, asOf time.Time, ratingDriven bool, ratingDefaultPeriod int) ([]Period, error) {
	if err := asset.Validate(); err != nil {
		return nil, err
	}
	if !asset.Maturity.After(asOf) {
		return nil, fmt.Errorf("asset %s matured before as-of date %s", asset.ID, asOf.Format("2006-01-02"))
	}
	if 12%asset.PaymentsPerYear != 0 {
		return nil, fmt.Errorf("asset %s payment frequency %d does not divide the year", asset.ID, asset.PaymentsPerYear)
	}

	freq := float64(asset.PaymentsPerYear)
	monthsPerPeriod := 12 / asset.PaymentsPerYear

	// An already-defaulted asset produces recovery-only cashflow.
	if asset.Defaulted {
		return p.recoveryOnly(asset, asOf, monthsPerPeriod), nil
	}

	dates := paymentDates(asOf, asset.Maturity, monthsPerPeriod)
	remaining := remainingScheduleFractions(asset, dates)

	balance := asset.ParAmount
	// Recoveries land lag periods after default; index by arrival period.
	pendingRecoveries := map[int]float64{}

	var periods []Period
	couponPerPeriod := asset.AnnualCoupon() / freq

	for i := 0; i < len(dates); i++ {
		start := asOf
		if i > 0 {
			start = dates[i-1]
		}
		pd := Period{
			Number:       i + 1,
			AccrualStart: start,
			AccrualEnd:   dates[i],
			BeginBalance: balance,
		}

		severity := clamp01(asset.Assumptions.Severity.At(i))

		// Default first, then prepayment, then interest accrual.
		var defaulted float64
		if ratingDriven {
			if i == ratingDefaultPeriod {
				defaulted = balance
			}
		} else {
			defaulted = balance * periodRate(asset.Assumptions.Default.At(i), freq)
		}
		pd.DefaultedFace = defaulted
		pd.DefaultedMarket = defaulted * asset.MarketPrice
		pd.NetLoss = defaulted * severity

		arrival := i + asset.Assumptions.RecoveryLagPeriods
		if defaulted > 0 {
			pendingRecoveries[arrival] += defaulted * (1 - severity)
		}

		surviving := balance - defaulted

		scheduled := surviving * remaining[i]
		prepaid := (surviving - scheduled) * periodRate(asset.Assumptions.Prepayment.At(i), freq)
		if i == len(dates)-1 {
			// Residual due at maturity is force-paid.
			scheduled = surviving
			prepaid = 0
		}
		pd.ScheduledPrincipal = scheduled
		pd.UnscheduledPrincipal = prepaid

		pd.Interest = (surviving - prepaid) * couponPerPeriod
		pd.Recoveries = pendingRecoveries[i]
		delete(pendingRecoveries, i)

		balance = surviving - scheduled - prepaid
		if balance < 0 {
			balance = 0
		}
		pd.EndBalance = balance
		pd.TotalCash = pd.Interest + pd.ScheduledPrincipal + pd.UnscheduledPrincipal + pd.Recoveries
		periods = append(periods, pd)

		if balance <= 1e-9 && len(pendingRecoveries) == 0 {
			break
		}
	}

	// Recovery tail past maturity.
	periods = append(periods, p.flushRecoveries(pendingRecoveries, len(dates), dates, monthsPerPeriod)...)

	return periods, nil
}

// recoveryOnly projects a defaulted asset: a single recovery of
// (1-severity)·par arriving after the recovery lag.
func (p *Projector) recoveryOnly(asset *domain.Asset, asOf time.Time, monthsPerPeriod int) []Period {
	severity := clamp01(asset.Assumptions.Severity.At(0))
	lag := asset.Assumptions.RecoveryLagPeriods
	var periods []Period
	end := asOf
	balance := asset.ParAmount
	for i := 0; i <= lag; i++ {
		start := end
		end = start.AddDate(0, monthsPerPeriod, 0)
		pd := Period{
			Number:       i + 1,
			AccrualStart: start,
			AccrualEnd:   end,
			BeginBalance: balance,
			EndBalance:   balance,
		}
		if i == lag {
			pd.Recoveries = asset.ParAmount * (1 - severity)
			pd.NetLoss = asset.ParAmount * severity
			pd.TotalCash = pd.Recoveries
			pd.EndBalance = 0
			balance = 0
		}
		periods = append(periods, pd)
	}
	return periods
}

// flushRecoveries emits recovery-only periods after the final payment
// date until every pending recovery has arrived.
func (p *Projector) flushRecoveries(pending map[int]float64, fromPeriod int, dates []time.Time, monthsPerPeriod int) []Period {
	if len(pending) == 0 {
		return nil
	}
	last := fromPeriod
	for idx := range pending {
		if idx >= last {
			last = idx + 1
		}
	}
	var periods []Period
	end := dates[len(dates)-1]
	for i := fromPeriod; i < last; i++ {
		start := end
		end = start.AddDate(0, monthsPerPeriod, 0)
		pd := Period{
			Number:       i + 1,
			AccrualStart: start,
			AccrualEnd:   end,
			Recoveries:   pending[i],
		}
		pd.TotalCash = pd.Recoveries
		delete(pending, i)
		periods = append(periods, pd)
	}
	return periods
}

// Aggregate sums per-asset schedules into one pooled schedule, aligned
// by period number. Used for "all assets" reporting.
func Aggregate(schedules ...[]Period) []Period {
	maxLen := 0
	for _, s := range schedules {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	out := make([]Period, maxLen)
	for i := range out {
		out[i].Number = i + 1
	}
	for _, s := range schedules {
		for i, pd := range s {
			out[i].BeginBalance += pd.BeginBalance
			out[i].ScheduledPrincipal += pd.ScheduledPrincipal
			out[i].UnscheduledPrincipal += pd.UnscheduledPrincipal
			out[i].DefaultedFace += pd.DefaultedFace
			out[i].DefaultedMarket += pd.DefaultedMarket
			out[i].Interest += pd.Interest
			out[i].Recoveries += pd.Recoveries
			out[i].NetLoss += pd.NetLoss
			out[i].EndBalance += pd.EndBalance
			out[i].TotalCash += pd.TotalCash
			if out[i].AccrualEnd.IsZero() || pd.AccrualEnd.After(out[i].AccrualEnd) {
				out[i].AccrualStart = pd.AccrualStart
				out[i].AccrualEnd = pd.AccrualEnd
			}
		}
	}
	return out
}

// paymentDates steps from the as-of date to maturity at the payment
// frequency, capping the final date at maturity.
func paymentDates(asOf, maturity time.Time, monthsPerPeriod int) []time.Time {
	var dates []time.Time
	d := asOf
	for {
		d = d.AddDate(0, monthsPerPeriod, 0)
		if !d.Before(maturity) {
			dates = append(dates, maturity)
			return dates
		}
		dates = append(dates, d)
	}
}

// remainingScheduleFractions converts the amortization schedule into a
// per-period fraction of the surviving balance. Fractions are
// renormalized by the sum still ahead so the last schedule entry always
// retires the full remaining balance.
func remainingScheduleFractions(asset *domain.Asset, dates []time.Time) []float64 {
	out := make([]float64, len(dates))
	if asset.AmortizationType != domain.AmortScheduled || len(asset.Schedule) == 0 {
		return out
	}

	perPeriod := make([]float64, len(dates))
	for _, entry := range asset.Schedule {
		for i, end := range dates {
			if !entry.Date.After(end) {
				perPeriod[i] += entry.Fraction
				break
			}
			if i == len(dates)-1 {
				perPeriod[i] += entry.Fraction
			}
		}
	}

	tail := 0.0
	for i := len(dates) - 1; i >= 0; i-- {
		tail += perPeriod[i]
		if tail > 1e-12 {
			out[i] = perPeriod[i] / tail
		}
	}
	return out
}

// periodRate converts an annualized rate to a per-period rate by
// compound de-annualization.
func periodRate(annual, freq float64) float64 {
	if annual <= 0 {
		return 0
	}
	if annual >= 1 {
		return 1
	}
	return 1 - math.Pow(1-annual, 1/freq)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
