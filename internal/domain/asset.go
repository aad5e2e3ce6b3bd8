// Package domain provides the core models shared by every engine
// component: assets, ratings, scenario assumptions and cash accounts.
// The package is pure; it has no infrastructure dependencies.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// CouponType distinguishes fixed from floating coupons.
type CouponType string

const (
	CouponFixed    CouponType = "FIXED"
	CouponFloating CouponType = "FLOATING"
)

// AmortizationType distinguishes bullet from scheduled amortizers.
type AmortizationType string

const (
	AmortBullet    AmortizationType = "BULLET"
	AmortScheduled AmortizationType = "SCHEDULED"
)

// Seniority is the position of a loan in the obligor's capital structure.
type Seniority string

const (
	SenioritySeniorSecured   Seniority = "SENIOR_SECURED"
	SenioritySeniorUnsecured Seniority = "SENIOR_UNSECURED"
	SenioritySecondLien      Seniority = "SECOND_LIEN"
	SenioritySubordinated    Seniority = "SUBORDINATED"
)

// AmortizationEntry is one scheduled principal date with the fraction
// of the total scheduled principal it retires. Fractions sum to 1
// across the schedule; the projector renormalizes the fractions still
// ahead each period, so the final entry retires the full surviving
// balance.
type AmortizationEntry struct {
	Date     time.Time `json:"date"`
	Fraction float64   `json:"fraction"`
}

// RateVector is a scenario assumption that is either a flat annual rate
// or a per-period sequence. The zero value means a flat 0 rate.
type RateVector struct {
	Values []float64 `json:"values"`
}

// FlatRate returns a RateVector holding a single annual rate.
func FlatRate(rate float64) RateVector {
	return RateVector{Values: []float64{rate}}
}

// At returns the annual rate for a zero-based period. Vectors shorter
// than the schedule hold their last value, so a scalar applies to every
// period.
func (v RateVector) At(period int) float64 {
	if len(v.Values) == 0 {
		return 0
	}
	if period >= len(v.Values) {
		return v.Values[len(v.Values)-1]
	}
	return v.Values[period]
}

// Clone returns a deep copy of the vector.
func (v RateVector) Clone() RateVector {
	if v.Values == nil {
		return RateVector{}
	}
	out := make([]float64, len(v.Values))
	copy(out, v.Values)
	return RateVector{Values: out}
}

// ScenarioAssumptions drives a cashflow projection: annualized
// prepayment and default rates, loss severity, and the lag in periods
// between default and recovery receipt. RatingDriven defers default
// timing to the migration simulator's per-period state instead of the
// flat rate.
type ScenarioAssumptions struct {
	Prepayment         RateVector `json:"prepayment"`
	Default            RateVector `json:"default"`
	Severity           RateVector `json:"severity"`
	RecoveryLagPeriods int        `json:"recovery_lag_periods"`
	RatingDriven       bool       `json:"rating_driven"`
}

// Clone returns a deep copy of the assumptions.
func (s ScenarioAssumptions) Clone() ScenarioAssumptions {
	return ScenarioAssumptions{
		Prepayment:         s.Prepayment.Clone(),
		Default:            s.Default.Clone(),
		Severity:           s.Severity.Clone(),
		RecoveryLagPeriods: s.RecoveryLagPeriods,
		RatingDriven:       s.RatingDriven,
	}
}

// Asset is one loan or bond position in a collateral pool.
type Asset struct {
	ID          string `json:"id"`
	ObligorName string `json:"obligor_name"`

	ParAmount   float64 `json:"par_amount"`
	MarketPrice float64 `json:"market_price"` // fraction of par, 1.0 = par

	CouponType      CouponType `json:"coupon_type"`
	CouponRate      float64    `json:"coupon_rate"` // fixed rate, annual
	Spread          float64    `json:"spread"`      // over index, annual
	IndexRate       float64    `json:"index_rate"`  // current index fixing
	Floor           float64    `json:"floor"`       // index floor, floating only
	PaymentsPerYear int        `json:"payments_per_year"`

	Maturity time.Time `json:"maturity"`

	AmortizationType AmortizationType    `json:"amortization_type"`
	Schedule         []AmortizationEntry `json:"schedule,omitempty"`

	MoodysRating Rating `json:"moodys_rating"`
	SPRating     string `json:"sp_rating"`

	Industry  string    `json:"industry"`
	Country   string    `json:"country"`
	Seniority Seniority `json:"seniority"`

	Revolver  bool `json:"revolver"`
	DIP       bool `json:"dip"`
	CovLite   bool `json:"cov_lite"`
	PIK       bool `json:"pik"`
	Defaulted bool `json:"defaulted"`

	DefaultedDate time.Time `json:"defaulted_date,omitempty"`

	Assumptions ScenarioAssumptions `json:"assumptions"`
}

// ErrInvalidAsset reports an input record that cannot become an Asset.
var ErrInvalidAsset = errors.New("domain: invalid asset")

// Validate checks the asset invariants that hold for every lifecycle
// state. Violations are input-validation failures, not engine bugs.
func (a *Asset) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: missing asset ID", ErrInvalidAsset)
	}
	if a.ParAmount < 0 {
		return fmt.Errorf("%w: asset %s has negative par %.2f", ErrInvalidAsset, a.ID, a.ParAmount)
	}
	if a.PaymentsPerYear <= 0 {
		return fmt.Errorf("%w: asset %s has payment frequency %d", ErrInvalidAsset, a.ID, a.PaymentsPerYear)
	}
	if a.Maturity.IsZero() {
		return fmt.Errorf("%w: asset %s has no maturity", ErrInvalidAsset, a.ID)
	}
	if a.AmortizationType == AmortScheduled && len(a.Schedule) == 0 {
		return fmt.Errorf("%w: asset %s is scheduled but has no schedule", ErrInvalidAsset, a.ID)
	}
	return nil
}

// AnnualCoupon returns the all-in annual coupon rate, applying the
// floor for floating assets.
func (a *Asset) AnnualCoupon() float64 {
	if a.CouponType == CouponFloating {
		index := a.IndexRate
		if index < a.Floor {
			index = a.Floor
		}
		return index + a.Spread
	}
	return a.CouponRate
}

// MarketValue returns par weighted by the market price.
func (a *Asset) MarketValue() float64 {
	return a.ParAmount * a.MarketPrice
}

// Clone returns a deep copy. Speculative trades and simulation paths
// mutate clones only; the canonical pool asset is never touched by a
// rejected trade.
func (a *Asset) Clone() *Asset {
	out := *a
	if a.Schedule != nil {
		out.Schedule = make([]AmortizationEntry, len(a.Schedule))
		copy(out.Schedule, a.Schedule)
	}
	out.Assumptions = a.Assumptions.Clone()
	return &out
}

// MarkDefaulted transitions the asset into the defaulted state. Forward
// cashflow from a defaulted asset is recovery-only.
func (a *Asset) MarkDefaulted(when time.Time) {
	a.Defaulted = true
	a.DefaultedDate = when
	a.MoodysRating = RatingD
}
