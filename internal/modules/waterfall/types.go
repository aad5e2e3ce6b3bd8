// Package waterfall allocates period cash to a CLO's liability stack
// in strict priority order: fees, tranche interest, coverage-gated
// principal, subordinated and incentive fees, equity residual. Ledger
// arithmetic uses decimal values so hundreds of periods cannot
// accumulate binary rounding drift.
package waterfall

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPriorityOrderViolation reports a junior item receiving cash
	// while a senior item in the same cash source has an unexempted
	// shortfall. This is an engine bug, fatal to the run.
	ErrPriorityOrderViolation = errors.New("waterfall: priority order violation")
	// ErrBadStructure reports an unusable deal structure.
	ErrBadStructure = errors.New("waterfall: invalid deal structure")
)

// Variant names a priority-order configuration. Variants reorder or
// redirect steps; they are not different engines.
type Variant string

const (
	// VariantStandard is the common post-reinvestment sequential-pay order.
	VariantStandard Variant = "STANDARD"
	// VariantTurbo sweeps all residual interest into principal paydown
	// ahead of the equity residual.
	VariantTurbo Variant = "TURBO"
)

// Tranche is one rated liability class.
type Tranche struct {
	Name         string  `json:"name"`
	OriginalFace float64 `json:"original_face"`
	Coupon       float64 `json:"coupon"` // annual, all-in
	PIKable      bool    `json:"pikable"`
}

// TriggerKind distinguishes coverage trigger types.
type TriggerKind string

const (
	TriggerOC TriggerKind = "OC"
	TriggerIC TriggerKind = "IC"
)

// Trigger is one OC or IC coverage test. CoversThrough is the index of
// the most junior tranche whose coverage it measures; a breach halts
// principal distribution to tranches junior to that index.
type Trigger struct {
	Name          string      `json:"name"`
	Kind          TriggerKind `json:"kind"`
	Threshold     float64     `json:"threshold"`
	CoversThrough int         `json:"covers_through"`
	// DivertsInterest marks the interest-diversion test: a breach
	// redirects remaining interest proceeds to principal.
	DivertsInterest bool `json:"diverts_interest"`
}

// FeeKind orders fees within the waterfall.
type FeeKind string

const (
	FeeSenior       FeeKind = "SENIOR"
	FeeSubordinated FeeKind = "SUBORDINATED"
	FeeIncentive    FeeKind = "INCENTIVE"
)

// Fee is a management or incentive fee. Rate applies annually to the
// collateral balance; Fixed is a flat per-period expense.
type Fee struct {
	Name  string  `json:"name"`
	Kind  FeeKind `json:"kind"`
	Rate  float64 `json:"rate"`
	Fixed float64 `json:"fixed"`
}

// Structure is the full liability-side configuration for one deal.
type Structure struct {
	Tranches []Tranche `json:"tranches"` // senior first
	Triggers []Trigger `json:"triggers"`
	Fees     []Fee     `json:"fees"`

	EquityInvestment float64 `json:"equity_investment"`
	// IncentiveHurdleMultiple is the MOIC the equity must realize
	// before the incentive fee participates in the residual.
	IncentiveHurdleMultiple float64 `json:"incentive_hurdle_multiple"`
	IncentiveRate           float64 `json:"incentive_rate"`

	PaymentsPerYear int     `json:"payments_per_year"`
	Variant         Variant `json:"variant"`
	Periods         int     `json:"periods"` // legal final maturity in periods
}

// Validate checks the structural preconditions.
func (s *Structure) Validate() error {
	if len(s.Tranches) == 0 {
		return errors.Join(ErrBadStructure, errors.New("no tranches"))
	}
	if s.PaymentsPerYear <= 0 {
		return errors.Join(ErrBadStructure, errors.New("payment frequency must be positive"))
	}
	if s.Periods <= 0 {
		return errors.Join(ErrBadStructure, errors.New("legal final maturity must be positive"))
	}
	for _, tr := range s.Triggers {
		if tr.CoversThrough < 0 || tr.CoversThrough >= len(s.Tranches) {
			return errors.Join(ErrBadStructure, errors.New("trigger covers unknown tranche"))
		}
	}
	for _, fee := range s.Fees {
		switch fee.Kind {
		case FeeSenior, FeeSubordinated:
		case FeeIncentive:
			return errors.Join(ErrBadStructure,
				errors.New("incentive fee "+fee.Name+" must be configured via IncentiveRate, not a fee row"))
		default:
			return errors.Join(ErrBadStructure, errors.New("unknown fee kind "+string(fee.Kind)))
		}
	}
	switch s.Variant {
	case "", VariantStandard, VariantTurbo:
	default:
		return errors.Join(ErrBadStructure, errors.New("unknown waterfall variant "+string(s.Variant)))
	}
	return nil
}

// PeriodInput is the asset-side cash available in one period.
type PeriodInput struct {
	Period               int     `json:"period"`
	InterestCollections  float64 `json:"interest_collections"`
	PrincipalCollections float64 `json:"principal_collections"`
	// CollateralBalance is the performing collateral balance used for
	// coverage ratios and fee bases.
	CollateralBalance float64 `json:"collateral_balance"`
}

// StepStatus records how a priority step funded.
type StepStatus string

const (
	StepFull     StepStatus = "FULL"
	StepPartial  StepStatus = "PARTIAL"
	StepDeferred StepStatus = "DEFERRED"
	StepSkipped  StepStatus = "SKIPPED" // gated by a breached trigger
)

// StepRecord is one line of the period ledger.
type StepRecord struct {
	Step      string          `json:"step"`
	Source    string          `json:"source"` // INTEREST or PRINCIPAL
	Due       decimal.Decimal `json:"due"`
	Paid      decimal.Decimal `json:"paid"`
	Shortfall decimal.Decimal `json:"shortfall"`
	Status    StepStatus      `json:"status"`
}

// TrancheState is one tranche's end-of-period position.
type TrancheState struct {
	Name             string          `json:"name"`
	InterestPaid     decimal.Decimal `json:"interest_paid"`
	PrincipalPaid    decimal.Decimal `json:"principal_paid"`
	DeferredInterest decimal.Decimal `json:"deferred_interest"`
	EndingFace       decimal.Decimal `json:"ending_face"`
}

// TriggerState is one trigger's recomputed period result.
type TriggerState struct {
	Name     string  `json:"name"`
	Kind     TriggerKind `json:"kind"`
	Ratio    float64 `json:"ratio"`
	Threshold float64 `json:"threshold"`
	Breached bool    `json:"breached"`
}

// PeriodLedger is the full record of one period's allocation.
type PeriodLedger struct {
	Period         int             `json:"period"`
	Steps          []StepRecord    `json:"steps"`
	Tranches       []TrancheState  `json:"tranches"`
	Triggers       []TriggerState  `json:"triggers"`
	FeesPaid       decimal.Decimal `json:"fees_paid"`
	EquityResidual decimal.Decimal `json:"equity_residual"`
	IncentiveFee   decimal.Decimal `json:"incentive_fee"`
	InterestDiverted bool          `json:"interest_diverted"`
}

// Outcome is the whole run: per-period ledgers plus terminal state.
type Outcome struct {
	Ledgers            []PeriodLedger  `json:"ledgers"`
	AllRetired         bool            `json:"all_retired"`
	EquityTotal        decimal.Decimal `json:"equity_total"`
	IncentiveFeeTotal  decimal.Decimal `json:"incentive_fee_total"`
}
