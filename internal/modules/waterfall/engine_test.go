package waterfall

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrakis/cloval/internal/runctx"
)

func testStructure() *Structure {
	return &Structure{
		Tranches: []Tranche{
			{Name: "A", OriginalFace: 60_000_000, Coupon: 0.05},
			{Name: "B", OriginalFace: 25_000_000, Coupon: 0.07},
			{Name: "C", OriginalFace: 10_000_000, Coupon: 0.09, PIKable: true},
		},
		Triggers: []Trigger{
			{Name: "OC-A", Kind: TriggerOC, Threshold: 1.20, CoversThrough: 0},
			{Name: "OC-B", Kind: TriggerOC, Threshold: 1.10, CoversThrough: 1, DivertsInterest: true},
		},
		Fees: []Fee{
			{Name: "Senior management fee", Kind: FeeSenior, Rate: 0.0015},
			{Name: "Trustee expense", Kind: FeeSenior, Fixed: 25_000},
			{Name: "Subordinated management fee", Kind: FeeSubordinated, Rate: 0.0035},
		},
		EquityInvestment:        10_000_000,
		IncentiveHurdleMultiple: 2.0,
		IncentiveRate:           0.20,
		PaymentsPerYear:         4,
		Variant:                 VariantStandard,
		Periods:                 40,
	}
}

func testRC() *runctx.RunContext {
	return runctx.New(context.Background(), zerolog.Nop(), 1, nil)
}

func fl(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func TestRun_FullFunding(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()

	out, err := e.Run(testRC(), s, []PeriodInput{{
		Period:               1,
		InterestCollections:  2_500_000,
		PrincipalCollections: 0,
		CollateralBalance:    120_000_000,
	}})
	require.NoError(t, err)
	require.Len(t, out.Ledgers, 1)

	ledger := out.Ledgers[0]
	// Senior fee 120M * 0.0015 / 4 = 45,000 plus 25,000 fixed.
	assert.InDelta(t, 45_000+25_000+105_000, fl(ledger.FeesPaid), 1e-6)

	// Quarterly interest: A 750,000; B 437,500; C 225,000.
	for _, ts := range ledger.Tranches {
		assert.True(t, ts.DeferredInterest.IsZero(), "%s should be current", ts.Name)
	}
	assert.InDelta(t, 750_000, fl(ledger.Tranches[0].InterestPaid), 1e-6)
	assert.InDelta(t, 437_500, fl(ledger.Tranches[1].InterestPaid), 1e-6)
	assert.InDelta(t, 225_000, fl(ledger.Tranches[2].InterestPaid), 1e-6)

	assert.False(t, ledger.InterestDiverted)
	assert.True(t, ledger.EquityResidual.IsPositive())
}

func TestRun_SeniorShortfallRecorded(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()
	s.Triggers = nil // isolate the shortfall path from diversion

	out, err := e.Run(testRC(), s, []PeriodInput{{
		Period:              1,
		InterestCollections: 500_000, // covers fees and part of A interest
		CollateralBalance:   120_000_000,
	}})
	require.NoError(t, err)

	ledger := out.Ledgers[0]
	var aStep, bStep StepRecord
	for _, st := range ledger.Steps {
		switch st.Step {
		case "A interest":
			aStep = st
		case "B interest":
			bStep = st
		}
	}
	assert.Equal(t, StepPartial, aStep.Status)
	assert.True(t, aStep.Shortfall.IsPositive())
	assert.True(t, bStep.Paid.IsZero(), "no cash may leak past a senior shortfall")
	assert.True(t, ledger.EquityResidual.IsZero())

	// Unpaid interest is due again next period.
	assert.True(t, ledger.Tranches[0].DeferredInterest.IsPositive())
}

func TestRun_PIKDeferralAccruesAndClears(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()
	s.Triggers = nil

	// Period 1 covers fees, A and B but only part of the PIKable C
	// interest. Period 2 is flush and pays the deferral down.
	out, err := e.Run(testRC(), s, []PeriodInput{
		{Period: 1, InterestCollections: 1_400_000, CollateralBalance: 120_000_000},
		{Period: 2, InterestCollections: 3_000_000, CollateralBalance: 120_000_000},
	})
	require.NoError(t, err)
	require.Len(t, out.Ledgers, 2)

	first := out.Ledgers[0]
	var cStep StepRecord
	for _, st := range first.Steps {
		if st.Step == "C interest" {
			cStep = st
		}
	}
	assert.Equal(t, StepDeferred, cStep.Status)
	assert.True(t, first.Tranches[2].DeferredInterest.IsPositive())

	second := out.Ledgers[1]
	assert.True(t, second.Tranches[2].DeferredInterest.IsZero(), "flush period clears the deferral")
	// Period 2 C interest due includes the deferred balance.
	assert.Greater(t, fl(second.Tranches[2].InterestPaid), 225_000.0)
}

func TestRun_OCBreachGatesJuniorPrincipal(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()
	s.Triggers = []Trigger{
		// 90M collateral vs 85M A+B face: ratio 1.0588 breaches 1.10.
		{Name: "OC-B", Kind: TriggerOC, Threshold: 1.10, CoversThrough: 1},
	}

	out, err := e.Run(testRC(), s, []PeriodInput{{
		Period:               1,
		InterestCollections:  2_500_000,
		PrincipalCollections: 86_000_000,
		CollateralBalance:    90_000_000,
	}})
	require.NoError(t, err)

	ledger := out.Ledgers[0]
	require.True(t, ledger.Triggers[0].Breached)

	// A and B retire; C principal is gated for the whole period even
	// though cash remains after B.
	assert.InDelta(t, 60_000_000, fl(ledger.Tranches[0].PrincipalPaid), 1e-6)
	assert.InDelta(t, 25_000_000, fl(ledger.Tranches[1].PrincipalPaid), 1e-6)
	assert.True(t, ledger.Tranches[2].PrincipalPaid.IsZero())

	var gated bool
	for _, st := range ledger.Steps {
		if st.Status == StepSkipped {
			gated = true
		}
	}
	assert.True(t, gated, "gated junior step must appear in the ledger")
}

func TestRun_InterestDiversion(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()

	out, err := e.Run(testRC(), s, []PeriodInput{{
		Period:              1,
		InterestCollections: 3_000_000,
		CollateralBalance:   90_000_000, // breaches OC-B which diverts
	}})
	require.NoError(t, err)

	ledger := out.Ledgers[0]
	assert.True(t, ledger.InterestDiverted)
	assert.True(t, ledger.EquityResidual.IsZero(), "diverted interest never reaches equity")
	assert.True(t, ledger.Tranches[0].PrincipalPaid.IsPositive(), "diverted interest pays down the senior class")
}

func TestRun_TurboSweep(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()
	s.Variant = VariantTurbo
	s.Triggers = nil

	out, err := e.Run(testRC(), s, []PeriodInput{{
		Period:              1,
		InterestCollections: 3_000_000,
		CollateralBalance:   120_000_000,
	}})
	require.NoError(t, err)

	ledger := out.Ledgers[0]
	assert.True(t, ledger.EquityResidual.IsZero(), "turbo sweeps residual interest into paydown")
	assert.True(t, ledger.Tranches[0].PrincipalPaid.IsPositive())
}

func TestRun_IncentiveFeeOnlyAboveHurdle(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()
	s.Triggers = nil
	s.EquityInvestment = 1_000_000
	s.IncentiveHurdleMultiple = 2.0 // hurdle 2M of cumulative equity cash

	inputs := []PeriodInput{
		{Period: 1, InterestCollections: 3_000_000, CollateralBalance: 120_000_000},
		{Period: 2, InterestCollections: 3_000_000, CollateralBalance: 120_000_000},
		{Period: 3, InterestCollections: 3_000_000, CollateralBalance: 120_000_000},
	}
	out, err := e.Run(testRC(), s, inputs)
	require.NoError(t, err)

	assert.True(t, out.Ledgers[0].IncentiveFee.IsZero(), "below hurdle in period 1")
	assert.True(t, out.Ledgers[2].IncentiveFee.IsPositive(), "above hurdle by period 3")
	assert.True(t, out.IncentiveFeeTotal.IsPositive())
}

func TestRun_AllRetiredStopsEarly(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()
	s.Triggers = nil

	inputs := []PeriodInput{
		{Period: 1, InterestCollections: 3_000_000, PrincipalCollections: 95_000_000, CollateralBalance: 120_000_000},
		{Period: 2, InterestCollections: 1_000_000, CollateralBalance: 20_000_000},
	}
	out, err := e.Run(testRC(), s, inputs)
	require.NoError(t, err)

	assert.True(t, out.AllRetired)
	assert.Len(t, out.Ledgers, 1, "run stops once the stack is retired")
	for _, ts := range out.Ledgers[0].Tranches {
		assert.True(t, ts.EndingFace.IsZero(), "%s face", ts.Name)
	}
}

func TestRun_CashConservation(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()

	in := PeriodInput{
		Period:               1,
		InterestCollections:  2_750_123.45,
		PrincipalCollections: 4_321_987.65,
		CollateralBalance:    120_000_000,
	}
	out, err := e.Run(testRC(), s, []PeriodInput{in})
	require.NoError(t, err)

	ledger := out.Ledgers[0]
	paidOut := ledger.FeesPaid.Add(ledger.EquityResidual).Add(ledger.IncentiveFee)
	for _, ts := range ledger.Tranches {
		paidOut = paidOut.Add(ts.InterestPaid).Add(ts.PrincipalPaid)
	}
	total := in.InterestCollections + in.PrincipalCollections
	assert.InDelta(t, total, fl(paidOut), 1e-6, "every dollar in is accounted for")
}

func TestRun_InvalidStructure(t *testing.T) {
	e := NewEngine(zerolog.Nop())
	s := testStructure()
	s.PaymentsPerYear = 0

	_, err := e.Run(testRC(), s, nil)
	assert.ErrorIs(t, err, ErrBadStructure)
}

func TestValidate_RejectsBadFeeKinds(t *testing.T) {
	// The incentive fee participates in the residual via IncentiveRate;
	// a fee row of that kind would silently never pay.
	s := testStructure()
	s.Fees = append(s.Fees, Fee{Name: "Manager incentive", Kind: FeeIncentive, Rate: 0.20})
	err := s.Validate()
	assert.ErrorIs(t, err, ErrBadStructure)
	assert.Contains(t, err.Error(), "IncentiveRate")

	s = testStructure()
	s.Fees = append(s.Fees, Fee{Name: "Mystery fee", Kind: "JUNIOR", Fixed: 1})
	assert.ErrorIs(t, s.Validate(), ErrBadStructure)
}

func TestCheckPriority_Violation(t *testing.T) {
	steps := []StepRecord{
		{Step: "A interest", Source: sourceInterest, Due: decimal.NewFromInt(100), Paid: decimal.NewFromInt(40), Shortfall: decimal.NewFromInt(60), Status: StepPartial},
		{Step: "B interest", Source: sourceInterest, Due: decimal.NewFromInt(50), Paid: decimal.NewFromInt(50), Status: StepFull},
	}
	assert.ErrorIs(t, checkPriority(steps), ErrPriorityOrderViolation)

	// Deferred and skipped steps are exempt.
	steps[0].Status = StepDeferred
	assert.NoError(t, checkPriority(steps))
}
