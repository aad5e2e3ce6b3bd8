package waterfall

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/petrakis/cloval/internal/runctx"
)

const (
	sourceInterest  = "INTEREST"
	sourcePrincipal = "PRINCIPAL"
	sourceResidual  = "RESIDUAL"
)

// Engine runs the liability waterfall over a sequence of period inputs.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a waterfall engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("service", "waterfall").Logger()}
}

// state is the mutable liability-side position across periods.
type state struct {
	faces    []decimal.Decimal
	deferred []decimal.Decimal

	cumEquityDist decimal.Decimal
	cumIncentive  decimal.Decimal
}

// Run allocates each period's cash in strict priority order. It stops
// at legal final maturity or once every tranche is retired. Inputs
// shorter than the structure's period count simply end the run early.
func (e *Engine) Run(rc *runctx.RunContext, s *Structure, inputs []PeriodInput) (*Outcome, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	st := &state{
		faces:    make([]decimal.Decimal, len(s.Tranches)),
		deferred: make([]decimal.Decimal, len(s.Tranches)),
	}
	for i, t := range s.Tranches {
		st.faces[i] = decimal.NewFromFloat(t.OriginalFace)
	}

	out := &Outcome{}
	for _, in := range inputs {
		if err := rc.Err(); err != nil {
			return nil, err
		}
		if in.Period > s.Periods {
			break
		}
		ledger, err := e.runPeriod(s, st, in)
		if err != nil {
			return nil, err
		}
		out.Ledgers = append(out.Ledgers, *ledger)

		if allZero(st.faces) {
			out.AllRetired = true
			break
		}
	}
	out.EquityTotal = st.cumEquityDist
	out.IncentiveFeeTotal = st.cumIncentive

	e.log.Info().
		Int("periods", len(out.Ledgers)).
		Bool("all_retired", out.AllRetired).
		Str("equity_total", out.EquityTotal.StringFixed(2)).
		Msg("waterfall complete")
	return out, nil
}

func (e *Engine) runPeriod(s *Structure, st *state, in PeriodInput) (*PeriodLedger, error) {
	ledger := &PeriodLedger{Period: in.Period}
	freq := decimal.NewFromInt(int64(s.PaymentsPerYear))

	interest := decimal.NewFromFloat(in.InterestCollections)
	principal := decimal.NewFromFloat(in.PrincipalCollections)

	// Coverage triggers recompute at the start of every period from
	// current collateral and liability balances.
	triggers := e.evaluateTriggers(s, st, in)
	ledger.Triggers = triggers

	// 1. Senior fees and expenses.
	for _, fee := range s.Fees {
		if fee.Kind != FeeSenior {
			continue
		}
		due := feeDue(fee, in, freq)
		paid := payFrom(&interest, due)
		ledger.FeesPaid = ledger.FeesPaid.Add(paid)
		ledger.Steps = append(ledger.Steps, stepRecord(fee.Name, sourceInterest, due, paid, StepPartial))
	}

	// 2. Tranche interest, senior to junior. PIKable tranches defer
	// unpaid interest; a shortfall on a non-PIK tranche is recorded and
	// carried as due next period.
	trancheStates := make([]TrancheState, len(s.Tranches))
	for i, t := range s.Tranches {
		due := st.faces[i].Mul(decimal.NewFromFloat(t.Coupon)).Div(freq).Add(st.deferred[i])
		paid := payFrom(&interest, due)
		unpaid := due.Sub(paid)
		st.deferred[i] = unpaid

		status := StepFull
		if unpaid.IsPositive() {
			if t.PIKable {
				status = StepDeferred
			} else {
				status = StepPartial
			}
		}
		rec := stepRecord(t.Name+" interest", sourceInterest, due, paid, status)
		ledger.Steps = append(ledger.Steps, rec)
		trancheStates[i] = TrancheState{Name: t.Name, InterestPaid: paid, DeferredInterest: st.deferred[i]}
	}

	// 3. Interest diversion: a breached diversion test redirects the
	// remaining interest proceeds into the principal waterfall.
	for ti, tr := range s.Triggers {
		if tr.DivertsInterest && triggers[ti].Breached && interest.IsPositive() {
			ledger.Steps = append(ledger.Steps,
				stepRecord("Interest diversion ("+tr.Name+")", sourceInterest, interest, interest, StepFull))
			principal = principal.Add(interest)
			interest = decimal.Zero
			ledger.InterestDiverted = true
		}
	}

	// 4. Principal paydown in subordination order. Coverage is measured
	// once per determination date; a breached trigger gates every
	// tranche junior to its coverage for the whole period.
	if err := e.payPrincipal(s, st, triggers, &principal, ledger, trancheStates); err != nil {
		return nil, err
	}

	// 5. Subordinated fees.
	for _, fee := range s.Fees {
		if fee.Kind != FeeSubordinated {
			continue
		}
		due := feeDue(fee, in, freq)
		paid := payFrom(&interest, due)
		ledger.FeesPaid = ledger.FeesPaid.Add(paid)
		ledger.Steps = append(ledger.Steps, stepRecord(fee.Name, sourceInterest, due, paid, StepPartial))
	}

	// 6. Turbo variant sweeps residual interest into extra paydown
	// before anything reaches the equity.
	if s.Variant == VariantTurbo && interest.IsPositive() && !allZero(st.faces) {
		sweep := interest
		interest = decimal.Zero
		ledger.Steps = append(ledger.Steps, stepRecord("Turbo principal sweep", sourcePrincipal, sweep, sweep, StepFull))
		if err := e.payPrincipal(s, st, triggers, &sweep, ledger, trancheStates); err != nil {
			return nil, err
		}
		// Whatever the stack could not absorb falls through to equity.
		interest = sweep
	}

	// 7. Incentive fee above the equity hurdle, then equity residual.
	residual := interest.Add(principal)
	e.payResidual(s, st, residual, ledger)

	for i := range trancheStates {
		trancheStates[i].EndingFace = st.faces[i]
	}
	ledger.Tranches = trancheStates

	if err := checkPriority(ledger.Steps); err != nil {
		return nil, fmt.Errorf("period %d: %w", in.Period, err)
	}
	return ledger, nil
}

// payPrincipal retires tranche faces sequentially, gating junior steps
// on the coverage triggers that protect their seniors.
func (e *Engine) payPrincipal(s *Structure, st *state, triggers []TriggerState, cash *decimal.Decimal, ledger *PeriodLedger, trancheStates []TrancheState) error {
	for i, t := range s.Tranches {
		if !cash.IsPositive() {
			break
		}
		if gated, name := principalGate(s, triggers, i); gated {
			ledger.Steps = append(ledger.Steps,
				stepRecord(t.Name+" principal (gated by "+name+")", sourcePrincipal, st.faces[i], decimal.Zero, StepSkipped))
			continue
		}
		if !st.faces[i].IsPositive() {
			continue
		}
		paid := payFrom(cash, st.faces[i])
		st.faces[i] = st.faces[i].Sub(paid)
		status := StepPartial
		if st.faces[i].IsZero() {
			status = StepFull
		}
		ledger.Steps = append(ledger.Steps, stepRecord(t.Name+" principal", sourcePrincipal, paid, paid, status))
		trancheStates[i].PrincipalPaid = trancheStates[i].PrincipalPaid.Add(paid)
	}
	return nil
}

// principalGate reports whether a breached trigger covering a senior
// class blocks principal to tranche idx.
func principalGate(s *Structure, triggers []TriggerState, idx int) (bool, string) {
	for ti, tr := range s.Triggers {
		if idx <= tr.CoversThrough {
			continue // the trigger protects this tranche, not gates it
		}
		if triggers[ti].Breached {
			return true, tr.Name
		}
	}
	return false, ""
}

// evaluateTriggers computes each trigger's period-start state.
func (e *Engine) evaluateTriggers(s *Structure, st *state, in PeriodInput) []TriggerState {
	out := make([]TriggerState, len(s.Triggers))
	for i, tr := range s.Triggers {
		ratio := e.triggerRatio(s, st, in, tr)
		out[i] = TriggerState{
			Name:      tr.Name,
			Kind:      tr.Kind,
			Ratio:     ratio,
			Threshold: tr.Threshold,
			Breached:  ratio < tr.Threshold,
		}
	}
	return out
}

func (e *Engine) triggerRatio(s *Structure, st *state, in PeriodInput, tr Trigger) float64 {
	switch tr.Kind {
	case TriggerIC:
		due := 0.0
		for i := 0; i <= tr.CoversThrough; i++ {
			due += faceFloat(st.faces[i]) * s.Tranches[i].Coupon / float64(s.PaymentsPerYear)
		}
		if due <= 0 {
			return math.Inf(1) // retired stack is trivially covered
		}
		return in.InterestCollections / due
	default: // OC
		face := 0.0
		for i := 0; i <= tr.CoversThrough; i++ {
			face += faceFloat(st.faces[i])
		}
		if face <= 0 {
			return math.Inf(1)
		}
		return in.CollateralBalance / face
	}
}

// payResidual splits the residual between incentive fee and equity.
// The incentive fee participates only in distributions above the
// equity hurdle multiple, from a cumulative-distribution ledger.
func (e *Engine) payResidual(s *Structure, st *state, residual decimal.Decimal, ledger *PeriodLedger) {
	if !residual.IsPositive() {
		return
	}
	hurdle := decimal.NewFromFloat(s.EquityInvestment * s.IncentiveHurdleMultiple)
	rate := decimal.NewFromFloat(s.IncentiveRate)

	// Portion below the hurdle flows to equity untouched.
	belowRoom := hurdle.Sub(st.cumEquityDist)
	if belowRoom.IsNegative() {
		belowRoom = decimal.Zero
	}
	below := decimal.Min(residual, belowRoom)
	above := residual.Sub(below)

	incentive := decimal.Zero
	if above.IsPositive() && s.IncentiveRate > 0 {
		incentive = above.Mul(rate)
		ledger.Steps = append(ledger.Steps, stepRecord("Incentive fee", sourceResidual, incentive, incentive, StepFull))
	}
	equity := residual.Sub(incentive)

	st.cumEquityDist = st.cumEquityDist.Add(equity)
	st.cumIncentive = st.cumIncentive.Add(incentive)
	ledger.IncentiveFee = incentive
	ledger.EquityResidual = equity
	ledger.Steps = append(ledger.Steps, stepRecord("Equity residual", sourceResidual, equity, equity, StepFull))
}

// checkPriority asserts the ledger invariant: within one cash source,
// no step is paid after a senior step recorded an unexempted shortfall.
// Deferred (PIK) and trigger-gated steps are exempt by construction.
func checkPriority(steps []StepRecord) error {
	shortfallSeen := map[string]bool{}
	for _, step := range steps {
		if step.Paid.IsPositive() && shortfallSeen[step.Source] {
			return fmt.Errorf("%w: %q paid %s after senior shortfall", ErrPriorityOrderViolation, step.Step, step.Paid.StringFixed(2))
		}
		if step.Status == StepPartial && step.Shortfall.IsPositive() {
			shortfallSeen[step.Source] = true
		}
	}
	return nil
}

func feeDue(fee Fee, in PeriodInput, freq decimal.Decimal) decimal.Decimal {
	due := decimal.NewFromFloat(fee.Fixed)
	if fee.Rate > 0 {
		due = due.Add(decimal.NewFromFloat(fee.Rate * in.CollateralBalance).Div(freq))
	}
	return due
}

// payFrom pays up to due from the available balance, mutating it.
func payFrom(avail *decimal.Decimal, due decimal.Decimal) decimal.Decimal {
	if !due.IsPositive() {
		return decimal.Zero
	}
	paid := decimal.Min(due, *avail)
	if paid.IsNegative() {
		paid = decimal.Zero
	}
	*avail = avail.Sub(paid)
	return paid
}

func stepRecord(name, source string, due, paid decimal.Decimal, status StepStatus) StepRecord {
	shortfall := due.Sub(paid)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}
	if status == StepPartial && shortfall.IsZero() {
		status = StepFull
	}
	return StepRecord{
		Step:      name,
		Source:    source,
		Due:       due,
		Paid:      paid,
		Shortfall: shortfall,
		Status:    status,
	}
}

func allZero(faces []decimal.Decimal) bool {
	for _, f := range faces {
		if f.IsPositive() {
			return false
		}
	}
	return true
}

func faceFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
