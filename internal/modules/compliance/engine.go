package compliance

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrakis/cloval/internal/domain"
	"github.com/petrakis/cloval/internal/modules/pool"
)

// Result is one row of a compliance run.
type Result struct {
	Kind        TestKind  `json:"kind"`
	Name        string    `json:"name"`
	Numerator   float64   `json:"numerator"`
	Denominator float64   `json:"denominator"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	Direction   Direction `json:"direction"`
	Pass        bool      `json:"pass"`
	Comment     string    `json:"comment,omitempty"`
}

// Engine evaluates the full test suite against a pool in one pass.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a compliance engine.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("service", "compliance").Logger()}
}

// accumulators holds every numerator/denominator gathered in the
// single sweep over the pool's assets.
type accumulators struct {
	performingPar float64
	defaultedPar  float64

	obligorPar  map[string]float64
	industryPar map[string]float64
	countryPar  map[string]float64

	caaOrBelowPar float64
	b3OrBelowPar  float64
	unratedPar    float64

	covLitePar         float64
	revolverPar        float64
	dipPar             float64
	pikPar             float64
	secondLienPar      float64
	seniorUnsecuredPar float64
	subordinatedPar    float64
	seniorSecuredPar   float64
	fixedPar           float64
	floatingPar        float64

	warfWeighted     float64
	spreadWeighted   float64
	couponWeighted   float64
	lifeWeighted     float64
	priceWeighted    float64
	recoveryWeighted float64

	longDatedPar   float64
	assetCount     int
	interestAnnual float64
}

// Run computes the ordered Test Result sequence. Identical pool and
// settings always produce an identical sequence.
func (e *Engine) Run(p *pool.Pool, settings Settings, asOf time.Time) ([]Result, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	acc := e.sweep(p, settings, asOf)

	var results []Result
	for _, kind := range AllTestKinds() {
		th, configured := settings.Thresholds[kind]
		if !configured {
			continue
		}
		results = append(results, e.evaluate(kind, th, acc, p, settings))
	}

	failed := 0
	for _, r := range results {
		if !r.Pass {
			failed++
		}
	}
	e.log.Debug().
		Int("tests", len(results)).
		Int("failed", failed).
		Float64("performing_par", acc.performingPar).
		Msg("compliance run complete")

	return results, nil
}

// sweep visits each asset once, filling every category's accumulators.
func (e *Engine) sweep(p *pool.Pool, settings Settings, asOf time.Time) *accumulators {
	acc := &accumulators{
		obligorPar:  make(map[string]float64),
		industryPar: make(map[string]float64),
		countryPar:  make(map[string]float64),
	}
	em := make(map[string]bool, len(settings.EmergingMarkets))
	for _, c := range settings.EmergingMarkets {
		em[c] = true
	}

	for _, a := range p.Assets() {
		if a.Defaulted {
			acc.defaultedPar += a.ParAmount
			continue
		}
		par := a.ParAmount
		acc.performingPar += par
		acc.assetCount++

		acc.obligorPar[a.ObligorName] += par
		acc.industryPar[a.Industry] += par
		acc.countryPar[a.Country] += par

		rating := a.MoodysRating
		if rating == domain.RatingNR || rating == "" {
			acc.unratedPar += par
		} else {
			if rating.IsCaaOrBelow() {
				acc.caaOrBelowPar += par
			}
			if ord := rating.Ordinal(); ord >= domain.RatingB3.Ordinal() && ord >= 0 {
				acc.b3OrBelowPar += par
			}
		}

		if a.CovLite {
			acc.covLitePar += par
		}
		if a.Revolver {
			acc.revolverPar += par
		}
		if a.DIP {
			acc.dipPar += par
		}
		if a.PIK {
			acc.pikPar += par
		}
		switch a.Seniority {
		case domain.SenioritySecondLien:
			acc.secondLienPar += par
		case domain.SenioritySeniorUnsecured:
			acc.seniorUnsecuredPar += par
		case domain.SenioritySubordinated:
			acc.subordinatedPar += par
		case domain.SenioritySeniorSecured:
			acc.seniorSecuredPar += par
		}
		if a.CouponType == domain.CouponFixed {
			acc.fixedPar += par
		} else {
			acc.floatingPar += par
		}

		coupon := a.AnnualCoupon()
		acc.warfWeighted += rating.Factor() * par
		acc.couponWeighted += coupon * par
		acc.priceWeighted += a.MarketPrice * par
		acc.recoveryWeighted += (1 - a.Assumptions.Severity.At(0)) * par
		acc.interestAnnual += coupon * par
		if a.CouponType == domain.CouponFloating {
			acc.spreadWeighted += a.Spread * par
		}
		acc.lifeWeighted += a.Maturity.Sub(asOf).Hours() / 24 / 365.25 * par

		if !settings.StatedMaturity.IsZero() && a.Maturity.After(settings.StatedMaturity) {
			acc.longDatedPar += par
		}
	}
	return acc
}

// evaluate computes one test from the accumulators.
func (e *Engine) evaluate(kind TestKind, th Threshold, acc *accumulators, p *pool.Pool, settings Settings) Result {
	r := Result{
		Kind:      kind,
		Name:      kind.Name(),
		Threshold: th.Effective(),
		Direction: th.Direction,
	}
	total := acc.performingPar

	switch kind {
	case TestMaxSingleObligor:
		r.Numerator, r.Denominator = largestN(acc.obligorPar, 1), total
	case TestMaxTopFiveObligors:
		r.Numerator, r.Denominator = largestN(acc.obligorPar, 5), total
	case TestMaxLargestIndustry:
		r.Numerator, r.Denominator = nthLargest(acc.industryPar, 1), total
	case TestMaxSecondIndustry:
		r.Numerator, r.Denominator = nthLargest(acc.industryPar, 2), total
	case TestMaxThirdIndustry:
		r.Numerator, r.Denominator = nthLargest(acc.industryPar, 3), total
	case TestMaxSingleIndustry:
		r.Numerator, r.Denominator = nthLargest(acc.industryPar, 1), total
	case TestMaxSingleCountry:
		r.Numerator, r.Denominator = largestExcluding(acc.countryPar, "US"), total
	case TestMaxNonUS:
		r.Numerator, r.Denominator = total-acc.countryPar["US"], total
	case TestMaxEmergingMarkets:
		em := 0.0
		for _, c := range settings.EmergingMarkets {
			em += acc.countryPar[c]
		}
		r.Numerator, r.Denominator = em, total
	case TestMaxCaaOrBelow:
		r.Numerator, r.Denominator = acc.caaOrBelowPar, total
	case TestMaxB3OrBelow:
		r.Numerator, r.Denominator = acc.b3OrBelowPar, total
	case TestMaxUnrated:
		r.Numerator, r.Denominator = acc.unratedPar, total
	case TestMaxDefaulted:
		r.Numerator, r.Denominator = acc.defaultedPar, total+acc.defaultedPar
	case TestMaxCovLite:
		r.Numerator, r.Denominator = acc.covLitePar, total
	case TestMaxRevolvers:
		r.Numerator, r.Denominator = acc.revolverPar, total
	case TestMaxDIP:
		r.Numerator, r.Denominator = acc.dipPar, total
	case TestMaxPIK:
		r.Numerator, r.Denominator = acc.pikPar, total
	case TestMaxSecondLien:
		r.Numerator, r.Denominator = acc.secondLienPar, total
	case TestMaxSeniorUnsecured:
		r.Numerator, r.Denominator = acc.seniorUnsecuredPar, total
	case TestMaxSubordinated:
		r.Numerator, r.Denominator = acc.subordinatedPar, total
	case TestMaxFixedRate:
		r.Numerator, r.Denominator = acc.fixedPar, total
	case TestMinFloatingRate:
		r.Numerator, r.Denominator = acc.floatingPar, total
	case TestMinSeniorSecured:
		r.Numerator, r.Denominator = acc.seniorSecuredPar, total

	case TestMaxWARF:
		r.Numerator, r.Denominator = acc.warfWeighted, total
	case TestMaxWARFDelta:
		if th.Previous == nil {
			return vacuous(r, "no prior-period WARF recorded")
		}
		if total <= 0 {
			return vacuous(r, "no assets in bucket")
		}
		r.Numerator = acc.warfWeighted/total - *th.Previous
		r.Denominator = 1
	case TestMinWAS:
		r.Numerator, r.Denominator = acc.spreadWeighted, acc.floatingPar
	case TestMinWAC:
		r.Numerator, r.Denominator = acc.couponWeighted, total
	case TestMaxWAL:
		r.Numerator, r.Denominator = acc.lifeWeighted, total
	case TestMinWAPrice:
		r.Numerator, r.Denominator = acc.priceWeighted, total
	case TestMinWARecovery:
		r.Numerator, r.Denominator = acc.recoveryWeighted, total

	case TestMinOCClassA, TestMinOCClassB, TestMinOCClassC, TestMinOCClassD:
		idx := int(kind - TestMinOCClassA)
		face := cumulativeFace(settings.Classes, idx)
		r.Numerator, r.Denominator = p.CollateralBalance(), face
	case TestMinICClassA, TestMinICClassB, TestMinICClassC:
		idx := int(kind - TestMinICClassA)
		due := cumulativeInterestDue(settings.Classes, idx)
		r.Numerator, r.Denominator = acc.interestAnnual, due

	case TestMinObligorCount:
		r.Numerator, r.Denominator = float64(len(acc.obligorPar)), 1
	case TestMinTotalPar:
		r.Numerator, r.Denominator = total, 1
	case TestMaxLongDated:
		r.Numerator, r.Denominator = acc.longDatedPar, total
	case TestMinAvgLiquidity:
		r.Numerator, r.Denominator = total, float64(acc.assetCount)

	default:
		return vacuous(r, fmt.Sprintf("unhandled test kind %d", int(kind)))
	}

	// Zero denominator is a vacuous pass by policy: an empty bucket
	// must not halt a full-portfolio run.
	if r.Denominator == 0 {
		return vacuous(r, "no assets in bucket")
	}

	r.Value = r.Numerator / r.Denominator
	if th.Direction == Min {
		r.Pass = r.Value >= r.Threshold
	} else {
		r.Pass = r.Value <= r.Threshold
	}
	return r
}

func vacuous(r Result, comment string) Result {
	r.Value = 0
	r.Pass = true
	r.Comment = comment
	return r
}

// largestN sums the N largest entries of a par map.
func largestN(par map[string]float64, n int) float64 {
	vals := make([]float64, 0, len(par))
	for _, v := range par {
		vals = append(vals, v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(vals)))
	sum := 0.0
	for i := 0; i < n && i < len(vals); i++ {
		sum += vals[i]
	}
	return sum
}

// nthLargest returns the n-th largest entry (1-based), 0 when absent.
func nthLargest(par map[string]float64, n int) float64 {
	vals := make([]float64, 0, len(par))
	for _, v := range par {
		vals = append(vals, v)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(vals)))
	if n > len(vals) {
		return 0
	}
	return vals[n-1]
}

func largestExcluding(par map[string]float64, excluded string) float64 {
	best := 0.0
	for k, v := range par {
		if k == excluded {
			continue
		}
		if v > best {
			best = v
		}
	}
	return best
}

func cumulativeFace(classes []ClassInfo, idx int) float64 {
	if idx >= len(classes) {
		return 0
	}
	sum := 0.0
	for i := 0; i <= idx; i++ {
		sum += classes[i].Face
	}
	return sum
}

func cumulativeInterestDue(classes []ClassInfo, idx int) float64 {
	if idx >= len(classes) {
		return 0
	}
	sum := 0.0
	for i := 0; i <= idx; i++ {
		sum += classes[i].InterestDue
	}
	return sum
}
