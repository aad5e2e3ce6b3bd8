package compliance

import (
	"fmt"
	"time"
)

// Direction states whether a test passes at or above (Min) or at or
// below (Max) its threshold.
type Direction int

const (
	Min Direction = iota
	Max
)

func (d Direction) String() string {
	if d == Min {
		return "min"
	}
	return "max"
}

// Threshold is the typed per-kind test configuration.
type Threshold struct {
	Direction Direction
	Value     float64
	// Override, when set, takes precedence over Value.
	Override *float64
	// Previous holds the prior-period result for trend tests (WARF delta).
	Previous *float64
	// Weight is this test's contribution to the objective score.
	// Zero-weight tests still run but do not contribute.
	Weight float64
	// Exempt excludes a failing test from zeroing the objective.
	Exempt bool
}

// Effective returns the threshold to compare against, honoring overrides.
func (t Threshold) Effective() float64 {
	if t.Override != nil {
		return *t.Override
	}
	return t.Value
}

// ClassInfo carries the liability-side inputs for structural ratio
// tests: face outstanding and the interest due over one year.
type ClassInfo struct {
	Name        string
	Face        float64
	InterestDue float64
}

// Settings configures one full compliance run.
type Settings struct {
	Thresholds map[TestKind]Threshold
	// Classes are the deal's liability classes, senior first. O/C and
	// I/C tests for class N divide by the cumulative face (interest
	// due) of classes 1..N.
	Classes []ClassInfo
	// StatedMaturity gates the long-dated collateral test.
	StatedMaturity time.Time
	// EmergingMarkets lists the country codes counted by the EM test.
	EmergingMarkets []string
}

// Validate rejects settings referencing kinds outside the enumeration.
// Because Thresholds is keyed by TestKind this can only happen through
// arithmetic on the enum, but the loader checks anyway so a bad config
// fails at construction rather than mid-run.
func (s Settings) Validate() error {
	for kind := range s.Thresholds {
		if !kind.Valid() {
			return fmt.Errorf("compliance: invalid test kind %d", int(kind))
		}
	}
	return nil
}

// DefaultSettings returns a typical broadly-syndicated-loan CLO test
// configuration. Percentages are fractions of collateral principal;
// structural ratios are plain ratios.
func DefaultSettings() Settings {
	th := map[TestKind]Threshold{
		TestMaxSingleObligor:   {Direction: Max, Value: 0.02, Weight: 1.0},
		TestMaxTopFiveObligors: {Direction: Max, Value: 0.10, Weight: 0.5},
		TestMaxLargestIndustry: {Direction: Max, Value: 0.12, Weight: 1.0},
		TestMaxSecondIndustry:  {Direction: Max, Value: 0.10, Weight: 0.5},
		TestMaxThirdIndustry:   {Direction: Max, Value: 0.10, Weight: 0.25},
		TestMaxSingleIndustry:  {Direction: Max, Value: 0.15, Weight: 0.5},
		TestMaxSingleCountry:   {Direction: Max, Value: 0.10},
		TestMaxNonUS:           {Direction: Max, Value: 0.20, Weight: 0.5},
		TestMaxEmergingMarkets: {Direction: Max, Value: 0.05},
		TestMaxCaaOrBelow:      {Direction: Max, Value: 0.075, Weight: 1.5},
		TestMaxB3OrBelow:       {Direction: Max, Value: 0.25, Weight: 0.5},
		TestMaxUnrated:         {Direction: Max, Value: 0.01},
		TestMaxDefaulted:       {Direction: Max, Value: 0.025, Weight: 1.0},
		TestMaxCovLite:         {Direction: Max, Value: 0.60},
		TestMaxRevolvers:       {Direction: Max, Value: 0.05},
		TestMaxDIP:             {Direction: Max, Value: 0.05},
		TestMaxPIK:             {Direction: Max, Value: 0.05},
		TestMaxSecondLien:      {Direction: Max, Value: 0.10},
		TestMaxSeniorUnsecured: {Direction: Max, Value: 0.10},
		TestMaxSubordinated:    {Direction: Max, Value: 0.05},
		TestMaxFixedRate:       {Direction: Max, Value: 0.05},
		TestMinFloatingRate:    {Direction: Min, Value: 0.95},
		TestMinSeniorSecured:   {Direction: Min, Value: 0.90, Weight: 0.5},
		TestMaxWARF:            {Direction: Max, Value: 2900, Weight: 2.0},
		TestMaxWARFDelta:       {Direction: Max, Value: 250, Exempt: true},
		TestMinWAS:             {Direction: Min, Value: 0.035, Weight: 2.0},
		TestMinWAC:             {Direction: Min, Value: 0.045},
		TestMaxWAL:             {Direction: Max, Value: 6.0, Weight: 1.0},
		TestMinWAPrice:         {Direction: Min, Value: 0.90},
		TestMinWARecovery:      {Direction: Min, Value: 0.55},
		TestMinOCClassA:        {Direction: Min, Value: 1.25, Weight: 2.0},
		TestMinOCClassB:        {Direction: Min, Value: 1.15, Weight: 1.5},
		TestMinOCClassC:        {Direction: Min, Value: 1.08, Weight: 1.0},
		TestMinOCClassD:        {Direction: Min, Value: 1.04, Weight: 0.5},
		TestMinICClassA:        {Direction: Min, Value: 1.20, Weight: 1.0},
		TestMinICClassB:        {Direction: Min, Value: 1.10, Weight: 0.5},
		TestMinICClassC:        {Direction: Min, Value: 1.05},
		TestMinObligorCount:    {Direction: Min, Value: 100},
		TestMinTotalPar:        {Direction: Min, Value: 400_000_000},
		TestMaxLongDated:       {Direction: Max, Value: 0.0, Exempt: true},
		TestMinAvgLiquidity:    {Direction: Min, Value: 1_000_000, Exempt: true},
	}
	return Settings{
		Thresholds:      th,
		EmergingMarkets: []string{"BR", "AR", "TR", "ZA", "ID", "MX"},
	}
}
