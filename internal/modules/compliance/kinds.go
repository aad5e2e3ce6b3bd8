// Package compliance implements the portfolio concentration and
// quality test suite: a closed enumeration of test kinds, per-kind
// threshold settings, a single-pass evaluation engine and the weighted
// objective score the rebalancing engine optimizes.
package compliance

// TestKind identifies one compliance test. The enumeration is closed:
// settings are keyed by TestKind, so an invalid test number cannot be
// configured at all.
type TestKind int

const (
	TestMaxSingleObligor TestKind = iota
	TestMaxTopFiveObligors
	TestMaxLargestIndustry
	TestMaxSecondIndustry
	TestMaxThirdIndustry
	TestMaxSingleIndustry
	TestMaxSingleCountry
	TestMaxNonUS
	TestMaxEmergingMarkets
	TestMaxCaaOrBelow
	TestMaxB3OrBelow
	TestMaxUnrated
	TestMaxDefaulted
	TestMaxCovLite
	TestMaxRevolvers
	TestMaxDIP
	TestMaxPIK
	TestMaxSecondLien
	TestMaxSeniorUnsecured
	TestMaxSubordinated
	TestMaxFixedRate
	TestMinFloatingRate
	TestMinSeniorSecured
	TestMaxWARF
	TestMaxWARFDelta
	TestMinWAS
	TestMinWAC
	TestMaxWAL
	TestMinWAPrice
	TestMinWARecovery
	TestMinOCClassA
	TestMinOCClassB
	TestMinOCClassC
	TestMinOCClassD
	TestMinICClassA
	TestMinICClassB
	TestMinICClassC
	TestMinObligorCount
	TestMinTotalPar
	TestMaxLongDated
	TestMinAvgLiquidity
	testKindCount // keep last
)

// Category groups tests so the engine visits each asset once per
// category while accumulating numerators and denominators.
type Category int

const (
	CategoryObligor Category = iota
	CategoryIndustry
	CategoryCountry
	CategoryRatingBucket
	CategorySeniority
	CategoryWeightedAverage
	CategoryStructural
	CategoryPortfolio
)

var testNames = map[TestKind]string{
	TestMaxSingleObligor:   "Maximum single obligor concentration",
	TestMaxTopFiveObligors: "Maximum top five obligor concentration",
	TestMaxLargestIndustry: "Maximum largest industry concentration",
	TestMaxSecondIndustry:  "Maximum second largest industry concentration",
	TestMaxThirdIndustry:   "Maximum third largest industry concentration",
	TestMaxSingleIndustry:  "Maximum any single industry concentration",
	TestMaxSingleCountry:   "Maximum single non-US country concentration",
	TestMaxNonUS:           "Maximum non-US obligor concentration",
	TestMaxEmergingMarkets: "Maximum emerging markets concentration",
	TestMaxCaaOrBelow:      "Maximum Caa1 or below rated collateral",
	TestMaxB3OrBelow:       "Maximum B3 or below rated collateral",
	TestMaxUnrated:         "Maximum unrated collateral",
	TestMaxDefaulted:       "Maximum defaulted collateral",
	TestMaxCovLite:         "Maximum covenant-lite loans",
	TestMaxRevolvers:       "Maximum revolving credit facilities",
	TestMaxDIP:             "Maximum DIP loans",
	TestMaxPIK:             "Maximum PIK obligations",
	TestMaxSecondLien:      "Maximum second lien loans",
	TestMaxSeniorUnsecured: "Maximum senior unsecured obligations",
	TestMaxSubordinated:    "Maximum subordinated obligations",
	TestMaxFixedRate:       "Maximum fixed rate obligations",
	TestMinFloatingRate:    "Minimum floating rate obligations",
	TestMinSeniorSecured:   "Minimum senior secured loans",
	TestMaxWARF:            "Maximum weighted average rating factor",
	TestMaxWARFDelta:       "Maximum WARF deterioration vs prior period",
	TestMinWAS:             "Minimum weighted average spread",
	TestMinWAC:             "Minimum weighted average coupon",
	TestMaxWAL:             "Maximum weighted average life",
	TestMinWAPrice:         "Minimum weighted average market price",
	TestMinWARecovery:      "Minimum weighted average recovery rate",
	TestMinOCClassA:        "Class A overcollateralization ratio",
	TestMinOCClassB:        "Class B overcollateralization ratio",
	TestMinOCClassC:        "Class C overcollateralization ratio",
	TestMinOCClassD:        "Class D overcollateralization ratio",
	TestMinICClassA:        "Class A interest coverage ratio",
	TestMinICClassB:        "Class B interest coverage ratio",
	TestMinICClassC:        "Class C interest coverage ratio",
	TestMinObligorCount:    "Minimum distinct obligor count",
	TestMinTotalPar:        "Minimum aggregate collateral par",
	TestMaxLongDated:       "Maximum collateral maturing after stated maturity",
	TestMinAvgLiquidity:    "Minimum average facility size",
}

var testCategories = map[TestKind]Category{
	TestMaxSingleObligor:   CategoryObligor,
	TestMaxTopFiveObligors: CategoryObligor,
	TestMaxLargestIndustry: CategoryIndustry,
	TestMaxSecondIndustry:  CategoryIndustry,
	TestMaxThirdIndustry:   CategoryIndustry,
	TestMaxSingleIndustry:  CategoryIndustry,
	TestMaxSingleCountry:   CategoryCountry,
	TestMaxNonUS:           CategoryCountry,
	TestMaxEmergingMarkets: CategoryCountry,
	TestMaxCaaOrBelow:      CategoryRatingBucket,
	TestMaxB3OrBelow:       CategoryRatingBucket,
	TestMaxUnrated:         CategoryRatingBucket,
	TestMaxDefaulted:       CategoryRatingBucket,
	TestMaxCovLite:         CategorySeniority,
	TestMaxRevolvers:       CategorySeniority,
	TestMaxDIP:             CategorySeniority,
	TestMaxPIK:             CategorySeniority,
	TestMaxSecondLien:      CategorySeniority,
	TestMaxSeniorUnsecured: CategorySeniority,
	TestMaxSubordinated:    CategorySeniority,
	TestMaxFixedRate:       CategorySeniority,
	TestMinFloatingRate:    CategorySeniority,
	TestMinSeniorSecured:   CategorySeniority,
	TestMaxWARF:            CategoryWeightedAverage,
	TestMaxWARFDelta:       CategoryWeightedAverage,
	TestMinWAS:             CategoryWeightedAverage,
	TestMinWAC:             CategoryWeightedAverage,
	TestMaxWAL:             CategoryWeightedAverage,
	TestMinWAPrice:         CategoryWeightedAverage,
	TestMinWARecovery:      CategoryWeightedAverage,
	TestMinOCClassA:        CategoryStructural,
	TestMinOCClassB:        CategoryStructural,
	TestMinOCClassC:        CategoryStructural,
	TestMinOCClassD:        CategoryStructural,
	TestMinICClassA:        CategoryStructural,
	TestMinICClassB:        CategoryStructural,
	TestMinICClassC:        CategoryStructural,
	TestMinObligorCount:    CategoryPortfolio,
	TestMinTotalPar:        CategoryPortfolio,
	TestMaxLongDated:       CategoryPortfolio,
	TestMinAvgLiquidity:    CategoryPortfolio,
}

// AllTestKinds returns every kind in report order.
func AllTestKinds() []TestKind {
	out := make([]TestKind, 0, int(testKindCount))
	for k := TestKind(0); k < testKindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Name returns the human-readable test name.
func (k TestKind) Name() string {
	if n, ok := testNames[k]; ok {
		return n
	}
	return "Unknown test"
}

// Category returns the accumulation category of the test.
func (k TestKind) Category() Category {
	return testCategories[k]
}

// Valid reports whether the kind is inside the closed enumeration.
func (k TestKind) Valid() bool {
	return k >= 0 && k < testKindCount
}
