package deal

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrakis/cloval/internal/domain"
	"github.com/petrakis/cloval/internal/modules/compliance"
	"github.com/petrakis/cloval/internal/modules/pool"
	"github.com/petrakis/cloval/internal/modules/waterfall"
)

// ScheduleRow is one amortization input row. Amounts are absolute
// principal; the loader normalizes them to fractions of the total
// scheduled principal, the convention domain.AmortizationEntry and the
// projector share.
type ScheduleRow struct {
	Date   time.Time `json:"date"`
	Amount float64   `json:"amount"`
}

// AssetRecord is one tabular collateral row as supplied by the host.
type AssetRecord struct {
	ID          string  `json:"id"`
	ObligorName string  `json:"obligor_name"`
	ParAmount   float64 `json:"par_amount"`
	MarketPrice float64 `json:"market_price"`

	CouponType      string  `json:"coupon_type"`
	CouponRate      float64 `json:"coupon_rate"`
	Spread          float64 `json:"spread"`
	IndexRate       float64 `json:"index_rate"`
	Floor           float64 `json:"floor"`
	PaymentsPerYear int     `json:"payments_per_year"`

	Maturity time.Time     `json:"maturity"`
	Schedule []ScheduleRow `json:"schedule,omitempty"`

	MoodysRating string `json:"moodys_rating"`
	SPRating     string `json:"sp_rating"`

	Industry  string `json:"industry"`
	Country   string `json:"country"`
	Seniority string `json:"seniority"`

	Revolver  bool `json:"revolver"`
	DIP       bool `json:"dip"`
	CovLite   bool `json:"cov_lite"`
	PIK       bool `json:"pik"`
	Defaulted bool `json:"defaulted"`

	DefaultedDate time.Time `json:"defaulted_date,omitempty"`

	PrepaymentRates []float64 `json:"prepayment_rates,omitempty"`
	DefaultRates    []float64 `json:"default_rates,omitempty"`
	SeverityRates   []float64 `json:"severity_rates,omitempty"`
	RecoveryLag     int       `json:"recovery_lag"`
}

// AccountRecord is one cash balance row.
type AccountRecord struct {
	Account string  `json:"account"`
	Cash    string  `json:"cash"`
	Balance float64 `json:"balance"`
}

// Input is the full tabular deal definition.
type Input struct {
	Name      string              `json:"name"`
	AsOf      time.Time           `json:"as_of"`
	Assets    []AssetRecord       `json:"assets"`
	Accounts  []AccountRecord     `json:"accounts"`
	Structure waterfall.Structure `json:"structure"`
	// Settings overrides the default test configuration when its
	// threshold map is non-nil.
	Settings compliance.Settings `json:"settings"`
}

// Loader builds deals from inputs.
type Loader struct {
	log zerolog.Logger
}

// NewLoader creates a loader.
func NewLoader(log zerolog.Logger) *Loader {
	return &Loader{log: log.With().Str("service", "deal").Logger()}
}

// Load assembles a Deal. Bad asset and account records are skipped and
// summarized; a bad liability structure fails the whole load because
// nothing downstream can run without it.
func (l *Loader) Load(in Input) (*Deal, LoadSummary, error) {
	var summary LoadSummary

	if err := in.Structure.Validate(); err != nil {
		return nil, summary, fmt.Errorf("deal %q: %w", in.Name, err)
	}

	p := pool.New(l.log)
	for i := range in.Assets {
		asset, err := buildAsset(&in.Assets[i])
		if err == nil {
			err = p.AddAsset(asset)
		}
		if err != nil {
			summary.Skipped = append(summary.Skipped, SkippedRecord{
				Table:  "ASSETS",
				ID:     in.Assets[i].ID,
				Reason: err.Error(),
			})
			l.log.Warn().Str("asset", in.Assets[i].ID).Err(err).Msg("asset record skipped")
			continue
		}
		summary.AssetsLoaded++
	}
	if summary.AssetsLoaded == 0 {
		return nil, summary, fmt.Errorf("deal %q: %w", in.Name, ErrEmptyDeal)
	}

	for _, rec := range in.Accounts {
		key, err := buildAccountKey(rec)
		if err != nil {
			summary.Skipped = append(summary.Skipped, SkippedRecord{
				Table:  "ACCOUNTS",
				ID:     rec.Account + "/" + rec.Cash,
				Reason: err.Error(),
			})
			l.log.Warn().Str("account", rec.Account).Err(err).Msg("account record skipped")
			continue
		}
		p.Deposit(key, rec.Balance)
		summary.AccountsLoaded++
	}

	settings := in.Settings
	if settings.Thresholds == nil {
		settings = compliance.DefaultSettings()
	}
	if len(settings.Classes) == 0 {
		settings.Classes = classesFromStructure(in.Structure)
	}

	structure := in.Structure
	deal := &Deal{
		Name:       in.Name,
		AsOf:       in.AsOf,
		Pool:       p,
		Structure:  &structure,
		Compliance: settings,
	}

	l.log.Info().
		Str("deal", in.Name).
		Int("assets", summary.AssetsLoaded).
		Int("skipped", len(summary.Skipped)).
		Msg("deal loaded")
	return deal, summary, nil
}

func buildAsset(rec *AssetRecord) (*domain.Asset, error) {
	rating, err := domain.ParseRating(rec.MoodysRating)
	if err != nil {
		return nil, err
	}
	couponType, err := parseCouponType(rec.CouponType)
	if err != nil {
		return nil, err
	}
	seniority, err := parseSeniority(rec.Seniority)
	if err != nil {
		return nil, err
	}
	schedule, err := normalizeSchedule(rec.Schedule)
	if err != nil {
		return nil, fmt.Errorf("asset %s: %w", rec.ID, err)
	}

	amortType := domain.AmortBullet
	if len(schedule) > 0 {
		amortType = domain.AmortScheduled
	}
	price := rec.MarketPrice
	if price == 0 {
		price = 1.0
	}

	a := &domain.Asset{
		ID:               rec.ID,
		ObligorName:      rec.ObligorName,
		ParAmount:        rec.ParAmount,
		MarketPrice:      price,
		CouponType:       couponType,
		CouponRate:       rec.CouponRate,
		Spread:           rec.Spread,
		IndexRate:        rec.IndexRate,
		Floor:            rec.Floor,
		PaymentsPerYear:  rec.PaymentsPerYear,
		Maturity:         rec.Maturity,
		AmortizationType: amortType,
		Schedule:         schedule,
		MoodysRating:     rating,
		SPRating:         rec.SPRating,
		Industry:         rec.Industry,
		Country:          rec.Country,
		Seniority:        seniority,
		Revolver:         rec.Revolver,
		DIP:              rec.DIP,
		CovLite:          rec.CovLite,
		PIK:              rec.PIK,
		Defaulted:        rec.Defaulted,
		DefaultedDate:    rec.DefaultedDate,
		Assumptions: domain.ScenarioAssumptions{
			Prepayment:         domain.RateVector{Values: rec.PrepaymentRates},
			Default:            domain.RateVector{Values: rec.DefaultRates},
			Severity:           domain.RateVector{Values: rec.SeverityRates},
			RecoveryLagPeriods: rec.RecoveryLag,
		},
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// normalizeSchedule converts absolute amortization amounts into
// fractions of the total scheduled principal, summing to 1 across the
// schedule. Rows must be in date order with positive amounts.
func normalizeSchedule(rows []ScheduleRow) ([]domain.AmortizationEntry, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	total := 0.0
	for i, row := range rows {
		if row.Amount <= 0 {
			return nil, fmt.Errorf("schedule row %d has non-positive amount %.2f", i, row.Amount)
		}
		if i > 0 && !rows[i].Date.After(rows[i-1].Date) {
			return nil, fmt.Errorf("schedule row %d is out of date order", i)
		}
		total += row.Amount
	}

	out := make([]domain.AmortizationEntry, len(rows))
	for i, row := range rows {
		out[i] = domain.AmortizationEntry{
			Date:     row.Date,
			Fraction: row.Amount / total,
		}
	}
	return out, nil
}

func buildAccountKey(rec AccountRecord) (domain.AccountKey, error) {
	if rec.Balance < 0 {
		return domain.AccountKey{}, fmt.Errorf("deal: negative balance %.2f", rec.Balance)
	}
	account := domain.AccountType(strings.ToUpper(rec.Account))
	switch account {
	case domain.AccountPayment, domain.AccountCollection, domain.AccountRampUp,
		domain.AccountReserve, domain.AccountExpense:
	default:
		return domain.AccountKey{}, fmt.Errorf("deal: unknown account type %q", rec.Account)
	}
	cash := domain.CashType(strings.ToUpper(rec.Cash))
	switch cash {
	case domain.CashInterest, domain.CashPrincipal:
	default:
		return domain.AccountKey{}, fmt.Errorf("deal: unknown cash type %q", rec.Cash)
	}
	return domain.AccountKey{Account: account, Cash: cash}, nil
}

func parseCouponType(s string) (domain.CouponType, error) {
	switch domain.CouponType(strings.ToUpper(s)) {
	case domain.CouponFixed:
		return domain.CouponFixed, nil
	case domain.CouponFloating, "":
		return domain.CouponFloating, nil
	}
	return "", fmt.Errorf("deal: unknown coupon type %q", s)
}

func parseSeniority(s string) (domain.Seniority, error) {
	switch domain.Seniority(strings.ToUpper(s)) {
	case domain.SenioritySeniorUnsecured:
		return domain.SenioritySeniorUnsecured, nil
	case domain.SenioritySecondLien:
		return domain.SenioritySecondLien, nil
	case domain.SenioritySubordinated:
		return domain.SenioritySubordinated, nil
	case domain.SenioritySeniorSecured, "":
		return domain.SenioritySeniorSecured, nil
	}
	return "", fmt.Errorf("deal: unknown seniority %q", s)
}

// classesFromStructure derives the compliance O/C and I/C class inputs
// from the liability stack when the host supplies none.
func classesFromStructure(s waterfall.Structure) []compliance.ClassInfo {
	out := make([]compliance.ClassInfo, len(s.Tranches))
	for i, t := range s.Tranches {
		out[i] = compliance.ClassInfo{
			Name:        t.Name,
			Face:        t.OriginalFace,
			InterestDue: t.OriginalFace * t.Coupon,
		}
	}
	return out
}
