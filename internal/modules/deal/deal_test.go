package deal

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrakis/cloval/internal/domain"
	"github.com/petrakis/cloval/internal/modules/cashflow"
	"github.com/petrakis/cloval/internal/modules/waterfall"
)

func goodRecord(id string) AssetRecord {
	return AssetRecord{
		ID:              id,
		ObligorName:     "Acme Industries",
		ParAmount:       5_000_000,
		MarketPrice:     0.98,
		CouponType:      "FLOATING",
		Spread:          0.04,
		IndexRate:       0.03,
		PaymentsPerYear: 4,
		Maturity:        time.Date(2032, 6, 15, 0, 0, 0, 0, time.UTC),
		MoodysRating:    "B1",
		Industry:        "Tech",
		Country:         "US",
		Seniority:       "SENIOR_SECURED",
	}
}

func goodInput() Input {
	return Input{
		Name: "PETRA 2026-1",
		AsOf: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		Assets: []AssetRecord{
			goodRecord("LN001"),
			goodRecord("LN002"),
		},
		Accounts: []AccountRecord{
			{Account: "COLLECTION", Cash: "PRINCIPAL", Balance: 2_000_000},
			{Account: "COLLECTION", Cash: "INTEREST", Balance: 500_000},
		},
		Structure: waterfall.Structure{
			Tranches: []waterfall.Tranche{
				{Name: "A", OriginalFace: 8_000_000, Coupon: 0.05},
			},
			PaymentsPerYear: 4,
			Periods:         40,
		},
	}
}

func TestLoad_HappyPath(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	d, summary, err := l.Load(goodInput())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.AssetsLoaded)
	assert.Equal(t, 2, summary.AccountsLoaded)
	assert.Empty(t, summary.Skipped)
	assert.Equal(t, "PETRA 2026-1", d.Name)
	assert.Equal(t, 2, d.Pool.Size())
	assert.InDelta(t, 2_000_000,
		d.Pool.Balance(domain.AccountKey{Account: domain.AccountCollection, Cash: domain.CashPrincipal}), 1e-9)

	// Test classes derive from the structure when not supplied.
	require.Len(t, d.Compliance.Classes, 1)
	assert.Equal(t, "A", d.Compliance.Classes[0].Name)
	assert.InDelta(t, 8_000_000*0.05, d.Compliance.Classes[0].InterestDue, 1e-9)
}

func TestLoad_BadRecordsSkippedAndSummarized(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	in := goodInput()

	noMaturity := goodRecord("LN900")
	noMaturity.Maturity = time.Time{}
	badRating := goodRecord("LN901")
	badRating.MoodysRating = "ZZ9"
	duplicate := goodRecord("LN001")
	in.Assets = append(in.Assets, noMaturity, badRating, duplicate)
	in.Accounts = append(in.Accounts, AccountRecord{Account: "SLUSH", Cash: "PRINCIPAL", Balance: 1})

	d, summary, err := l.Load(in)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.AssetsLoaded)
	assert.Equal(t, 2, d.Pool.Size())
	require.Len(t, summary.Skipped, 4)

	byID := map[string]SkippedRecord{}
	for _, s := range summary.Skipped {
		byID[s.ID] = s
	}
	assert.Contains(t, byID["LN900"].Reason, "maturity")
	assert.Contains(t, byID["LN901"].Reason, "unknown rating")
	assert.Contains(t, byID["LN001"].Reason, "duplicate")
	assert.Equal(t, "ACCOUNTS", byID["SLUSH/PRINCIPAL"].Table)
}

func TestLoad_NoLoadableAssets(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	in := goodInput()
	for i := range in.Assets {
		in.Assets[i].Maturity = time.Time{}
	}

	_, summary, err := l.Load(in)
	assert.ErrorIs(t, err, ErrEmptyDeal)
	assert.Len(t, summary.Skipped, 2, "skip reasons survive a failed load")
}

func TestLoad_BadStructureFailsHard(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	in := goodInput()
	in.Structure.PaymentsPerYear = 0

	_, _, err := l.Load(in)
	assert.ErrorIs(t, err, waterfall.ErrBadStructure)
}

func TestNormalizeSchedule(t *testing.T) {
	rows := []ScheduleRow{
		{Date: time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC), Amount: 250_000},
		{Date: time.Date(2028, 1, 15, 0, 0, 0, 0, time.UTC), Amount: 250_000},
		{Date: time.Date(2029, 1, 15, 0, 0, 0, 0, time.UTC), Amount: 500_000},
	}
	entries, err := normalizeSchedule(rows)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Fractions are of the total scheduled principal and sum to 1.
	assert.InDelta(t, 0.25, entries[0].Fraction, 1e-12)
	assert.InDelta(t, 0.25, entries[1].Fraction, 1e-12)
	assert.InDelta(t, 0.50, entries[2].Fraction, 1e-12)

	sum := 0.0
	for _, e := range entries {
		sum += e.Fraction
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestNormalizeSchedule_Rejections(t *testing.T) {
	_, err := normalizeSchedule([]ScheduleRow{{Date: time.Now(), Amount: 0}})
	assert.Error(t, err)

	d1 := time.Date(2028, 1, 15, 0, 0, 0, 0, time.UTC)
	d0 := time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)
	_, err = normalizeSchedule([]ScheduleRow{{Date: d1, Amount: 1}, {Date: d0, Amount: 1}})
	assert.Error(t, err)
}

func TestLoad_ScheduledAmortizer(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	in := goodInput()
	sched := goodRecord("LN800")
	sched.Schedule = []ScheduleRow{
		{Date: time.Date(2028, 6, 15, 0, 0, 0, 0, time.UTC), Amount: 1_000_000},
		{Date: time.Date(2032, 6, 15, 0, 0, 0, 0, time.UTC), Amount: 4_000_000},
	}
	in.Assets = append(in.Assets, sched)

	d, _, err := l.Load(in)
	require.NoError(t, err)

	a, ok := d.Pool.Asset("LN800")
	require.True(t, ok)
	assert.Equal(t, domain.AmortScheduled, a.AmortizationType)
	require.Len(t, a.Schedule, 2)
	assert.InDelta(t, 0.2, a.Schedule[0].Fraction, 1e-12)
	assert.InDelta(t, 0.8, a.Schedule[1].Fraction, 1e-12)
}

// A loaded schedule must project the input amounts back out: the loader
// and the projector have to agree on what a schedule fraction means.
func TestLoad_ScheduleProjectsInputAmounts(t *testing.T) {
	l := NewLoader(zerolog.Nop())
	in := goodInput()

	sched := goodRecord("LN800")
	sched.ParAmount = 1_000_000
	sched.PaymentsPerYear = 1
	sched.Maturity = time.Date(2030, 1, 15, 0, 0, 0, 0, time.UTC)
	sched.Schedule = []ScheduleRow{
		{Date: time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC), Amount: 250_000},
		{Date: time.Date(2028, 1, 15, 0, 0, 0, 0, time.UTC), Amount: 250_000},
		{Date: time.Date(2029, 1, 15, 0, 0, 0, 0, time.UTC), Amount: 500_000},
	}
	in.Assets = []AssetRecord{sched}

	d, _, err := l.Load(in)
	require.NoError(t, err)
	a, ok := d.Pool.Asset("LN800")
	require.True(t, ok)

	periods, err := cashflow.NewProjector(zerolog.Nop()).Project(a, in.AsOf)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(periods), 3)

	assert.InDelta(t, 250_000, periods[0].ScheduledPrincipal, 1e-6)
	assert.InDelta(t, 250_000, periods[1].ScheduledPrincipal, 1e-6)
	assert.InDelta(t, 500_000, periods[2].ScheduledPrincipal, 1e-6)
	assert.InDelta(t, 0, periods[2].EndBalance, 1e-6)
}
