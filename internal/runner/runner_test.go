package runner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrakis/cloval/internal/modules/deal"
	"github.com/petrakis/cloval/internal/modules/results"
	"github.com/petrakis/cloval/internal/modules/waterfall"
	"github.com/petrakis/cloval/internal/runctx"
)

// captureStore records saved runs in memory.
type captureStore struct {
	saved []results.Output
}

func (c *captureStore) SaveRun(_ context.Context, out results.Output) error {
	c.saved = append(c.saved, out)
	return nil
}

// captureSink collects progress events.
type captureSink struct {
	events []runctx.ProgressEvent
}

func (c *captureSink) Publish(e runctx.ProgressEvent) {
	c.events = append(c.events, e)
}

func testDeal(t *testing.T) *deal.Deal {
	t.Helper()
	record := func(id, obligor string) deal.AssetRecord {
		return deal.AssetRecord{
			ID:              id,
			ObligorName:     obligor,
			ParAmount:       5_000_000,
			MarketPrice:     0.98,
			CouponType:      "FLOATING",
			Spread:          0.045,
			IndexRate:       0.03,
			PaymentsPerYear: 4,
			Maturity:        time.Date(2030, 1, 15, 0, 0, 0, 0, time.UTC),
			MoodysRating:    "B1",
			Industry:        "Tech",
			Country:         "US",
			Seniority:       "SENIOR_SECURED",
		}
	}
	in := deal.Input{
		Name: "PETRA 2026-1",
		AsOf: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		Assets: []deal.AssetRecord{
			record("LN001", "Acme"),
			record("LN002", "Borealis"),
		},
		Structure: waterfall.Structure{
			Tranches: []waterfall.Tranche{
				{Name: "A", OriginalFace: 8_000_000, Coupon: 0.05},
				{Name: "B", OriginalFace: 1_500_000, Coupon: 0.08},
			},
			PaymentsPerYear: 4,
			Periods:         40,
		},
	}
	d, _, err := deal.NewLoader(zerolog.Nop()).Load(in)
	require.NoError(t, err)
	return d
}

func TestRun_FullPipeline(t *testing.T) {
	store := &captureStore{}
	sink := &captureSink{}
	r := New(zerolog.Nop(), store, nil)

	report, err := r.Run(context.Background(), testDeal(t), Options{
		Seed:  42,
		Paths: 50,
		Sink:  sink,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, report.Output.Tests)
	require.NotNil(t, report.Migration)
	assert.Equal(t, 50, report.Migration.Paths)
	require.NotNil(t, report.Waterfall)
	assert.NotEmpty(t, report.Waterfall.Ledgers)
	assert.NotEmpty(t, report.Cashflows)
	assert.Nil(t, report.Rebalanced, "optimization off by default")

	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	assert.Equal(t, "FULL", saved.Run.Kind)
	assert.Equal(t, "COMPLETED", saved.Run.Status)
	assert.Equal(t, int64(42), saved.Run.Seed)
	assert.Equal(t, report.Output.Run.ID, saved.Run.ID)

	// Progress covers each stage in order.
	require.NotEmpty(t, sink.events)
	assert.Equal(t, "compliance", sink.events[0].Stage)
	for i := 1; i < len(sink.events); i++ {
		assert.GreaterOrEqual(t, sink.events[i].Step, sink.events[i-1].Step)
	}
}

func TestRun_SameSeedSameMigration(t *testing.T) {
	r := New(zerolog.Nop(), nil, nil)
	opts := Options{Seed: 7, Paths: 50}

	first, err := r.Run(context.Background(), testDeal(t), opts)
	require.NoError(t, err)
	second, err := r.Run(context.Background(), testDeal(t), opts)
	require.NoError(t, err)

	assert.Equal(t,
		first.Migration.CumulativeDefaultRate,
		second.Migration.CumulativeDefaultRate)
}

func TestRun_CancellationPersistsFailure(t *testing.T) {
	store := &captureStore{}
	r := New(zerolog.Nop(), store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, testDeal(t), Options{Seed: 1, Paths: 500})
	require.ErrorIs(t, err, context.Canceled)

	require.Len(t, store.saved, 1)
	assert.Equal(t, "FAILED", store.saved[0].Run.Status)
	assert.Contains(t, store.saved[0].Run.Error, "context canceled")
}

func TestRunCompliance_Standalone(t *testing.T) {
	store := &captureStore{}
	r := New(zerolog.Nop(), store, nil)

	testResults, err := r.RunCompliance(context.Background(), testDeal(t), 1)
	require.NoError(t, err)
	assert.NotEmpty(t, testResults)

	require.Len(t, store.saved, 1)
	assert.Equal(t, "COMPLIANCE", store.saved[0].Run.Kind)
	assert.Equal(t, "COMPLETED", store.saved[0].Run.Status)
}
