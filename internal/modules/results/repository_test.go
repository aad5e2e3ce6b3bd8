package results

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrakis/cloval/internal/database"
	"github.com/petrakis/cloval/internal/modules/compliance"
	"github.com/petrakis/cloval/internal/modules/migration"
	"github.com/petrakis/cloval/internal/modules/rebalancing"
	"github.com/petrakis/cloval/internal/modules/waterfall"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    "file:" + t.Name() + "?mode=memory&cache=shared",
		Profile: database.ProfileScratch,
		Name:    "results-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	return repo
}

func sampleOutput(runID string) Output {
	started := time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC)
	return Output{
		Run: RunRecord{
			ID:         runID,
			Deal:       "PETRA 2026-1",
			Kind:       "FULL",
			Seed:       42,
			Paths:      1000,
			Status:     "COMPLETED",
			Objective:  3.25,
			StartedAt:  started,
			FinishedAt: started.Add(90 * time.Second),
		},
		Tests: []compliance.Result{
			{
				Kind: compliance.TestMinOCClassA, Name: "Minimum O/C ratio (class A)",
				Numerator: 120_000_000, Denominator: 100_000_000, Value: 1.2,
				Threshold: 1.25, Direction: compliance.Min, Pass: false,
			},
			{
				Kind: compliance.TestMaxWARF, Name: "Maximum WARF",
				Numerator: 2855e6, Denominator: 1e6, Value: 2855,
				Threshold: 2900, Direction: compliance.Max, Pass: true,
			},
		},
		Trades: []rebalancing.Trade{
			{
				ID: "trade-1", Side: rebalancing.SideSell, AssetID: "LN003",
				ObligorName: "Cobalt", ParAmount: 5_000_000, Price: 0.97,
				Proceeds: 4_850_000, ObjectiveBefore: 0, ObjectiveAfter: 1.1,
				PoolBefore: []byte{0x81, 0x01}, PoolAfter: []byte{0x81, 0x02},
			},
		},
		Ledgers: []waterfall.PeriodLedger{
			{
				Period: 1,
				Steps: []waterfall.StepRecord{
					{
						Step: "A interest", Source: "INTEREST",
						Due:  decimal.RequireFromString("750000"),
						Paid: decimal.RequireFromString("750000"), Shortfall: decimal.Zero,
						Status: waterfall.StepFull,
					},
					{
						Step: "B interest", Source: "INTEREST",
						Due:  decimal.RequireFromString("437500"),
						Paid: decimal.RequireFromString("200000"),
						Shortfall: decimal.RequireFromString("237500"),
						Status: waterfall.StepPartial,
					},
				},
			},
		},
		Migration: &migration.BatchResult{
			Paths:   1000,
			Periods: 2,
			CumulativeDefaultRate: migration.SeriesStats{
				Average: []float64{0.01, 0.02},
				Min:     []float64{0, 0},
				Max:     []float64{0.05, 0.08},
				Median:  []float64{0.01, 0.018},
			},
		},
	}
}

func TestSaveRun_RoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveRun(ctx, sampleOutput("run-1")))

	run, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "PETRA 2026-1", run.Deal)
	assert.Equal(t, int64(42), run.Seed)
	assert.Equal(t, "COMPLETED", run.Status)
	assert.Equal(t, time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC), run.StartedAt)

	tests, err := repo.TestResults(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, tests, 2)
	assert.Equal(t, "Minimum O/C ratio (class A)", tests[0].Name)
	assert.False(t, tests[0].Pass)
	assert.Equal(t, "min", tests[0].Direction)

	trades, err := repo.Trades(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, rebalancing.SideSell, trades[0].Side)
	assert.InDelta(t, 4_850_000, trades[0].Proceeds, 1e-9)
	assert.Equal(t, []byte{0x81, 0x01}, trades[0].PoolBefore)
	assert.Equal(t, []byte{0x81, 0x02}, trades[0].PoolAfter)

	steps, err := repo.WaterfallSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.True(t, steps[1].Shortfall.Equal(decimal.RequireFromString("237500")),
		"decimal amounts survive the round trip exactly")

	series, err := repo.MigrationSeries(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.InDelta(t, 0.02, series[1].Average, 1e-12)
}

func TestSaveRun_DuplicateIDFails(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveRun(ctx, sampleOutput("run-1")))
	err := repo.SaveRun(ctx, sampleOutput("run-1"))
	assert.Error(t, err, "run IDs are unique; a failed insert rolls the whole batch back")

	tests, err := repo.TestResults(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, tests, 2, "rollback leaves the first save intact")
}

func TestListRuns_NewestFirst(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	first := sampleOutput("run-1")
	second := sampleOutput("run-2")
	second.Run.StartedAt = first.Run.StartedAt.Add(time.Hour)
	second.Run.FinishedAt = second.Run.StartedAt.Add(time.Minute)
	require.NoError(t, repo.SaveRun(ctx, first))
	require.NoError(t, repo.SaveRun(ctx, second))

	runs, err := repo.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
}

func TestGetRun_Missing(t *testing.T) {
	repo := testRepo(t)
	_, err := repo.GetRun(context.Background(), "nope")
	assert.Error(t, err)
}
