// Package results persists run output to sqlite: the run header plus
// per-run compliance results, trades, waterfall ledger rows and
// migration series.
package results

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/petrakis/cloval/internal/database"
	"github.com/petrakis/cloval/internal/modules/compliance"
	"github.com/petrakis/cloval/internal/modules/migration"
	"github.com/petrakis/cloval/internal/modules/rebalancing"
	"github.com/petrakis/cloval/internal/modules/waterfall"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	deal         TEXT NOT NULL,
	kind         TEXT NOT NULL,
	seed         INTEGER NOT NULL,
	paths        INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL,
	objective    REAL NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS test_results (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	kind        INTEGER NOT NULL,
	name        TEXT NOT NULL,
	numerator   REAL NOT NULL,
	denominator REAL NOT NULL,
	value       REAL NOT NULL,
	threshold   REAL NOT NULL,
	direction   TEXT NOT NULL,
	pass        INTEGER NOT NULL,
	comment     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS trades (
	run_id           TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq              INTEGER NOT NULL,
	trade_id         TEXT NOT NULL,
	side             TEXT NOT NULL,
	asset_id         TEXT NOT NULL,
	obligor          TEXT NOT NULL,
	par              REAL NOT NULL,
	price            REAL NOT NULL,
	proceeds         REAL NOT NULL,
	objective_before REAL NOT NULL,
	objective_after  REAL NOT NULL,
	pool_before      BLOB,
	pool_after       BLOB,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS waterfall_steps (
	run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	period    INTEGER NOT NULL,
	seq       INTEGER NOT NULL,
	step      TEXT NOT NULL,
	source    TEXT NOT NULL,
	due       TEXT NOT NULL,
	paid      TEXT NOT NULL,
	shortfall TEXT NOT NULL,
	status    TEXT NOT NULL,
	PRIMARY KEY (run_id, period, seq)
);

CREATE TABLE IF NOT EXISTS migration_series (
	run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	period  INTEGER NOT NULL,
	avg     REAL NOT NULL,
	min     REAL NOT NULL,
	max     REAL NOT NULL,
	median  REAL NOT NULL,
	PRIMARY KEY (run_id, period)
);
`

// RunRecord is the persisted run header.
type RunRecord struct {
	ID         string    `json:"id"`
	Deal       string    `json:"deal"`
	Kind       string    `json:"kind"` // COMPLIANCE or FULL
	Seed       int64     `json:"seed"`
	Paths      int       `json:"paths"`
	Status     string    `json:"status"` // COMPLETED or FAILED
	Objective  float64   `json:"objective"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Output bundles everything one run produced.
type Output struct {
	Run       RunRecord
	Tests     []compliance.Result
	Trades    []rebalancing.Trade
	Ledgers   []waterfall.PeriodLedger
	Migration *migration.BatchResult
}

// Repository stores and retrieves run output.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates the repository and applies the schema.
func NewRepository(db *database.DB, log zerolog.Logger) (*Repository, error) {
	r := &Repository{
		db:  db,
		log: log.With().Str("repo", "results").Logger(),
	}
	if _, err := db.Conn().Exec(schema); err != nil {
		return nil, fmt.Errorf("results: applying schema: %w", err)
	}
	return r, nil
}

// SaveRun persists one run and all of its child rows atomically.
func (r *Repository) SaveRun(ctx context.Context, out Output) error {
	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, deal, kind, seed, paths, status, objective, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.Run.ID, out.Run.Deal, out.Run.Kind, out.Run.Seed, out.Run.Paths,
			out.Run.Status, out.Run.Objective, out.Run.Error,
			out.Run.StartedAt.UTC().Unix(), out.Run.FinishedAt.UTC().Unix()); err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}

		for i, res := range out.Tests {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO test_results (run_id, seq, kind, name, numerator, denominator, value, threshold, direction, pass, comment)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				out.Run.ID, i, int(res.Kind), res.Name, res.Numerator, res.Denominator,
				res.Value, res.Threshold, res.Direction.String(), res.Pass, res.Comment); err != nil {
				return fmt.Errorf("inserting test result %d: %w", i, err)
			}
		}

		for i, tr := range out.Trades {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO trades (run_id, seq, trade_id, side, asset_id, obligor, par, price, proceeds, objective_before, objective_after, pool_before, pool_after)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				out.Run.ID, i, tr.ID, string(tr.Side), tr.AssetID, tr.ObligorName,
				tr.ParAmount, tr.Price, tr.Proceeds, tr.ObjectiveBefore, tr.ObjectiveAfter,
				tr.PoolBefore, tr.PoolAfter); err != nil {
				return fmt.Errorf("inserting trade %d: %w", i, err)
			}
		}

		for _, ledger := range out.Ledgers {
			for seq, step := range ledger.Steps {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO waterfall_steps (run_id, period, seq, step, source, due, paid, shortfall, status)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					out.Run.ID, ledger.Period, seq, step.Step, step.Source,
					step.Due.String(), step.Paid.String(), step.Shortfall.String(),
					string(step.Status)); err != nil {
					return fmt.Errorf("inserting waterfall step %d/%d: %w", ledger.Period, seq, err)
				}
			}
		}

		if out.Migration != nil {
			rate := out.Migration.CumulativeDefaultRate
			for p := 0; p < out.Migration.Periods; p++ {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO migration_series (run_id, period, avg, min, max, median)
					VALUES (?, ?, ?, ?, ?, ?)`,
					out.Run.ID, p, rate.Average[p], rate.Min[p], rate.Max[p], rate.Median[p]); err != nil {
					return fmt.Errorf("inserting migration period %d: %w", p, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("run_id", out.Run.ID).
		Str("status", out.Run.Status).
		Int("tests", len(out.Tests)).
		Int("trades", len(out.Trades)).
		Msg("run persisted")
	return nil
}

// GetRun returns one run header.
func (r *Repository) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT id, deal, kind, seed, paths, status, objective, error, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("results: run %s: %w", id, err)
	}
	return rec, nil
}

func scanRun(scan func(...any) error) (*RunRecord, error) {
	var rec RunRecord
	var started, finished int64
	err := scan(&rec.ID, &rec.Deal, &rec.Kind, &rec.Seed, &rec.Paths,
		&rec.Status, &rec.Objective, &rec.Error, &started, &finished)
	if err != nil {
		return nil, err
	}
	rec.StartedAt = time.Unix(started, 0).UTC()
	rec.FinishedAt = time.Unix(finished, 0).UTC()
	return &rec, nil
}

// ListRuns returns recent run headers, newest first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT id, deal, kind, seed, paths, status, objective, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("results: listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("results: scanning run: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// TestRow is one persisted compliance result.
type TestRow struct {
	Kind        int     `json:"kind"`
	Name        string  `json:"name"`
	Numerator   float64 `json:"numerator"`
	Denominator float64 `json:"denominator"`
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	Direction   string  `json:"direction"`
	Pass        bool    `json:"pass"`
	Comment     string  `json:"comment,omitempty"`
}

// TestResults returns one run's compliance rows in evaluation order.
func (r *Repository) TestResults(ctx context.Context, runID string) ([]TestRow, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT kind, name, numerator, denominator, value, threshold, direction, pass, comment
		FROM test_results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("results: test results for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []TestRow
	for rows.Next() {
		var t TestRow
		if err := rows.Scan(&t.Kind, &t.Name, &t.Numerator, &t.Denominator,
			&t.Value, &t.Threshold, &t.Direction, &t.Pass, &t.Comment); err != nil {
			return nil, fmt.Errorf("results: scanning test result: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Trades returns one run's committed trades in commit order.
func (r *Repository) Trades(ctx context.Context, runID string) ([]rebalancing.Trade, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT trade_id, side, asset_id, obligor, par, price, proceeds, objective_before, objective_after, pool_before, pool_after
		FROM trades WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("results: trades for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []rebalancing.Trade
	for rows.Next() {
		var tr rebalancing.Trade
		var side string
		if err := rows.Scan(&tr.ID, &side, &tr.AssetID, &tr.ObligorName,
			&tr.ParAmount, &tr.Price, &tr.Proceeds, &tr.ObjectiveBefore, &tr.ObjectiveAfter,
			&tr.PoolBefore, &tr.PoolAfter); err != nil {
			return nil, fmt.Errorf("results: scanning trade: %w", err)
		}
		tr.Side = rebalancing.Side(side)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// StepRow is one persisted waterfall ledger line.
type StepRow struct {
	Period    int             `json:"period"`
	Step      string          `json:"step"`
	Source    string          `json:"source"`
	Due       decimal.Decimal `json:"due"`
	Paid      decimal.Decimal `json:"paid"`
	Shortfall decimal.Decimal `json:"shortfall"`
	Status    string          `json:"status"`
}

// WaterfallSteps returns one run's ledger lines in period and priority
// order.
func (r *Repository) WaterfallSteps(ctx context.Context, runID string) ([]StepRow, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT period, step, source, due, paid, shortfall, status
		FROM waterfall_steps WHERE run_id = ? ORDER BY period, seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("results: waterfall steps for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		var s StepRow
		var due, paid, shortfall string
		if err := rows.Scan(&s.Period, &s.Step, &s.Source, &due, &paid, &shortfall, &s.Status); err != nil {
			return nil, fmt.Errorf("results: scanning waterfall step: %w", err)
		}
		if s.Due, err = decimal.NewFromString(due); err != nil {
			return nil, fmt.Errorf("results: bad due amount %q: %w", due, err)
		}
		if s.Paid, err = decimal.NewFromString(paid); err != nil {
			return nil, fmt.Errorf("results: bad paid amount %q: %w", paid, err)
		}
		if s.Shortfall, err = decimal.NewFromString(shortfall); err != nil {
			return nil, fmt.Errorf("results: bad shortfall amount %q: %w", shortfall, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SeriesRow is one persisted migration summary period.
type SeriesRow struct {
	Period  int     `json:"period"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Median  float64 `json:"median"`
}

// MigrationSeries returns one run's cumulative default rate series.
func (r *Repository) MigrationSeries(ctx context.Context, runID string) ([]SeriesRow, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT period, avg, min, max, median
		FROM migration_series WHERE run_id = ? ORDER BY period`, runID)
	if err != nil {
		return nil, fmt.Errorf("results: migration series for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []SeriesRow
	for rows.Next() {
		var s SeriesRow
		if err := rows.Scan(&s.Period, &s.Average, &s.Min, &s.Max, &s.Median); err != nil {
			return nil, fmt.Errorf("results: scanning migration period: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
