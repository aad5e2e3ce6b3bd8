// Package rebalancing proposes buy and sell trades that improve the
// pool's weighted compliance objective. The optimizer is greedy: each
// iteration evaluates every candidate move on a pool clone, commits
// the single best improvement, and stops when no move helps.
package rebalancing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petrakis/cloval/internal/domain"
	"github.com/petrakis/cloval/internal/modules/compliance"
	"github.com/petrakis/cloval/internal/modules/pool"
	"github.com/petrakis/cloval/internal/runctx"
)

// tradingAccount is the bucket trades settle through.
var tradingAccount = domain.AccountKey{Account: domain.AccountCollection, Cash: domain.CashPrincipal}

// Side distinguishes trade direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is one committed rebalancing step, in commit order.
type Trade struct {
	ID              string  `json:"id"`
	Side            Side    `json:"side"`
	AssetID         string  `json:"asset_id"`
	ObligorName     string  `json:"obligor_name"`
	ParAmount       float64 `json:"par_amount"`
	Price           float64 `json:"price"`
	Proceeds        float64 `json:"proceeds"` // signed cash impact
	ObjectiveBefore float64 `json:"objective_before"`
	ObjectiveAfter  float64 `json:"objective_after"`

	// PoolBefore and PoolAfter are pool snapshots bracketing the trade,
	// decodable with pool.FromSnapshot. They make every committed step
	// auditable from the run record alone.
	PoolBefore []byte `json:"-"`
	PoolAfter  []byte `json:"-"`
}

// Config tunes one optimization run.
type Config struct {
	// BuyFilter and SellFilter select candidates from the buy universe
	// and the held pool respectively. Empty means everything qualifies.
	BuyFilter  string
	SellFilter string

	// MaxIterations caps committed trades.
	MaxIterations int
	// PerTradeCap limits a single buy's par to this fraction of the
	// purchase budget, and a single sell's par to this fraction of the
	// collateral balance at run start. Zero means 5%.
	PerTradeCap float64
	// MinImprovement is the smallest objective gain worth committing.
	MinImprovement float64
	// CashTarget is the principal cash floor the run must not trade
	// below. Buys that would breach it are not considered.
	CashTarget float64
	// Budget is the total purchase budget. Zero means the trading
	// account's spendable cash at run start, net of CashTarget.
	Budget float64
}

func (c *Config) normalize() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 20
	}
	if c.PerTradeCap <= 0 {
		c.PerTradeCap = 0.05
	}
	if c.MinImprovement <= 0 {
		c.MinImprovement = 1e-9
	}
}

// Result is one optimization run's outcome. Pool is a rebalanced clone;
// the caller's pool is never mutated, so a failed or cancelled run
// leaves no partial state behind.
type Result struct {
	Trades          []Trade `json:"trades"`
	ObjectiveBefore float64 `json:"objective_before"`
	ObjectiveAfter  float64 `json:"objective_after"`
	Iterations      int     `json:"iterations"`
	Pool            *pool.Pool
}

// Optimizer proposes trades against a compliance objective.
type Optimizer struct {
	log    zerolog.Logger
	engine *compliance.Engine
}

// NewOptimizer creates an optimizer using the given compliance engine
// for scoring.
func NewOptimizer(log zerolog.Logger, engine *compliance.Engine) *Optimizer {
	return &Optimizer{
		log:    log.With().Str("service", "rebalancing").Logger(),
		engine: engine,
	}
}

// move is one candidate trade not yet committed.
type move struct {
	side  Side
	asset *domain.Asset
	par   float64
	price float64
}

// Run optimizes the pool greedily. universe is the purchasable asset
// list; sells come from the pool itself. The returned pool is a clone
// with all committed trades applied.
func (o *Optimizer) Run(rc *runctx.RunContext, p *pool.Pool, settings compliance.Settings, universe []*domain.Asset, cfg Config, asOf time.Time) (*Result, error) {
	cfg.normalize()

	buyPred, err := compilePredicate(cfg.BuyFilter)
	if err != nil {
		return nil, fmt.Errorf("rebalancing: buy filter: %w", err)
	}
	sellPred, err := compilePredicate(cfg.SellFilter)
	if err != nil {
		return nil, fmt.Errorf("rebalancing: sell filter: %w", err)
	}

	working := p.Clone()
	base, err := o.score(working, settings, asOf)
	if err != nil {
		return nil, err
	}
	res := &Result{ObjectiveBefore: base, ObjectiveAfter: base, Pool: working}
	budget := cfg.Budget
	if budget <= 0 {
		budget = working.Balance(tradingAccount) - cfg.CashTarget
		if budget < 0 {
			budget = 0
		}
	}
	buyCap := cfg.PerTradeCap * budget
	sellCap := cfg.PerTradeCap * working.CollateralBalance()

	for iter := 0; iter < cfg.MaxIterations; iter++ {
		if err := rc.Err(); err != nil {
			return nil, err
		}
		res.Iterations = iter + 1

		moves, err := o.candidates(working, universe, buyPred, sellPred, buyCap, sellCap, cfg.CashTarget)
		if err != nil {
			return nil, err
		}
		// An empty candidate set is an ordinary outcome: the run
		// completes with whatever trades were committed so far.
		if len(moves) == 0 {
			break
		}

		best, bestScore, err := o.pickBest(rc, working, settings, moves, asOf, base)
		if err != nil {
			return nil, err
		}
		if best == nil || bestScore-base < cfg.MinImprovement {
			break
		}

		before, err := working.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("rebalancing: snapshotting pool: %w", err)
		}
		if err := apply(working, *best); err != nil {
			// Candidates were built from the same pool state; a failed
			// apply means the optimizer itself is broken.
			return nil, fmt.Errorf("rebalancing: committing trade: %w", err)
		}
		after, err := working.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("rebalancing: snapshotting pool: %w", err)
		}
		trade := Trade{
			ID:              uuid.New().String(),
			Side:            best.side,
			AssetID:         best.asset.ID,
			ObligorName:     best.asset.ObligorName,
			ParAmount:       best.par,
			Price:           best.price,
			Proceeds:        cashDelta(*best),
			ObjectiveBefore: base,
			ObjectiveAfter:  bestScore,
			PoolBefore:      before,
			PoolAfter:       after,
		}
		res.Trades = append(res.Trades, trade)
		base = bestScore
		res.ObjectiveAfter = bestScore

		o.log.Debug().
			Str("trade_id", trade.ID).
			Str("side", string(trade.Side)).
			Str("asset", trade.AssetID).
			Float64("par", trade.ParAmount).
			Float64("objective", bestScore).
			Msg("trade committed")
	}

	o.log.Info().
		Int("trades", len(res.Trades)).
		Float64("objective_before", res.ObjectiveBefore).
		Float64("objective_after", res.ObjectiveAfter).
		Msg("rebalancing complete")
	return res, nil
}

// candidates enumerates the legal moves from the current pool state.
func (o *Optimizer) candidates(working *pool.Pool, universe []*domain.Asset, buyPred, sellPred pool.Predicate, buyCap, sellCap, cashTarget float64) ([]move, error) {
	var moves []move

	for _, a := range working.Assets() {
		if a.Defaulted {
			continue
		}
		ok, err := sellPred(a)
		if err != nil {
			return nil, fmt.Errorf("rebalancing: sell filter on %s: %w", a.ID, err)
		}
		if !ok {
			continue
		}
		par := a.ParAmount
		if par > sellCap {
			par = sellCap
		}
		if par <= 0 {
			continue
		}
		moves = append(moves, move{side: SideSell, asset: a, par: par, price: a.MarketPrice})
	}

	cash := working.Balance(tradingAccount)
	for _, a := range universe {
		if _, held := working.Asset(a.ID); held {
			continue
		}
		ok, err := buyPred(a)
		if err != nil {
			return nil, fmt.Errorf("rebalancing: buy filter on %s: %w", a.ID, err)
		}
		if !ok {
			continue
		}
		par := a.ParAmount
		if par > buyCap {
			par = buyCap
		}
		if a.MarketPrice > 0 {
			if affordable := (cash - cashTarget) / a.MarketPrice; par > affordable {
				par = affordable
			}
		}
		if par <= 0 {
			continue
		}
		moves = append(moves, move{side: SideBuy, asset: a, par: par, price: a.MarketPrice})
	}
	return moves, nil
}

// pickBest scores every move on a throwaway clone and returns the one
// with the highest objective.
func (o *Optimizer) pickBest(rc *runctx.RunContext, working *pool.Pool, settings compliance.Settings, moves []move, asOf time.Time, base float64) (*move, float64, error) {
	var best *move
	bestScore := base
	for i := range moves {
		if err := rc.Err(); err != nil {
			return nil, 0, err
		}
		trial := working.Clone()
		if err := apply(trial, moves[i]); err != nil {
			return nil, 0, err
		}
		score, err := o.score(trial, settings, asOf)
		if err != nil {
			return nil, 0, err
		}
		if score > bestScore {
			best = &moves[i]
			bestScore = score
		}
	}
	return best, bestScore, nil
}

// apply executes one move on the given pool, settling cash through the
// trading account.
func apply(p *pool.Pool, m move) error {
	switch m.side {
	case SideSell:
		if err := p.AdjustPar(m.asset.ID, -m.par); err != nil {
			return err
		}
		p.Deposit(tradingAccount, m.par*m.price)
		return nil
	case SideBuy:
		if err := p.Withdraw(tradingAccount, m.par*m.price); err != nil {
			return err
		}
		if _, held := p.Asset(m.asset.ID); held {
			return p.AdjustPar(m.asset.ID, m.par)
		}
		bought := m.asset.Clone()
		bought.ParAmount = m.par
		return p.AddAsset(bought)
	default:
		return fmt.Errorf("rebalancing: unknown trade side %q", m.side)
	}
}

func cashDelta(m move) float64 {
	if m.side == SideSell {
		return m.par * m.price
	}
	return -m.par * m.price
}

func (o *Optimizer) score(p *pool.Pool, settings compliance.Settings, asOf time.Time) (float64, error) {
	results, err := o.engine.Run(p, settings, asOf)
	if err != nil {
		return 0, err
	}
	return compliance.Objective(results, settings), nil
}

func compilePredicate(expr string) (pool.Predicate, error) {
	if expr == "" {
		return func(*domain.Asset) (bool, error) { return true, nil }, nil
	}
	return pool.CompileFilter(expr)
}
