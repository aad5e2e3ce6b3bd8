// Package pool holds the collateral pool aggregate: the asset map, the
// deal's cash accounts, filtering and aggregate cashflow generation.
// One run owns its pool exclusively; speculative trades work on clones.
package pool

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/petrakis/cloval/internal/domain"
	"github.com/petrakis/cloval/internal/modules/cashflow"
)

var (
	// ErrDuplicateAsset reports a second insert of an asset ID. This is
	// an engine invariant violation and aborts the run.
	ErrDuplicateAsset = errors.New("pool: duplicate asset id")
	// ErrUnknownAsset reports a lookup or trade against a missing ID.
	ErrUnknownAsset = errors.New("pool: unknown asset id")
	// ErrOverdraft signals a withdrawal beyond an account balance. The
	// optimizer treats it as a stop condition, never a silent wrap.
	ErrOverdraft = errors.New("pool: account overdraft")
)

// Pool is the collateral pool: unique-ID asset map plus cash accounts.
type Pool struct {
	assets   map[string]*domain.Asset
	accounts map[domain.AccountKey]float64
	log      zerolog.Logger
}

// New creates an empty pool.
func New(log zerolog.Logger) *Pool {
	return &Pool{
		assets:   make(map[string]*domain.Asset),
		accounts: make(map[domain.AccountKey]float64),
		log:      log.With().Str("service", "pool").Logger(),
	}
}

// AddAsset inserts an asset. Duplicate IDs violate the pool invariant.
func (p *Pool) AddAsset(a *domain.Asset) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if _, exists := p.assets[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAsset, a.ID)
	}
	p.assets[a.ID] = a
	return nil
}

// Asset returns one asset by ID.
func (p *Pool) Asset(id string) (*domain.Asset, bool) {
	a, ok := p.assets[id]
	return a, ok
}

// RemoveAsset deletes an asset, returning whether it existed.
func (p *Pool) RemoveAsset(id string) bool {
	if _, ok := p.assets[id]; !ok {
		return false
	}
	delete(p.assets, id)
	return true
}

// Assets returns all assets ordered by ID. Deterministic iteration
// keeps compliance results reproducible for identical pools.
func (p *Pool) Assets() []*domain.Asset {
	ids := make([]string, 0, len(p.assets))
	for id := range p.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*domain.Asset, len(ids))
	for i, id := range ids {
		out[i] = p.assets[id]
	}
	return out
}

// Size returns the number of assets.
func (p *Pool) Size() int {
	return len(p.assets)
}

// AdjustPar applies a par increase (buy) or decrease (sell) to an
// asset. Selling the full position removes it from the pool.
func (p *Pool) AdjustPar(id string, delta float64) error {
	a, ok := p.assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	next := a.ParAmount + delta
	if next < -1e-9 {
		return fmt.Errorf("pool: sell of %.2f exceeds par %.2f on %s", -delta, a.ParAmount, id)
	}
	if next <= 1e-9 {
		delete(p.assets, id)
		return nil
	}
	a.ParAmount = next
	return nil
}

// Deposit credits an account bucket.
func (p *Pool) Deposit(key domain.AccountKey, amount float64) {
	p.accounts[key] += amount
}

// Withdraw debits an account bucket, failing on overdraft.
func (p *Pool) Withdraw(key domain.AccountKey, amount float64) error {
	if p.accounts[key]-amount < -1e-9 {
		return fmt.Errorf("%w: %s/%s has %.2f, need %.2f",
			ErrOverdraft, key.Account, key.Cash, p.accounts[key], amount)
	}
	p.accounts[key] -= amount
	return nil
}

// Balance returns one account bucket's balance.
func (p *Pool) Balance(key domain.AccountKey) float64 {
	return p.accounts[key]
}

// Accounts returns a copy of all account balances.
func (p *Pool) Accounts() map[domain.AccountKey]float64 {
	out := make(map[domain.AccountKey]float64, len(p.accounts))
	for k, v := range p.accounts {
		out[k] = v
	}
	return out
}

// TotalPar returns aggregate par, split into performing and defaulted.
func (p *Pool) TotalPar() (performing, defaulted float64) {
	for _, a := range p.assets {
		if a.Defaulted {
			defaulted += a.ParAmount
		} else {
			performing += a.ParAmount
		}
	}
	return performing, defaulted
}

// CollateralBalance returns performing par plus principal cash, the
// numerator convention for O/C ratios.
func (p *Pool) CollateralBalance() float64 {
	performing, _ := p.TotalPar()
	total := performing
	for key, bal := range p.accounts {
		if key.Cash == domain.CashPrincipal {
			total += bal
		}
	}
	return total
}

// Clone deep-copies the pool for speculative mutation. Commit of a
// hypothetical trade is an explicit swap at the call site; a rejected
// clone is simply dropped.
func (p *Pool) Clone() *Pool {
	out := New(p.log)
	for id, a := range p.assets {
		out.assets[id] = a.Clone()
	}
	for k, v := range p.accounts {
		out.accounts[k] = v
	}
	return out
}

// AggregateCashflows projects every asset independently and sums the
// schedules into one pooled schedule.
func (p *Pool) AggregateCashflows(projector *cashflow.Projector, asOf time.Time) ([]cashflow.Period, error) {
	schedules := make([][]cashflow.Period, 0, len(p.assets))
	for _, a := range p.Assets() {
		s, err := projector.Project(a, asOf)
		if err != nil {
			return nil, fmt.Errorf("projecting asset %s: %w", a.ID, err)
		}
		schedules = append(schedules, s)
	}
	return cashflow.Aggregate(schedules...), nil
}

// AggregateCashflowsRatingDriven projects every asset with default
// timing taken from one simulated migration path. Assets absent from
// the map never default on that path; their flat default rates do not
// apply.
func (p *Pool) AggregateCashflowsRatingDriven(projector *cashflow.Projector, asOf time.Time, defaultPeriods map[string]int) ([]cashflow.Period, error) {
	schedules := make([][]cashflow.Period, 0, len(p.assets))
	for _, a := range p.Assets() {
		period, ok := defaultPeriods[a.ID]
		if !ok {
			period = -1
		}
		s, err := projector.ProjectRatingDriven(a, asOf, period)
		if err != nil {
			return nil, fmt.Errorf("projecting asset %s: %w", a.ID, err)
		}
		schedules = append(schedules, s)
	}
	return cashflow.Aggregate(schedules...), nil
}
