// Package deal assembles the full deal aggregate from tabular input
// records: the collateral pool, the liability structure and the
// compliance configuration. Records that fail validation are skipped
// and reported in a load summary, never dropped silently.
package deal

import (
	"errors"
	"time"

	"github.com/petrakis/cloval/internal/modules/compliance"
	"github.com/petrakis/cloval/internal/modules/pool"
	"github.com/petrakis/cloval/internal/modules/waterfall"
)

// ErrEmptyDeal reports an input with no loadable assets at all.
var ErrEmptyDeal = errors.New("deal: no loadable assets")

// Deal is one loaded CLO: collateral plus liabilities plus test
// configuration. The runner owns it for the duration of a run.
type Deal struct {
	Name       string
	AsOf       time.Time
	Pool       *pool.Pool
	Structure  *waterfall.Structure
	Compliance compliance.Settings
}

// SkippedRecord names one rejected input record and why.
type SkippedRecord struct {
	Table  string `json:"table"` // ASSETS, ACCOUNTS
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// LoadSummary reports what a load accepted and what it skipped.
type LoadSummary struct {
	AssetsLoaded   int             `json:"assets_loaded"`
	AccountsLoaded int             `json:"accounts_loaded"`
	Skipped        []SkippedRecord `json:"skipped,omitempty"`
}
