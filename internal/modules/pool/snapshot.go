package pool

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/petrakis/cloval/internal/domain"
)

// snapshotEnvelope is the wire form of a pool snapshot.
type snapshotEnvelope struct {
	Version  int               `msgpack:"version"`
	Assets   []*domain.Asset   `msgpack:"assets"`
	Accounts []accountSnapshot `msgpack:"accounts"`
}

type accountSnapshot struct {
	Account string  `msgpack:"account"`
	Cash    string  `msgpack:"cash"`
	Balance float64 `msgpack:"balance"`
}

const snapshotVersion = 1

// Snapshot encodes the full pool state. Snapshots are the audit trail
// for before/after trade comparisons and survive process restarts.
func (p *Pool) Snapshot() ([]byte, error) {
	env := snapshotEnvelope{
		Version: snapshotVersion,
		Assets:  p.Assets(),
	}
	for key, bal := range p.accounts {
		env.Accounts = append(env.Accounts, accountSnapshot{
			Account: string(key.Account),
			Cash:    string(key.Cash),
			Balance: bal,
		})
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("pool: snapshot encode failed: %w", err)
	}
	return data, nil
}

// FromSnapshot rebuilds a pool from an encoded snapshot.
func FromSnapshot(data []byte, log zerolog.Logger) (*Pool, error) {
	var env snapshotEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("pool: snapshot decode failed: %w", err)
	}
	if env.Version != snapshotVersion {
		return nil, fmt.Errorf("pool: unsupported snapshot version %d", env.Version)
	}

	p := New(log)
	for _, a := range env.Assets {
		if err := p.AddAsset(a); err != nil {
			return nil, err
		}
	}
	for _, acc := range env.Accounts {
		key := domain.AccountKey{
			Account: domain.AccountType(acc.Account),
			Cash:    domain.CashType(acc.Cash),
		}
		p.accounts[key] = acc.Balance
	}
	return p, nil
}
