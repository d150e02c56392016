package types

import "math/big"

// Account is the per-address record tracked by the ledger. Balance is the
// spendable amount used to pay for purchases and receive proceeds; Pending is
// the pull-payment book — fees accrued to the platform owner (and any future
// payee) awaiting an explicit withdrawal.
type Account struct {
	Balance *big.Int
	Pending *big.Int
}

// NewAccount returns an account with both balances initialised to zero.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0), Pending: big.NewInt(0)}
}

// Clone returns a deep copy so callers can mutate without aliasing state.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := NewAccount()
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	if a.Pending != nil {
		clone.Pending = new(big.Int).Set(a.Pending)
	}
	return clone
}
